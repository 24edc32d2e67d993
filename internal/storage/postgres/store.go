// Package postgres persists regulations and their component links in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ani-regulations/internal/coerce"
	"github.com/JakeFAU/ani-regulations/internal/dedup"
	"github.com/JakeFAU/ani-regulations/internal/regulation"
)

// Default table names.
const (
	DefaultRegulationsTable = "regulations"
	DefaultComponentTable   = "regulations_component"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// insertColumns is the column order used by CopyFrom.
var insertColumns = []string{
	"title",
	"created_at",
	"update_at",
	"is_active",
	"entity",
	"external_link",
	"gtype",
	"rtype_id",
	"summary",
	"classification_id",
}

// Config controls the connection pool and table names.
type Config struct {
	DSN              string
	RegulationsTable string
	ComponentTable   string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store reads and writes regulation rows.
type Store struct {
	pool       Pool
	table      string
	components string
}

// Connect opens a pool from cfg and pings it.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := NewStoreWithPool(pool, cfg.RegulationsTable, cfg.ComponentTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool Pool, table, components string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultRegulationsTable
	}
	if components == "" {
		components = DefaultComponentTable
	}
	for _, name := range []string{table, components} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Store{pool: pool, table: table, components: components}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// LatestCreatedAt returns the newest created_at persisted for entity. ok is
// false when the entity has no rows.
func (s *Store) LatestCreatedAt(ctx context.Context, entity string) (time.Time, bool, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(created_at)::text, '') FROM %s WHERE entity = $1`, s.table)
	var raw string
	if err := s.pool.QueryRow(ctx, query, entity).Scan(&raw); err != nil {
		return time.Time{}, false, fmt.Errorf("query latest created_at: %w", err)
	}
	if raw == "" {
		return time.Time{}, false, nil
	}
	latest, ok := coerce.ParseDate(raw)
	if !ok {
		return time.Time{}, false, fmt.Errorf("unparseable latest created_at %q", raw)
	}
	return latest, true, nil
}

// Begin opens a write transaction.
func (s *Store) Begin(ctx context.Context) (dedup.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &writeTx{tx: tx, table: s.table}, nil
}

// RecentIDs returns the n highest ids persisted for entity, newest first.
func (s *Store) RecentIDs(ctx context.Context, entity string, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE entity = $1 ORDER BY id DESC LIMIT $2`, s.table)
	rows, err := s.pool.Query(ctx, query, entity, n)
	if err != nil {
		return nil, fmt.Errorf("query recent ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent ids: %w", err)
	}
	return ids, nil
}

// InsertComponents links every regulation id to componentID.
func (s *Store) InsertComponents(ctx context.Context, regulationIDs []int64, componentID int64) (int64, error) {
	if len(regulationIDs) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(regulationIDs))
	for _, id := range regulationIDs {
		rows = append(rows, []any{id, componentID})
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{s.components},
		[]string{"regulations_id", "components_id"}, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", s.components, err)
	}
	return n, nil
}

type writeTx struct {
	tx    pgx.Tx
	table string
}

// LockEntity takes a transaction-scoped advisory lock keyed by entity.
func (t *writeTx) LockEntity(ctx context.Context, entity string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entity); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func (t *writeTx) ExistingKeys(ctx context.Context, entity string) ([]regulation.IdentityKey, error) {
	query := fmt.Sprintf(
		`SELECT title, created_at::text, COALESCE(external_link, '') FROM %s WHERE entity = $1`, t.table)
	rows, err := t.tx.Query(ctx, query, entity)
	if err != nil {
		return nil, fmt.Errorf("query existing keys: %w", err)
	}
	defer rows.Close()

	var keys []regulation.IdentityKey
	for rows.Next() {
		var title, created, link string
		if err := rows.Scan(&title, &created, &link); err != nil {
			return nil, fmt.Errorf("scan existing key: %w", err)
		}
		keys = append(keys, regulation.NewIdentityKey(title, created, link))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing keys: %w", err)
	}
	return keys, nil
}

func (t *writeTx) InsertRegulations(ctx context.Context, records []regulation.Record) (int64, error) {
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		row, err := copyRow(rec)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := t.tx.CopyFrom(ctx, pgx.Identifier{t.table}, insertColumns, pgx.CopyFromRows(rows))
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, fmt.Errorf("copy into %s: %w: %w", t.table, dedup.ErrConflict, err)
		}
		return 0, fmt.Errorf("copy into %s: %w", t.table, err)
	}
	return n, nil
}

func (t *writeTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *writeTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func copyRow(rec regulation.Record) ([]any, error) {
	created, err := time.Parse(coerce.DateLayout, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("record %q: created_at: %w", rec.Title, err)
	}
	updated, err := time.Parse(coerce.TimestampLayout, rec.UpdateAt)
	if err != nil {
		return nil, fmt.Errorf("record %q: update_at: %w", rec.Title, err)
	}
	return []any{
		strings.TrimSpace(rec.Title),
		created,
		updated,
		rec.IsActive,
		rec.Entity,
		nullable(rec.ExternalLink),
		nullable(rec.GType),
		rec.RTypeID,
		rec.Summary,
		rec.ClassificationID,
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IsUniqueViolation reports whether err wraps a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
