package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ani-regulations/internal/dedup"
	"github.com/JakeFAU/ani-regulations/internal/regulation"
)

const entity = regulation.DefaultEntity

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := NewStoreWithPool(mock, "", "")
	require.NoError(t, err)
	return mock, store
}

func sampleRecord(title string) regulation.Record {
	summary := "Resumen"
	return regulation.Record{
		Title:            title,
		CreatedAt:        "2024-03-15",
		UpdateAt:         "2024-03-20 08:00:00",
		ExternalLink:     "https://www.ani.gov.co/" + title,
		GType:            regulation.LinkGType,
		Summary:          &summary,
		RTypeID:          15,
		ClassificationID: 13,
		IsActive:         true,
		Entity:           entity,
	}
}

func TestNewStoreWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStoreWithPool(nil, "", "")
	require.Error(t, err)
	_, err = NewStoreWithPool(mock, "regulations; DROP TABLE x", "")
	require.Error(t, err)
	_, err = NewStoreWithPool(mock, "regulations", "1component")
	require.Error(t, err)

	store, err := NewStoreWithPool(mock, "", "")
	require.NoError(t, err)
	require.Equal(t, DefaultRegulationsTable, store.table)
	require.Equal(t, DefaultComponentTable, store.components)
}

func TestLatestCreatedAt(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(created_at\\)::text, ''\\) FROM regulations").
		WithArgs(entity).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow("2024-03-15"))
	mock.ExpectQuery("FROM regulations").
		WithArgs(entity).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(""))
	mock.ExpectQuery("FROM regulations").
		WithArgs(entity).
		WillReturnError(errors.New("connection reset"))

	latest, ok, err := store.LatestCreatedAt(context.Background(), entity)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), latest)

	_, ok, err = store.LatestCreatedAt(context.Background(), entity)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = store.LatestCreatedAt(context.Background(), entity)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriterAgainstStore(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	existing := sampleRecord("Resolución 1")
	fresh := sampleRecord("Resolución 2")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(entity).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT title, created_at::text").
		WithArgs(entity).
		WillReturnRows(pgxmock.NewRows([]string{"title", "created_at", "external_link"}).
			AddRow(" Resolución 1 ", "2024-03-15", existing.ExternalLink))
	mock.ExpectCopyFrom(pgx.Identifier{"regulations"}, insertColumns).WillReturnResult(1)
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT id FROM regulations").
		WithArgs(entity, 1).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCopyFrom(pgx.Identifier{"regulations_component"}, []string{"regulations_id", "components_id"}).
		WillReturnResult(1)

	w := dedup.NewWriter(store, 0, zap.NewNop())
	res, err := w.Write(context.Background(), []regulation.Record{existing, fresh}, entity)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Inserted)
	require.Equal(t, int64(1), res.ComponentsInserted)
	require.Equal(t, 1, res.DuplicatesPersisted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRegulationsUniqueViolation(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(entity).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT title, created_at::text").
		WithArgs(entity).
		WillReturnRows(pgxmock.NewRows([]string{"title", "created_at", "external_link"}))
	mock.ExpectCopyFrom(pgx.Identifier{"regulations"}, insertColumns).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key value"})
	mock.ExpectRollback()

	res, err := dedup.NewWriter(store, 0, nil).Write(context.Background(),
		[]regulation.Record{sampleRecord("Decreto 9")}, entity)
	require.NoError(t, err)
	require.Zero(t, res.Inserted)
	require.Contains(t, res.Message, "were duplicates and skipped")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRegulationsOtherErrorRollsBack(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(entity).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT title, created_at::text").
		WithArgs(entity).
		WillReturnRows(pgxmock.NewRows([]string{"title", "created_at", "external_link"}))
	mock.ExpectCopyFrom(pgx.Identifier{"regulations"}, insertColumns).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.NotNullViolation, Message: "null value"})
	mock.ExpectRollback()

	_, err := dedup.NewWriter(store, 0, nil).Write(context.Background(),
		[]regulation.Record{sampleRecord("Decreto 9")}, entity)
	require.Error(t, err)
	require.False(t, errors.Is(err, dedup.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRegulationsRejectsBadDates(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	bad := sampleRecord("x")
	bad.CreatedAt = "15/03/2024"
	_, err = tx.InsertRegulations(context.Background(), []regulation.Record{bad})
	require.ErrorContains(t, err, "created_at")
}

func TestRecentIDsAndComponents(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT id FROM regulations WHERE entity = \\$1 ORDER BY id DESC LIMIT \\$2").
		WithArgs(entity, 2).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(9)).AddRow(int64(8)))
	mock.ExpectCopyFrom(pgx.Identifier{"regulations_component"}, []string{"regulations_id", "components_id"}).
		WillReturnError(errors.New("fk violation"))

	ids, err := store.RecentIDs(context.Background(), entity, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{9, 8}, ids)

	_, err = store.InsertComponents(context.Background(), ids, 7)
	require.ErrorContains(t, err, "fk violation")

	empty, err := store.RecentIDs(context.Background(), entity, 0)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewStoreWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("down"))

	require.NoError(t, store.Ping(context.Background()))
	require.Error(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	require.False(t, IsUniqueViolation(nil))
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, Message: "x"}))
	require.True(t, IsUniqueViolation(fmt.Errorf("copy: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation})))
	require.False(t, IsUniqueViolation(errors.New("ERROR: duplicate key value violates unique constraint")))
	require.False(t, IsUniqueViolation(errors.New("connection refused")))
}
