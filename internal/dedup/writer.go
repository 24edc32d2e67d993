// Package dedup writes only regulations not already persisted for an entity.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ani-regulations/internal/regulation"
)

// ErrConflict marks an insert rejected by a uniqueness constraint. Stores wrap
// it so the writer can tell a duplicate miss from a real failure.
var ErrConflict = errors.New("unique constraint violation")

// Tx is the transactional part of the store used for one write.
type Tx interface {
	// LockEntity serializes writers of the same entity until the tx ends.
	LockEntity(ctx context.Context, entity string) error
	ExistingKeys(ctx context.Context, entity string) ([]regulation.IdentityKey, error)
	InsertRegulations(ctx context.Context, records []regulation.Record) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens write transactions and tags inserted rows afterwards.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	RecentIDs(ctx context.Context, entity string, n int) ([]int64, error)
	InsertComponents(ctx context.Context, regulationIDs []int64, componentID int64) (int64, error)
}

// Result summarizes one write. Message is human readable.
type Result struct {
	Processed            int    `json:"processed"`
	Existing             int    `json:"existing"`
	DuplicatesPersisted  int    `json:"duplicates_persisted"`
	DuplicatesIntraBatch int    `json:"duplicates_intra_batch"`
	Inserted             int64  `json:"inserted"`
	ComponentsInserted   int64  `json:"components_inserted"`
	ComponentMessage     string `json:"component_message,omitempty"`
	Message              string `json:"message"`
}

// Writer performs the duplicate check and insert for a batch.
type Writer struct {
	store       Store
	componentID int64
	logger      *zap.Logger
}

// NewWriter builds a Writer. A non-positive componentID uses the default.
func NewWriter(store Store, componentID int64, logger *zap.Logger) *Writer {
	if componentID <= 0 {
		componentID = regulation.DefaultComponentID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, componentID: componentID, logger: logger}
}

// Write inserts the records of batch belonging to entity that are not yet
// persisted. Nothing to insert and uniqueness conflicts are results, not
// errors. Connection, lock, read, insert and commit failures are errors.
func (w *Writer) Write(ctx context.Context, batch []regulation.Record, entity string) (Result, error) {
	logger := w.logger.With(zap.String("entity", entity))

	incoming := make([]regulation.Record, 0, len(batch))
	for _, rec := range batch {
		if rec.Entity == entity {
			incoming = append(incoming, rec)
		}
	}
	if len(incoming) == 0 {
		return Result{Message: fmt.Sprintf("No records found for entity %s", entity)}, nil
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin write: %w", err)
	}
	done := false
	defer func() {
		if done {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err := tx.LockEntity(ctx, entity); err != nil {
		return Result{}, fmt.Errorf("lock entity: %w", err)
	}
	existing, err := tx.ExistingKeys(ctx, entity)
	if err != nil {
		return Result{}, fmt.Errorf("load existing keys: %w", err)
	}

	split := Partition(existing, incoming)
	res := Result{
		Processed:            len(incoming),
		Existing:             len(existing),
		DuplicatesPersisted:  split.Persisted,
		DuplicatesIntraBatch: split.IntraBatch,
	}
	logger.Info("duplicate check complete",
		zap.Int("processed", res.Processed),
		zap.Int("existing", res.Existing),
		zap.Int("duplicates_persisted", split.Persisted),
		zap.Int("duplicates_intra_batch", split.IntraBatch),
		zap.Int("new", len(split.New)),
	)
	if len(split.New) == 0 {
		res.Message = fmt.Sprintf("No new records found for entity %s after duplicate validation", entity)
		return res, nil
	}

	inserted, err := tx.InsertRegulations(ctx, split.New)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			logger.Warn("insert hit a uniqueness constraint, batch skipped", zap.Error(err))
			res.Message = fmt.Sprintf("Some records for entity %s were duplicates and skipped", entity)
			return res, nil
		}
		return Result{}, fmt.Errorf("insert regulations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit regulations: %w", err)
	}
	done = true
	res.Inserted = inserted
	if inserted == 0 {
		res.Message = fmt.Sprintf("No records were actually inserted for entity %s", entity)
		return res, nil
	}

	res.ComponentsInserted, res.ComponentMessage = w.tagComponents(ctx, logger, entity, inserted)
	res.Message = fmt.Sprintf("Entity %s: Processed: %d | Existing: %d | Duplicates skipped: %d | New inserted: %d. %s",
		entity, res.Processed, res.Existing, split.Duplicates(), inserted, res.ComponentMessage)
	logger.Info("write complete", zap.Int64("inserted", inserted), zap.Int64("components", res.ComponentsInserted))
	return res, nil
}

// tagComponents links the newest inserted ids to the component. It never
// fails the write.
func (w *Writer) tagComponents(ctx context.Context, logger *zap.Logger, entity string, inserted int64) (int64, string) {
	ids, err := w.store.RecentIDs(ctx, entity, int(inserted))
	if err != nil {
		logger.Warn("resolving inserted ids failed", zap.Error(err))
		return 0, fmt.Sprintf("Error inserting components: %v", err)
	}
	if len(ids) == 0 {
		return 0, "No new regulation IDs provided"
	}
	n, err := w.store.InsertComponents(ctx, ids, w.componentID)
	if err != nil {
		logger.Warn("inserting regulation components failed", zap.Error(err))
		return 0, fmt.Sprintf("Error inserting regulation components: %v", err)
	}
	return n, fmt.Sprintf("Successfully inserted %d regulation components", n)
}
