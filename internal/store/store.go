package store

import (
	"context"
	"errors"
	"time"

	"segarstok/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// Validation errors; surfaced before any mutation.
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrNegativeQuantity  = errors.New("quantity would go negative")
	ErrNoBatchesSelected = errors.New("no batches selected")
	ErrStaleSelection    = errors.New("stale batch selection")
	ErrInvalidPercentage = errors.New("invalid return percentage")
	ErrAlreadyReversed   = errors.New("return already reversed")

	// ErrTransactionAborted wraps any commit-time failure after validation;
	// the caller may safely resubmit the whole operation.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrNotificationUndeliverable is non-fatal: the return is committed and
	// only the notification latch stays false.
	ErrNotificationUndeliverable = errors.New("notification undeliverable")
)

// ReturnCommit is everything the return processor hands the store for one
// atomic commit: the aggregate row, its item snapshots, and the ids of the
// batches to delete. Keep-tagged batches are not part of the commit at all.
type ReturnCommit struct {
	Return         domain.Return
	Items          []domain.ReturnItem
	DeleteBatchIDs []string
	// ExpectedQuantities re-checks the operator's view inside the commit
	// transaction; a mismatch aborts with ErrStaleSelection.
	ExpectedQuantities map[string]float64
}

type Repository interface {
	// Product catalog, read-only valuation input. Upsert exists for seeding
	// and catalog sync only.
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	UpsertProduct(ctx context.Context, product domain.Product) error

	// Batch store.
	CreateBatch(ctx context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error)
	GetBatchByID(ctx context.Context, id string) (*domain.InventoryBatch, error)
	ListBatchesByProduct(ctx context.Context, productID string) ([]domain.InventoryBatch, error)
	ListBatches(ctx context.Context) ([]domain.InventoryBatch, error)
	AdjustBatchQuantity(ctx context.Context, batchID string, delta float64) (*domain.InventoryBatch, error)
	TouchBatchCreatedAt(ctx context.Context, batchID string, ts time.Time) error

	// DeductFIFO consumes amount oldest-first across the product's batches in
	// one transaction. With allowPartial false any shortfall aborts the whole
	// transaction and nothing is committed.
	DeductFIFO(ctx context.Context, productID string, amount float64, allowPartial bool) (domain.DeductResult, error)

	// CommitReturn inserts the return and its item snapshots and deletes the
	// returned batches, all in one transaction.
	CommitReturn(ctx context.Context, commit ReturnCommit) (*domain.Return, error)

	// History. GetReturnByID loads items; ListReturns returns aggregates
	// only, reverse-chronological.
	GetReturnByID(ctx context.Context, id string) (*domain.Return, error)
	ListReturns(ctx context.Context, query domain.ReturnQuery, archiveCutoff time.Time) ([]domain.Return, error)

	// MarkNotificationSent flips the latch; reports false when it was
	// already set so dispatchers never double-send.
	MarkNotificationSent(ctx context.Context, returnID string) (bool, error)
	ListUnnotifiedReturnIDs(ctx context.Context, before time.Time, limit int) ([]string, error)

	// UndoReturn recreates one batch per item with the snapshot created_at
	// and flags the return reversed, in one transaction. History rows are
	// never deleted.
	UndoReturn(ctx context.Context, returnID string, at time.Time) ([]domain.InventoryBatch, error)
}
