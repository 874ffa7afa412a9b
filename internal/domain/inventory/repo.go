package inventory

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/medstock/internal/domain/medevent"
	"github.com/ehr/medstock/internal/domain/usage"
)

type RecordReader interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*medevent.Record, error)
}

// LedgerRepository is the part of the usage ledger a commit consumes.
type LedgerRepository interface {
	ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*usage.UsageRecord, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)
}

type ItemRepository interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Item, error)
	// AdjustCurrentUnits adds delta to the exact counter of an item.
	AdjustCurrentUnits(ctx context.Context, itemID uuid.UUID, delta int) (before, after int, err error)
}

type StockRepository interface {
	// Adjust adds delta to the stock of an item at a unit, creating the row
	// at zero when absent.
	Adjust(ctx context.Context, itemID, unitID uuid.UUID, delta int) (before, after int, err error)
}

type CommitRepository interface {
	Create(ctx context.Context, c *InventoryCommit) error
	GetByID(ctx context.Context, id uuid.UUID) (*InventoryCommit, error)
	// MarkRolledBack stores the rollback fields. It returns
	// ErrAlreadyRolledBack when another rollback got there first.
	MarkRolledBack(ctx context.Context, c *InventoryCommit) error
	ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*InventoryCommit, error)
}

type ActivityLog interface {
	Append(ctx context.Context, a *ControlledActivity) error
}

// TxRunner is satisfied by *db.TxRunner.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
