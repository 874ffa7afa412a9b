package inventory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Rejected operations: the caller asked for something the current state
// does not allow.
var (
	ErrRecordNotFound    = errors.New("inventory: record not found")
	ErrNothingToCommit   = errors.New("inventory: no usage to commit")
	ErrSignatureRequired = errors.New("inventory: signature required for controlled substances")
	ErrNoStockLocation   = errors.New("inventory: no stock location for item")
	ErrCommitNotFound    = errors.New("inventory: commit not found")
	ErrAlreadyRolledBack = errors.New("inventory: commit already rolled back")
	ErrLedgerChanged     = errors.New("inventory: usage changed while committing")
)

// ErrItemNotFound is internal: an item row vanished under a stock update.
var ErrItemNotFound = errors.New("inventory: item not found")

// IsRejected reports whether err is a rejected operation rather than an
// internal failure.
func IsRejected(err error) bool {
	for _, target := range []error{
		ErrRecordNotFound, ErrNothingToCommit, ErrSignatureRequired,
		ErrNoStockLocation, ErrCommitNotFound, ErrAlreadyRolledBack, ErrLedgerChanged,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Item maps to inventory_item. Items with TrackExactQuantity keep a running
// counter in CurrentUnits; the others are stocked per unit in stock_level.
type Item struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	Name               string     `db:"name" json:"name"`
	UnitID             *uuid.UUID `db:"unit_id" json:"unit_id,omitempty"`
	IsControlled       bool       `db:"is_controlled" json:"is_controlled"`
	TrackExactQuantity bool       `db:"track_exact_quantity" json:"track_exact_quantity"`
	CurrentUnits       int        `db:"current_units" json:"current_units"`
	PackSize           int        `db:"pack_size" json:"pack_size"`
}

// CommitItem is the snapshot of one deducted item. StockUnitID is the
// stock_level location that was decremented, nil for exact-quantity items.
type CommitItem struct {
	ItemID       uuid.UUID  `db:"item_id" json:"item_id"`
	Name         string     `db:"name" json:"name"`
	Quantity     int        `db:"quantity" json:"quantity"`
	IsControlled bool       `db:"is_controlled" json:"is_controlled"`
	StockUnitID  *uuid.UUID `db:"stock_unit_id" json:"stock_unit_id,omitempty"`
}

// InventoryCommit maps to inventory_commit. Rows are never deleted; a
// rollback only fills the rolled_back_* columns.
type InventoryCommit struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	RecordID       uuid.UUID    `db:"record_id" json:"record_id"`
	UnitID         *uuid.UUID   `db:"unit_id" json:"unit_id,omitempty"`
	CommittedBy    uuid.UUID    `db:"committed_by" json:"committed_by"`
	Signature      *string      `db:"signature" json:"signature,omitempty"`
	Items          []CommitItem `json:"items"`
	CommittedAt    time.Time    `db:"committed_at" json:"committed_at"`
	RolledBackAt   *time.Time   `db:"rolled_back_at" json:"rolled_back_at,omitempty"`
	RolledBackBy   *uuid.UUID   `db:"rolled_back_by" json:"rolled_back_by,omitempty"`
	RollbackReason *string      `db:"rollback_reason" json:"rollback_reason,omitempty"`
}

func (c *InventoryCommit) RolledBack() bool { return c.RolledBackAt != nil }

const (
	ActionDispense = "dispense"
	ActionReturn   = "rollback_return"
)

// ControlledActivity maps to controlled_substance_activity (append-only).
type ControlledActivity struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	ItemID      uuid.UUID  `db:"item_id" json:"item_id"`
	RecordID    uuid.UUID  `db:"record_id" json:"record_id"`
	PatientID   *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	CommitID    uuid.UUID  `db:"commit_id" json:"commit_id"`
	Action      string     `db:"action" json:"action"`
	Quantity    int        `db:"quantity" json:"quantity"`
	BeforeQty   int        `db:"before_qty" json:"before_qty"`
	AfterQty    int        `db:"after_qty" json:"after_qty"`
	Signature   *string    `db:"signature" json:"signature,omitempty"`
	PerformedBy uuid.UUID  `db:"performed_by" json:"performed_by"`
	Reason      *string    `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// PatientContext identifies the patient the dispensed stock is booked to.
type PatientContext struct {
	PatientID   *uuid.UUID `json:"patient_id,omitempty"`
	PatientName string     `json:"patient_name,omitempty"`
}

type CommitRequest struct {
	RecordID  uuid.UUID
	UserID    uuid.UUID
	Signature string
	Patient   PatientContext
	// UnitID restricts the commit to items of this unit and books the stock
	// there. Nil commits everything.
	UnitID *uuid.UUID
}
