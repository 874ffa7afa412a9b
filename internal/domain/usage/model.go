package usage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRecordNotFound         = errors.New("usage: record not found")
	ErrOverrideReasonRequired = errors.New("usage: override reason is required")
	ErrNegativeOverride       = errors.New("usage: override quantity must not be negative")
	ErrUsageNotFound          = errors.New("usage: usage record not found")
)

// UsageRecord maps to usage_record, unique per (record_id, item_id).
type UsageRecord struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	RecordID       uuid.UUID  `db:"record_id" json:"record_id"`
	ItemID         uuid.UUID  `db:"item_id" json:"item_id"`
	CalculatedQty  int        `db:"calculated_qty" json:"calculated_qty"`
	OverrideQty    *int       `db:"override_qty" json:"override_qty,omitempty"`
	OverrideReason *string    `db:"override_reason" json:"override_reason,omitempty"`
	OverriddenBy   *uuid.UUID `db:"overridden_by" json:"overridden_by,omitempty"`
	OverriddenAt   *time.Time `db:"overridden_at" json:"overridden_at,omitempty"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// HasOverride reports whether a manual quantity is active.
func (u *UsageRecord) HasOverride() bool { return u.OverrideQty != nil }

// Effective is the quantity a commit will deduct.
func (u *UsageRecord) Effective() int {
	if u.OverrideQty != nil {
		return *u.OverrideQty
	}
	return u.CalculatedQty
}
