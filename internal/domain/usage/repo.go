package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medstock/internal/domain/dosing"
	"github.com/ehr/medstock/internal/domain/medevent"
)

// EventSource is the read side of the event store the ledger needs.
type EventSource interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*medevent.Record, error)
	ListEventsByRecord(ctx context.Context, recordID uuid.UUID) ([]*dosing.MedicationEvent, error)
	ListDosingConfigs(ctx context.Context, itemIDs []uuid.UUID) (map[uuid.UUID]*dosing.ItemDosingConfig, error)
	LatestWeights(ctx context.Context, recordIDs []uuid.UUID) (map[uuid.UUID]float64, error)
}

type LedgerRepository interface {
	ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*UsageRecord, error)
	// UpsertCalculated writes calculated_qty unless the row carries an override.
	UpsertCalculated(ctx context.Context, recordID, itemID uuid.UUID, qty int) error
	// DeleteCalculated removes the row unless it carries an override.
	DeleteCalculated(ctx context.Context, recordID, itemID uuid.UUID) error
	// SetOverride creates the row if needed and stores the override fields.
	SetOverride(ctx context.Context, u *UsageRecord) error
	ClearOverride(ctx context.Context, recordID, itemID uuid.UUID) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)
	// LatestCommitTimes returns, per item, the time of the most recent commit
	// of this record that has not been rolled back.
	LatestCommitTimes(ctx context.Context, recordID uuid.UUID) (map[uuid.UUID]time.Time, error)
}
