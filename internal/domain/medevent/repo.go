package medevent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medstock/internal/domain/dosing"
)

type Repository interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*Record, error)

	CreateEvent(ctx context.Context, e *dosing.MedicationEvent) error
	ListEventsByRecord(ctx context.Context, recordID uuid.UUID) ([]*dosing.MedicationEvent, error)
	ListEventsByRecords(ctx context.Context, recordIDs []uuid.UUID) ([]*dosing.MedicationEvent, error)
	// ListOpenInfusionStarts returns infusion starts with no end timestamp.
	ListOpenInfusionStarts(ctx context.Context) ([]*dosing.MedicationEvent, error)
	// CloseInfusion sets end_ts on an open infusion start. It reports false
	// when the start was already closed.
	CloseInfusion(ctx context.Context, eventID uuid.UUID, endAt time.Time) (bool, error)

	ListDosingConfigs(ctx context.Context, itemIDs []uuid.UUID) (map[uuid.UUID]*dosing.ItemDosingConfig, error)
	// LatestWeights returns the most recent pre-op weight per record.
	// Records without an assessment are absent from the map.
	LatestWeights(ctx context.Context, recordIDs []uuid.UUID) (map[uuid.UUID]float64, error)
}

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
