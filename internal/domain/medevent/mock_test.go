package medevent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medstock/internal/domain/dosing"
)

type mockRepo struct {
	records map[uuid.UUID]*Record
	events  map[uuid.UUID]*dosing.MedicationEvent
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		records: make(map[uuid.UUID]*Record),
		events:  make(map[uuid.UUID]*dosing.MedicationEvent),
	}
}

func (m *mockRepo) GetRecord(_ context.Context, id uuid.UUID) (*Record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *mockRepo) CreateEvent(_ context.Context, e *dosing.MedicationEvent) error {
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	m.events[e.ID] = e
	return nil
}

func (m *mockRepo) ListEventsByRecord(_ context.Context, recordID uuid.UUID) ([]*dosing.MedicationEvent, error) {
	var out []*dosing.MedicationEvent
	for _, e := range m.events {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return dosing.SortEvents(out), nil
}

func (m *mockRepo) ListEventsByRecords(ctx context.Context, recordIDs []uuid.UUID) ([]*dosing.MedicationEvent, error) {
	var out []*dosing.MedicationEvent
	for _, id := range recordIDs {
		evs, _ := m.ListEventsByRecord(ctx, id)
		out = append(out, evs...)
	}
	return out, nil
}

func (m *mockRepo) ListOpenInfusionStarts(_ context.Context) ([]*dosing.MedicationEvent, error) {
	var out []*dosing.MedicationEvent
	for _, e := range m.events {
		if e.Kind == dosing.EventInfusionStart && e.EndTimestamp == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockRepo) CloseInfusion(_ context.Context, id uuid.UUID, endAt time.Time) (bool, error) {
	e, ok := m.events[id]
	if !ok || e.Kind != dosing.EventInfusionStart || e.EndTimestamp != nil {
		return false, nil
	}
	e.EndTimestamp = &endAt
	return true, nil
}

func (m *mockRepo) ListDosingConfigs(_ context.Context, _ []uuid.UUID) (map[uuid.UUID]*dosing.ItemDosingConfig, error) {
	return map[uuid.UUID]*dosing.ItemDosingConfig{}, nil
}

func (m *mockRepo) LatestWeights(_ context.Context, _ []uuid.UUID) (map[uuid.UUID]float64, error) {
	return map[uuid.UUID]float64{}, nil
}

type countingTx struct{ calls int }

func (c *countingTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	c.calls++
	return fn(ctx)
}
