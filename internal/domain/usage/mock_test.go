package usage

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medstock/internal/domain/dosing"
	"github.com/ehr/medstock/internal/domain/medevent"
)

type mockEvents struct {
	records       map[uuid.UUID]*medevent.Record
	events        []*dosing.MedicationEvent
	configs       map[uuid.UUID]*dosing.ItemDosingConfig
	weights       map[uuid.UUID]float64
	weightLookups int
}

func newMockEvents() *mockEvents {
	return &mockEvents{
		records: make(map[uuid.UUID]*medevent.Record),
		configs: make(map[uuid.UUID]*dosing.ItemDosingConfig),
		weights: make(map[uuid.UUID]float64),
	}
}

func (m *mockEvents) GetRecord(_ context.Context, id uuid.UUID) (*medevent.Record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, medevent.ErrNotFound
	}
	return r, nil
}

func (m *mockEvents) ListEventsByRecord(_ context.Context, recordID uuid.UUID) ([]*dosing.MedicationEvent, error) {
	var out []*dosing.MedicationEvent
	for _, e := range m.events {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockEvents) ListDosingConfigs(_ context.Context, itemIDs []uuid.UUID) (map[uuid.UUID]*dosing.ItemDosingConfig, error) {
	out := make(map[uuid.UUID]*dosing.ItemDosingConfig)
	for _, id := range itemIDs {
		if c, ok := m.configs[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *mockEvents) LatestWeights(_ context.Context, recordIDs []uuid.UUID) (map[uuid.UUID]float64, error) {
	m.weightLookups++
	out := make(map[uuid.UUID]float64)
	for _, id := range recordIDs {
		if w, ok := m.weights[id]; ok {
			out[id] = w
		}
	}
	return out, nil
}

type ledgerKey struct{ record, item uuid.UUID }

type mockLedger struct {
	rows    map[ledgerKey]*UsageRecord
	commits map[uuid.UUID]map[uuid.UUID]time.Time
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		rows:    make(map[ledgerKey]*UsageRecord),
		commits: make(map[uuid.UUID]map[uuid.UUID]time.Time),
	}
}

func (m *mockLedger) ListByRecord(_ context.Context, recordID uuid.UUID) ([]*UsageRecord, error) {
	var out []*UsageRecord
	for k, u := range m.rows {
		if k.record == recordID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID.String() < out[j].ItemID.String() })
	return out, nil
}

func (m *mockLedger) UpsertCalculated(_ context.Context, recordID, itemID uuid.UUID, qty int) error {
	k := ledgerKey{recordID, itemID}
	if u, ok := m.rows[k]; ok {
		if u.OverrideQty == nil {
			u.CalculatedQty = qty
		}
		return nil
	}
	m.rows[k] = &UsageRecord{ID: uuid.New(), RecordID: recordID, ItemID: itemID, CalculatedQty: qty}
	return nil
}

func (m *mockLedger) DeleteCalculated(_ context.Context, recordID, itemID uuid.UUID) error {
	k := ledgerKey{recordID, itemID}
	if u, ok := m.rows[k]; ok && u.OverrideQty == nil {
		delete(m.rows, k)
	}
	return nil
}

func (m *mockLedger) SetOverride(_ context.Context, u *UsageRecord) error {
	k := ledgerKey{u.RecordID, u.ItemID}
	row, ok := m.rows[k]
	if !ok {
		row = &UsageRecord{ID: uuid.New(), RecordID: u.RecordID, ItemID: u.ItemID}
		m.rows[k] = row
	}
	row.OverrideQty, row.OverrideReason = u.OverrideQty, u.OverrideReason
	row.OverriddenBy, row.OverriddenAt = u.OverriddenBy, u.OverriddenAt
	u.ID, u.CalculatedQty = row.ID, row.CalculatedQty
	return nil
}

func (m *mockLedger) ClearOverride(_ context.Context, recordID, itemID uuid.UUID) error {
	row, ok := m.rows[ledgerKey{recordID, itemID}]
	if !ok {
		return ErrUsageNotFound
	}
	row.OverrideQty, row.OverrideReason, row.OverriddenBy, row.OverriddenAt = nil, nil, nil, nil
	return nil
}

func (m *mockLedger) DeleteByIDs(_ context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		for k, u := range m.rows {
			if u.ID == id {
				delete(m.rows, k)
				n++
			}
		}
	}
	return n, nil
}

func (m *mockLedger) LatestCommitTimes(_ context.Context, recordID uuid.UUID) (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time)
	for item, at := range m.commits[recordID] {
		out[item] = at
	}
	return out, nil
}
