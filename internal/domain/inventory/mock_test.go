package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medstock/internal/domain/dosing"
	"github.com/ehr/medstock/internal/domain/medevent"
	"github.com/ehr/medstock/internal/domain/usage"
)

// memStore backs every repository the engine and the usage ledger need, so
// tests can run commit, rollback and recompute against one state.
type memStore struct {
	records  map[uuid.UUID]*medevent.Record
	events   []*dosing.MedicationEvent
	configs  map[uuid.UUID]*dosing.ItemDosingConfig
	usage    map[uuid.UUID]*usage.UsageRecord
	items    map[uuid.UUID]*Item
	stock    map[stockKey]int
	commits  map[uuid.UUID]*InventoryCommit
	activity []*ControlledActivity
}

type stockKey struct{ item, unit uuid.UUID }

func newMemStore() *memStore {
	return &memStore{
		records: make(map[uuid.UUID]*medevent.Record),
		configs: make(map[uuid.UUID]*dosing.ItemDosingConfig),
		usage:   make(map[uuid.UUID]*usage.UsageRecord),
		items:   make(map[uuid.UUID]*Item),
		stock:   make(map[stockKey]int),
		commits: make(map[uuid.UUID]*InventoryCommit),
	}
}

// -- records / events --

func (m *memStore) GetRecord(_ context.Context, id uuid.UUID) (*medevent.Record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, medevent.ErrNotFound
	}
	return r, nil
}

func (m *memStore) ListEventsByRecord(_ context.Context, recordID uuid.UUID) ([]*dosing.MedicationEvent, error) {
	var out []*dosing.MedicationEvent
	for _, e := range m.events {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ListDosingConfigs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*dosing.ItemDosingConfig, error) {
	out := make(map[uuid.UUID]*dosing.ItemDosingConfig)
	for _, id := range ids {
		if c, ok := m.configs[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *memStore) LatestWeights(context.Context, []uuid.UUID) (map[uuid.UUID]float64, error) {
	return map[uuid.UUID]float64{}, nil
}

// -- usage ledger --

type ledger struct{ *memStore }

func (l ledger) find(recordID, itemID uuid.UUID) *usage.UsageRecord {
	for _, u := range l.usage {
		if u.RecordID == recordID && u.ItemID == itemID {
			return u
		}
	}
	return nil
}

func (l ledger) ListByRecord(_ context.Context, recordID uuid.UUID) ([]*usage.UsageRecord, error) {
	var out []*usage.UsageRecord
	for _, u := range l.usage {
		if u.RecordID == recordID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID.String() < out[j].ItemID.String() })
	return out, nil
}

func (l ledger) UpsertCalculated(_ context.Context, recordID, itemID uuid.UUID, qty int) error {
	if u := l.find(recordID, itemID); u != nil {
		if u.OverrideQty == nil {
			u.CalculatedQty = qty
		}
		return nil
	}
	u := &usage.UsageRecord{ID: uuid.New(), RecordID: recordID, ItemID: itemID, CalculatedQty: qty}
	l.usage[u.ID] = u
	return nil
}

func (l ledger) DeleteCalculated(_ context.Context, recordID, itemID uuid.UUID) error {
	if u := l.find(recordID, itemID); u != nil && u.OverrideQty == nil {
		delete(l.usage, u.ID)
	}
	return nil
}

func (l ledger) SetOverride(_ context.Context, u *usage.UsageRecord) error {
	row := l.find(u.RecordID, u.ItemID)
	if row == nil {
		row = &usage.UsageRecord{ID: uuid.New(), RecordID: u.RecordID, ItemID: u.ItemID}
		l.usage[row.ID] = row
	}
	row.OverrideQty, row.OverrideReason = u.OverrideQty, u.OverrideReason
	return nil
}

func (l ledger) ClearOverride(_ context.Context, recordID, itemID uuid.UUID) error {
	row := l.find(recordID, itemID)
	if row == nil {
		return usage.ErrUsageNotFound
	}
	row.OverrideQty, row.OverrideReason = nil, nil
	return nil
}

func (l ledger) DeleteByIDs(_ context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := l.usage[id]; ok {
			delete(l.usage, id)
			n++
		}
	}
	return n, nil
}

func (l ledger) LatestCommitTimes(_ context.Context, recordID uuid.UUID) (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time)
	for _, c := range l.commits {
		if c.RecordID != recordID || c.RolledBack() {
			continue
		}
		for _, it := range c.Items {
			if c.CommittedAt.After(out[it.ItemID]) {
				out[it.ItemID] = c.CommittedAt
			}
		}
	}
	return out, nil
}

// -- items / stock --

type itemRepo struct{ *memStore }

func (r itemRepo) GetByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*Item, error) {
	out := make(map[uuid.UUID]*Item)
	for _, id := range ids {
		if it, ok := r.items[id]; ok {
			out[id] = it
		}
	}
	return out, nil
}

func (r itemRepo) AdjustCurrentUnits(_ context.Context, id uuid.UUID, delta int) (int, int, error) {
	it, ok := r.items[id]
	if !ok {
		return 0, 0, ErrItemNotFound
	}
	before := it.CurrentUnits
	it.CurrentUnits += delta
	return before, it.CurrentUnits, nil
}

type stockRepo struct{ *memStore }

func (r stockRepo) Adjust(_ context.Context, itemID, unitID uuid.UUID, delta int) (int, int, error) {
	k := stockKey{itemID, unitID}
	before := r.stock[k]
	r.stock[k] = before + delta
	return before, r.stock[k], nil
}

// -- commits / activity --

type commitRepo struct{ *memStore }

func (r commitRepo) Create(_ context.Context, c *InventoryCommit) error {
	cp := *c
	cp.Items = append([]CommitItem(nil), c.Items...)
	r.commits[c.ID] = &cp
	return nil
}

func (r commitRepo) GetByID(_ context.Context, id uuid.UUID) (*InventoryCommit, error) {
	c, ok := r.commits[id]
	if !ok {
		return nil, ErrCommitNotFound
	}
	cp := *c
	return &cp, nil
}

func (r commitRepo) MarkRolledBack(_ context.Context, c *InventoryCommit) error {
	stored, ok := r.commits[c.ID]
	if !ok {
		return ErrCommitNotFound
	}
	if stored.RolledBack() {
		return ErrAlreadyRolledBack
	}
	stored.RolledBackAt, stored.RolledBackBy, stored.RollbackReason = c.RolledBackAt, c.RolledBackBy, c.RollbackReason
	return nil
}

func (r commitRepo) ListByRecord(_ context.Context, recordID uuid.UUID) ([]*InventoryCommit, error) {
	var out []*InventoryCommit
	for _, c := range r.commits {
		if c.RecordID == recordID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommittedAt.After(out[j].CommittedAt) })
	return out, nil
}

type activityLog struct{ *memStore }

func (a activityLog) Append(_ context.Context, act *ControlledActivity) error {
	act.ID = uuid.New()
	a.activity = append(a.activity, act)
	return nil
}

type passthroughTx struct{ calls int }

func (p *passthroughTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(ctx)
}
