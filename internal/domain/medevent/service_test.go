package medevent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medstock/internal/domain/dosing"
)

func strPtr(s string) *string { return &s }

func newTestService() (*Service, *mockRepo, uuid.UUID) {
	repo := newMockRepo()
	rec := &Record{ID: uuid.New()}
	repo.records[rec.ID] = rec
	return NewService(repo), repo, rec.ID
}

func TestRecordEvent_Valid(t *testing.T) {
	svc, repo, recordID := newTestService()
	var recomputed []uuid.UUID
	svc.SetRecomputeHook(func(_ context.Context, id uuid.UUID) error {
		recomputed = append(recomputed, id)
		return nil
	})

	e := &dosing.MedicationEvent{
		RecordID:  recordID,
		ItemID:    uuid.New(),
		Kind:      dosing.EventBolus,
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Dose:      strPtr("7.5"),
	}
	if err := svc.RecordEvent(context.Background(), e); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if e.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if len(repo.events) != 1 {
		t.Errorf("expected 1 stored event, got %d", len(repo.events))
	}
	if len(recomputed) != 1 || recomputed[0] != recordID {
		t.Errorf("expected one recompute for %s, got %v", recordID, recomputed)
	}
}

func TestRecordEvent_Invalid(t *testing.T) {
	svc, repo, recordID := newTestService()
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	before := ts.Add(-time.Minute)

	tests := []struct {
		name string
		e    dosing.MedicationEvent
	}{
		{"unknown kind", dosing.MedicationEvent{RecordID: recordID, ItemID: uuid.New(), Kind: "flush", Timestamp: ts}},
		{"missing record", dosing.MedicationEvent{ItemID: uuid.New(), Kind: dosing.EventInfusionStart, Timestamp: ts}},
		{"missing item", dosing.MedicationEvent{RecordID: recordID, Kind: dosing.EventInfusionStart, Timestamp: ts}},
		{"missing timestamp", dosing.MedicationEvent{RecordID: recordID, ItemID: uuid.New(), Kind: dosing.EventInfusionStart}},
		{"bolus without dose", dosing.MedicationEvent{RecordID: recordID, ItemID: uuid.New(), Kind: dosing.EventBolus, Timestamp: ts}},
		{"rate change without rate", dosing.MedicationEvent{RecordID: recordID, ItemID: uuid.New(), Kind: dosing.EventRateChange, Timestamp: ts}},
		{"end before start", dosing.MedicationEvent{RecordID: recordID, ItemID: uuid.New(), Kind: dosing.EventInfusionStart, Timestamp: ts, EndTimestamp: &before}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.e
			err := svc.RecordEvent(context.Background(), &e)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
	if len(repo.events) != 0 {
		t.Errorf("expected no stored events, got %d", len(repo.events))
	}
}

func TestRecordEvent_UnknownRecord(t *testing.T) {
	svc, _, _ := newTestService()
	e := &dosing.MedicationEvent{
		RecordID:  uuid.New(),
		ItemID:    uuid.New(),
		Kind:      dosing.EventInfusionStart,
		Timestamp: time.Now(),
		Rate:      strPtr("50"),
	}
	if err := svc.RecordEvent(context.Background(), e); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordEvent_RecomputeFailureKeepsEvent(t *testing.T) {
	svc, repo, recordID := newTestService()
	svc.SetRecomputeHook(func(context.Context, uuid.UUID) error {
		return errors.New("ledger unavailable")
	})

	e := &dosing.MedicationEvent{
		RecordID:  recordID,
		ItemID:    uuid.New(),
		Kind:      dosing.EventInfusionStart,
		Timestamp: time.Now(),
		Rate:      strPtr("50"),
	}
	if err := svc.RecordEvent(context.Background(), e); err != nil {
		t.Fatalf("expected recompute failure to be swallowed, got %v", err)
	}
	if _, ok := repo.events[e.ID]; !ok {
		t.Error("expected event to be stored")
	}
}

func TestUUIDArray(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	got := UUIDArray([]uuid.UUID{a, b})
	if len(got) != 2 || got[0] != a.String() || got[1] != b.String() {
		t.Errorf("unexpected array: %v", got)
	}
	if len(UUIDArray(nil)) != 0 {
		t.Error("expected empty array for nil input")
	}
}

func TestRecordEvent_StopClosesItsStart(t *testing.T) {
	svc, repo, recordID := newTestService()
	tx := &countingTx{}
	svc.SetTxRunner(tx)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	item, other := uuid.New(), uuid.New()
	sid := uuid.New()

	record := func(e *dosing.MedicationEvent) {
		t.Helper()
		e.RecordID = recordID
		if err := svc.RecordEvent(ctx, e); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	withSession := &dosing.MedicationEvent{ItemID: item, Kind: dosing.EventInfusionStart, Timestamp: t0, Rate: strPtr("50"), SessionID: &sid}
	legacy := &dosing.MedicationEvent{ItemID: other, Kind: dosing.EventInfusionStart, Timestamp: t0, Rate: strPtr("10")}
	record(withSession)
	record(legacy)

	open, _ := repo.ListOpenInfusionStarts(ctx)
	if len(open) != 2 {
		t.Fatalf("expected 2 open infusions, got %d", len(open))
	}

	stopAt := t0.Add(45 * time.Minute)
	record(&dosing.MedicationEvent{ItemID: item, Kind: dosing.EventInfusionStop, Timestamp: stopAt, SessionID: &sid})
	if withSession.EndTimestamp == nil || !withSession.EndTimestamp.Equal(stopAt) {
		t.Errorf("expected session start closed at %v, got %v", stopAt, withSession.EndTimestamp)
	}
	if legacy.EndTimestamp != nil {
		t.Error("stop of another item must not close this start")
	}

	legacyStop := t0.Add(time.Hour)
	record(&dosing.MedicationEvent{ItemID: other, Kind: dosing.EventInfusionStop, Timestamp: legacyStop})
	if legacy.EndTimestamp == nil || !legacy.EndTimestamp.Equal(legacyStop) {
		t.Errorf("expected legacy start closed at %v, got %v", legacyStop, legacy.EndTimestamp)
	}

	if open, _ := repo.ListOpenInfusionStarts(ctx); len(open) != 0 {
		t.Errorf("stopped infusions must not be listed as open, got %d", len(open))
	}
	if tx.calls != 4 {
		t.Errorf("expected one transaction per event, got %d", tx.calls)
	}
}

func TestRecordEvent_StopKeepsEarlierEnd(t *testing.T) {
	svc, _, recordID := newTestService()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	item := uuid.New()

	start := &dosing.MedicationEvent{RecordID: recordID, ItemID: item, Kind: dosing.EventInfusionStart, Timestamp: t0, Rate: strPtr("50")}
	if err := svc.RecordEvent(ctx, start); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	autoEnd := t0.Add(114 * time.Minute)
	start.EndTimestamp = &autoEnd

	stop := &dosing.MedicationEvent{RecordID: recordID, ItemID: item, Kind: dosing.EventInfusionStop, Timestamp: t0.Add(3 * time.Hour)}
	if err := svc.RecordEvent(ctx, stop); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if !start.EndTimestamp.Equal(autoEnd) {
		t.Errorf("expected auto-stop end kept, got %v", start.EndTimestamp)
	}
}

func TestRecordEvent_OrphanStop(t *testing.T) {
	svc, repo, recordID := newTestService()
	stop := &dosing.MedicationEvent{
		RecordID: recordID, ItemID: uuid.New(), Kind: dosing.EventInfusionStop,
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	if err := svc.RecordEvent(context.Background(), stop); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if len(repo.events) != 1 {
		t.Errorf("expected the orphan stop stored, got %d events", len(repo.events))
	}
}
