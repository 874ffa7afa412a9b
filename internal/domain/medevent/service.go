package medevent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medstock/internal/domain/dosing"
)

// RecomputeFunc refreshes the usage ledger of one record.
type RecomputeFunc func(ctx context.Context, recordID uuid.UUID) error

// Service is the clinical-entry side of the event store. Every accepted
// event triggers a ledger recompute when a hook is installed.
type Service struct {
	repo      Repository
	tx        TxRunner
	recompute RecomputeFunc
	logger    zerolog.Logger
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, logger: zerolog.Nop()}
}

func (s *Service) SetLogger(logger zerolog.Logger) { s.logger = logger }

// SetTxRunner makes storing a stop and closing its start one transaction.
func (s *Service) SetTxRunner(tx TxRunner) { s.tx = tx }

// SetRecomputeHook installs the ledger refresh run after each new event.
func (s *Service) SetRecomputeHook(fn RecomputeFunc) { s.recompute = fn }

func validateEvent(e *dosing.MedicationEvent) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.RecordID == uuid.Nil {
		return fmt.Errorf("%w: record_id is required", ErrInvalidEvent)
	}
	if e.ItemID == uuid.Nil {
		return fmt.Errorf("%w: item_id is required", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	switch e.Kind {
	case dosing.EventBolus:
		if e.Dose == nil {
			return fmt.Errorf("%w: bolus requires a dose", ErrInvalidEvent)
		}
	case dosing.EventRateChange:
		if e.Rate == nil {
			return fmt.Errorf("%w: rate change requires a rate", ErrInvalidEvent)
		}
	}
	if e.EndTimestamp != nil && e.EndTimestamp.Before(e.Timestamp) {
		return fmt.Errorf("%w: end timestamp before start", ErrInvalidEvent)
	}
	return nil
}

// RecordEvent validates and stores a new event, then refreshes the ledger.
// A stop also sets the end timestamp of the start it pairs with. A failed
// refresh is logged; the event itself stays recorded.
func (s *Service) RecordEvent(ctx context.Context, e *dosing.MedicationEvent) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if _, err := s.repo.GetRecord(ctx, e.RecordID); err != nil {
		return err
	}
	err := s.withinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateEvent(ctx, e); err != nil {
			return fmt.Errorf("create medication event: %w", err)
		}
		if e.Kind == dosing.EventInfusionStop {
			return s.closeStopped(ctx, e)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.recompute != nil {
		if err := s.recompute(ctx, e.RecordID); err != nil {
			s.logger.Error().Err(err).
				Str("record_id", e.RecordID.String()).
				Str("event_id", e.ID.String()).
				Msg("usage recompute after event failed")
		}
	}
	return nil
}

func (s *Service) withinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.WithinTx(ctx, fn)
}

// closeStopped closes the start that stop pairs with so the infusion drops
// out of ListOpenInfusionStarts. A start already closed is left as is.
func (s *Service) closeStopped(ctx context.Context, stop *dosing.MedicationEvent) error {
	events, err := s.repo.ListEventsByRecord(ctx, stop.RecordID)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	var item []*dosing.MedicationEvent
	for _, ev := range events {
		if ev.ItemID == stop.ItemID {
			item = append(item, ev)
		}
	}
	for _, sess := range dosing.MatchSessions(item) {
		if sess.Stop == nil || sess.Stop.ID != stop.ID {
			continue
		}
		if sess.Start == nil || sess.Start.EndTimestamp != nil {
			return nil
		}
		if _, err := s.repo.CloseInfusion(ctx, sess.Start.ID, stop.Timestamp); err != nil {
			return fmt.Errorf("close infusion: %w", err)
		}
		return nil
	}
	return nil
}

func (s *Service) ListEvents(ctx context.Context, recordID uuid.UUID) ([]*dosing.MedicationEvent, error) {
	return s.repo.ListEventsByRecord(ctx, recordID)
}
