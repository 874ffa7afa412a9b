package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medstock/internal/domain/dosing"
	"github.com/ehr/medstock/internal/domain/medevent"
)

// Service maintains the usage ledger: one running consumption estimate per
// record and item, which staff may override.
type Service struct {
	events        EventSource
	ledger        LedgerRepository
	logger        zerolog.Logger
	now           func() time.Time
	defaultWeight float64
}

func NewService(events EventSource, ledger LedgerRepository) *Service {
	return &Service{
		events:        events,
		ledger:        ledger,
		logger:        zerolog.Nop(),
		now:           time.Now,
		defaultWeight: dosing.DefaultWeightKg,
	}
}

func (s *Service) SetLogger(logger zerolog.Logger) { s.logger = logger }

// SetClock replaces the time source used to estimate open infusions.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetDefaultWeight sets the body weight used when a record has no pre-op
// assessment.
func (s *Service) SetDefaultWeight(kg float64) {
	if kg > 0 {
		s.defaultWeight = kg
	}
}

func (s *Service) getRecord(ctx context.Context, recordID uuid.UUID) error {
	if _, err := s.events.GetRecord(ctx, recordID); err != nil {
		if errors.Is(err, medevent.ErrNotFound) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("get record: %w", err)
	}
	return nil
}

// Recompute rebuilds the calculated quantities of a record. Events older
// than an item's latest live commit are excluded, rows with an override are
// left as they are, and rows that drop to zero are removed.
func (s *Service) Recompute(ctx context.Context, recordID uuid.UUID) ([]*UsageRecord, error) {
	if err := s.getRecord(ctx, recordID); err != nil {
		return nil, err
	}

	events, err := s.events.ListEventsByRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	committed, err := s.ledger.LatestCommitTimes(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("latest commit times: %w", err)
	}
	existing, err := s.ledger.ListByRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}

	byItem := make(map[uuid.UUID][]*dosing.MedicationEvent)
	for _, ev := range events {
		if at, ok := committed[ev.ItemID]; ok && ev.Timestamp.Before(at) {
			continue
		}
		byItem[ev.ItemID] = append(byItem[ev.ItemID], ev)
	}
	rows := make(map[uuid.UUID]*UsageRecord, len(existing))
	for _, u := range existing {
		rows[u.ItemID] = u
	}

	itemIDs := make([]uuid.UUID, 0, len(byItem))
	for id := range byItem {
		itemIDs = append(itemIDs, id)
	}
	for id := range rows {
		if _, ok := byItem[id]; !ok {
			itemIDs = append(itemIDs, id)
		}
	}
	sort.Slice(itemIDs, func(i, j int) bool { return itemIDs[i].String() < itemIDs[j].String() })

	configs, err := s.events.ListDosingConfigs(ctx, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("list dosing configs: %w", err)
	}
	weight, err := s.weightFor(ctx, recordID, configs)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, itemID := range itemIDs {
		if row, ok := rows[itemID]; ok && row.HasOverride() {
			continue
		}
		qty := dosing.ComputeUsage(byItem[itemID], configs[itemID], weight, now).Ampules
		if qty <= 0 {
			if _, ok := rows[itemID]; ok {
				if err := s.ledger.DeleteCalculated(ctx, recordID, itemID); err != nil {
					return nil, fmt.Errorf("delete usage for item %s: %w", itemID, err)
				}
			}
			continue
		}
		if err := s.ledger.UpsertCalculated(ctx, recordID, itemID, qty); err != nil {
			return nil, fmt.Errorf("upsert usage for item %s: %w", itemID, err)
		}
	}

	s.logger.Debug().Str("record_id", recordID.String()).Int("items", len(itemIDs)).Msg("usage recomputed")
	return s.ledger.ListByRecord(ctx, recordID)
}

func (s *Service) weightFor(ctx context.Context, recordID uuid.UUID, configs map[uuid.UUID]*dosing.ItemDosingConfig) (float64, error) {
	needed := false
	for _, cfg := range configs {
		if cfg.NeedsWeight() {
			needed = true
			break
		}
	}
	if !needed {
		return s.defaultWeight, nil
	}
	weights, err := s.events.LatestWeights(ctx, []uuid.UUID{recordID})
	if err != nil {
		return 0, fmt.Errorf("latest weights: %w", err)
	}
	if w, ok := weights[recordID]; ok && w > 0 {
		return w, nil
	}
	return s.defaultWeight, nil
}

// RecomputeHook adapts Recompute to the hook signature used by the event
// service and the auto-stop scheduler.
func (s *Service) RecomputeHook(ctx context.Context, recordID uuid.UUID) error {
	_, err := s.Recompute(ctx, recordID)
	return err
}

// SetOverride pins the quantity of one item. Recompute never changes an
// overridden row.
func (s *Service) SetOverride(ctx context.Context, recordID, itemID uuid.UUID, qty int, reason string, actor uuid.UUID) (*UsageRecord, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrOverrideReasonRequired
	}
	if qty < 0 {
		return nil, ErrNegativeOverride
	}
	if err := s.getRecord(ctx, recordID); err != nil {
		return nil, err
	}

	at := s.now()
	u := &UsageRecord{
		RecordID:       recordID,
		ItemID:         itemID,
		OverrideQty:    &qty,
		OverrideReason: &reason,
		OverriddenBy:   &actor,
		OverriddenAt:   &at,
	}
	if err := s.ledger.SetOverride(ctx, u); err != nil {
		return nil, fmt.Errorf("set override: %w", err)
	}
	s.logger.Info().
		Str("record_id", recordID.String()).
		Str("item_id", itemID.String()).
		Str("actor", actor.String()).
		Int("quantity", qty).
		Str("reason", reason).
		Msg("usage override set")
	return u, nil
}

// ClearOverride drops the manual quantity and recomputes the record so the
// calculated quantity applies again.
func (s *Service) ClearOverride(ctx context.Context, recordID, itemID, actor uuid.UUID) ([]*UsageRecord, error) {
	if err := s.getRecord(ctx, recordID); err != nil {
		return nil, err
	}
	if err := s.ledger.ClearOverride(ctx, recordID, itemID); err != nil {
		if errors.Is(err, ErrUsageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("clear override: %w", err)
	}
	s.logger.Info().
		Str("record_id", recordID.String()).
		Str("item_id", itemID.String()).
		Str("actor", actor.String()).
		Msg("usage override cleared")
	return s.Recompute(ctx, recordID)
}

func (s *Service) List(ctx context.Context, recordID uuid.UUID) ([]*UsageRecord, error) {
	return s.ledger.ListByRecord(ctx, recordID)
}
