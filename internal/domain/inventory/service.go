package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medstock/internal/domain/medevent"
	"github.com/ehr/medstock/internal/domain/usage"
)

// RecomputeFunc refreshes the usage ledger of one record.
type RecomputeFunc func(ctx context.Context, recordID uuid.UUID) error

// Service commits usage ledger rows to real stock and rolls commits back.
type Service struct {
	records   RecordReader
	ledger    LedgerRepository
	items     ItemRepository
	stock     StockRepository
	commits   CommitRepository
	activity  ActivityLog
	tx        TxRunner
	recompute RecomputeFunc
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(
	records RecordReader,
	ledger LedgerRepository,
	items ItemRepository,
	stock StockRepository,
	commits CommitRepository,
	activity ActivityLog,
	tx TxRunner,
) *Service {
	return &Service{
		records:  records,
		ledger:   ledger,
		items:    items,
		stock:    stock,
		commits:  commits,
		activity: activity,
		tx:       tx,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

func (s *Service) SetLogger(logger zerolog.Logger) { s.logger = logger }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetRecomputeHook installs the ledger refresh run after a rollback.
func (s *Service) SetRecomputeHook(fn RecomputeFunc) { s.recompute = fn }

type plannedItem struct {
	usageID uuid.UUID
	item    *Item
	qty     int
}

// Commit deducts the record's ledger from stock. The commit row, the stock
// changes, the controlled-substance entries and the removal of the captured
// ledger rows happen in one transaction.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*InventoryCommit, error) {
	var commit *InventoryCommit
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		commit, err = s.commit(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("commit_id", commit.ID.String()).
		Str("record_id", commit.RecordID.String()).
		Int("items", len(commit.Items)).
		Msg("inventory committed")
	return commit, nil
}

func (s *Service) commit(ctx context.Context, req CommitRequest) (*InventoryCommit, error) {
	record, err := s.records.GetRecord(ctx, req.RecordID)
	if err != nil {
		if errors.Is(err, medevent.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	plan, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return nil, ErrNothingToCommit
	}

	signature := strings.TrimSpace(req.Signature)
	for _, p := range plan {
		if p.item.IsControlled && signature == "" {
			return nil, ErrSignatureRequired
		}
	}

	commit := &InventoryCommit{
		ID:          uuid.New(),
		RecordID:    req.RecordID,
		UnitID:      req.UnitID,
		CommittedBy: req.UserID,
		CommittedAt: s.now(),
	}
	if signature != "" {
		commit.Signature = &signature
	}
	for _, p := range plan {
		ci := CommitItem{ItemID: p.item.ID, Name: p.item.Name, Quantity: p.qty, IsControlled: p.item.IsControlled}
		if !p.item.TrackExactQuantity {
			loc := stockLocation(req.UnitID, p.item.UnitID, record.UnitID)
			if loc == nil {
				return nil, fmt.Errorf("%w: %s", ErrNoStockLocation, p.item.Name)
			}
			ci.StockUnitID = loc
		}
		commit.Items = append(commit.Items, ci)
	}
	// Claim the captured ledger rows first. A concurrent commit of the same
	// rows blocks here and then finds fewer rows than it planned.
	usageIDs := make([]uuid.UUID, 0, len(plan))
	for _, p := range plan {
		usageIDs = append(usageIDs, p.usageID)
	}
	n, err := s.ledger.DeleteByIDs(ctx, usageIDs)
	if err != nil {
		return nil, fmt.Errorf("remove committed usage: %w", err)
	}
	if n != int64(len(usageIDs)) {
		return nil, ErrLedgerChanged
	}

	if err := s.commits.Create(ctx, commit); err != nil {
		return nil, fmt.Errorf("create commit: %w", err)
	}

	patientID := req.Patient.PatientID
	if patientID == nil {
		patientID = record.PatientID
	}
	for _, ci := range commit.Items {
		before, after, err := s.adjust(ctx, ci, -ci.Quantity)
		if err != nil {
			return nil, fmt.Errorf("deduct %s: %w", ci.Name, err)
		}
		if ci.IsControlled {
			if err := s.activity.Append(ctx, &ControlledActivity{
				ItemID:      ci.ItemID,
				RecordID:    commit.RecordID,
				PatientID:   patientID,
				CommitID:    commit.ID,
				Action:      ActionDispense,
				Quantity:    ci.Quantity,
				BeforeQty:   before,
				AfterQty:    after,
				Signature:   commit.Signature,
				PerformedBy: req.UserID,
			}); err != nil {
				return nil, fmt.Errorf("log controlled dispense: %w", err)
			}
		}
	}
	return commit, nil
}

// plan selects the ledger rows to commit: positive effective quantity, a
// known item and, when the request names a unit, items of that unit or of
// no unit.
func (s *Service) plan(ctx context.Context, req CommitRequest) ([]plannedItem, error) {
	rows, err := s.ledger.ListByRecord(ctx, req.RecordID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, u := range rows {
		ids = append(ids, u.ItemID)
	}
	items, err := s.items.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}

	var plan []plannedItem
	for _, u := range rows {
		qty := u.Effective()
		item, ok := items[u.ItemID]
		if qty <= 0 || !ok {
			continue
		}
		if req.UnitID != nil && item.UnitID != nil && *item.UnitID != *req.UnitID {
			continue
		}
		plan = append(plan, plannedItem{usageID: u.ID, item: item, qty: qty})
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].item.Name < plan[j].item.Name })
	return plan, nil
}

func stockLocation(candidates ...*uuid.UUID) *uuid.UUID {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

func (s *Service) adjust(ctx context.Context, ci CommitItem, delta int) (int, int, error) {
	if ci.StockUnitID == nil {
		return s.items.AdjustCurrentUnits(ctx, ci.ItemID, delta)
	}
	return s.stock.Adjust(ctx, ci.ItemID, *ci.StockUnitID, delta)
}

// Rollback reverses the stock effect of a commit and keeps the commit row.
// Items that vanished since the commit are skipped. The record's ledger is
// recomputed afterwards so its usage can be committed again.
func (s *Service) Rollback(ctx context.Context, commitID, userID uuid.UUID, reason string) (*InventoryCommit, error) {
	var commit *InventoryCommit
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		commit, err = s.rollback(ctx, commitID, userID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("commit_id", commit.ID.String()).
		Str("record_id", commit.RecordID.String()).
		Int("items", len(commit.Items)).
		Msg("inventory commit rolled back")

	if s.recompute != nil {
		if err := s.recompute(ctx, commit.RecordID); err != nil {
			s.logger.Error().Err(err).
				Str("record_id", commit.RecordID.String()).
				Msg("usage recompute after rollback failed")
		}
	}
	return commit, nil
}

func (s *Service) rollback(ctx context.Context, commitID, userID uuid.UUID, reason string) (*InventoryCommit, error) {
	commit, err := s.commits.GetByID(ctx, commitID)
	if err != nil {
		return nil, err
	}
	if commit.RolledBack() {
		return nil, ErrAlreadyRolledBack
	}

	at := s.now()
	commit.RolledBackAt = &at
	commit.RolledBackBy = &userID
	if r := strings.TrimSpace(reason); r != "" {
		commit.RollbackReason = &r
	}
	if err := s.commits.MarkRolledBack(ctx, commit); err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(commit.Items))
	for _, ci := range commit.Items {
		ids = append(ids, ci.ItemID)
	}
	items, err := s.items.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}

	var patientID *uuid.UUID
	if record, err := s.records.GetRecord(ctx, commit.RecordID); err == nil {
		patientID = record.PatientID
	}
	for _, ci := range commit.Items {
		if _, ok := items[ci.ItemID]; !ok {
			s.logger.Warn().
				Str("commit_id", commit.ID.String()).
				Str("item_id", ci.ItemID.String()).
				Msg("item no longer exists, stock not restored")
			continue
		}
		before, after, err := s.adjust(ctx, ci, ci.Quantity)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", ci.Name, err)
		}
		if ci.IsControlled {
			if err := s.activity.Append(ctx, &ControlledActivity{
				ItemID:      ci.ItemID,
				RecordID:    commit.RecordID,
				PatientID:   patientID,
				CommitID:    commit.ID,
				Action:      ActionReturn,
				Quantity:    ci.Quantity,
				BeforeQty:   before,
				AfterQty:    after,
				Signature:   commit.Signature,
				PerformedBy: userID,
				Reason:      commit.RollbackReason,
			}); err != nil {
				return nil, fmt.Errorf("log controlled return: %w", err)
			}
		}
	}
	return commit, nil
}

func (s *Service) GetCommit(ctx context.Context, id uuid.UUID) (*InventoryCommit, error) {
	return s.commits.GetByID(ctx, id)
}

// ListCommits returns the commit history of a record, newest first.
func (s *Service) ListCommits(ctx context.Context, recordID uuid.UUID) ([]*InventoryCommit, error) {
	return s.commits.ListByRecord(ctx, recordID)
}

var _ LedgerRepository = (usage.LedgerRepository)(nil)
