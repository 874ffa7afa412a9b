package autostop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/medstock/internal/domain/dosing"
)

var (
	// ErrSweepInProgress is returned by Sweep when the previous sweep has
	// not finished yet. No work is done for that call.
	ErrSweepInProgress = errors.New("autostop: sweep already in progress")
)

// Store is the part of the event store the scheduler reads and writes.
// medevent.Repository satisfies it.
type Store interface {
	ListOpenInfusionStarts(ctx context.Context) ([]*dosing.MedicationEvent, error)
	ListEventsByRecords(ctx context.Context, recordIDs []uuid.UUID) ([]*dosing.MedicationEvent, error)
	ListDosingConfigs(ctx context.Context, itemIDs []uuid.UUID) (map[uuid.UUID]*dosing.ItemDosingConfig, error)
	LatestWeights(ctx context.Context, recordIDs []uuid.UUID) (map[uuid.UUID]float64, error)
	CloseInfusion(ctx context.Context, eventID uuid.UUID, endAt time.Time) (bool, error)
}

// RecomputeFunc refreshes the usage ledger of one record.
type RecomputeFunc func(ctx context.Context, recordID uuid.UUID) error

// Status is a snapshot of the scheduler for health reporting.
type Status struct {
	Running     bool       `json:"running"`
	LastSweepAt *time.Time `json:"last_sweep_at,omitempty"`
	LastClosed  int        `json:"last_closed"`
	LastError   string     `json:"last_error,omitempty"`
}

// Scheduler closes rate-controlled infusions whose container is forecast to
// be empty. The stop time written is the forecast time, not the time of the
// sweep.
type Scheduler struct {
	store     Store
	logger    zerolog.Logger
	recompute RecomputeFunc

	Interval        time.Duration
	BufferPct       float64
	Concurrency     int
	DefaultWeightKg float64
	Clock           func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	sweeping atomic.Bool
	status   Status
}

func NewScheduler(store Store, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:           store,
		logger:          logger,
		Interval:        60 * time.Second,
		BufferPct:       dosing.DefaultBufferPct,
		Concurrency:     8,
		DefaultWeightKg: dosing.DefaultWeightKg,
		Clock:           time.Now,
	}
}

// SetRecomputeHook installs the ledger refresh run for every record that had
// an infusion closed.
func (s *Scheduler) SetRecomputeHook(fn RecomputeFunc) { s.recompute = fn }

// Start launches the sweep loop. Calling Start on a running scheduler does
// nothing. The loop ends when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningLocked() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop prevents further sweeps and waits for a sweep in flight to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Scheduler) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Running = s.runningLocked()
	if st.LastSweepAt != nil {
		at := *st.LastSweepAt
		st.LastSweepAt = &at
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A sweep that has started runs to completion even if Stop is
			// called meanwhile.
			if _, err := s.Sweep(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrSweepInProgress) {
				s.logger.Error().Err(err).Msg("auto-stop sweep failed")
			}
		}
	}
}

type candidate struct {
	session dosing.Session
	cfg     *dosing.ItemDosingConfig
	weight  float64
}

type closing struct {
	start *dosing.MedicationEvent
	at    time.Time
}

// Sweep runs one pass synchronously and returns how many infusions it
// closed. Sweeps never overlap; a concurrent call gets ErrSweepInProgress.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return 0, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	closed, err := s.sweep(ctx)

	s.mu.Lock()
	at := s.Clock()
	s.status.LastSweepAt = &at
	s.status.LastClosed = closed
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()
	return closed, err
}

func (s *Scheduler) sweep(ctx context.Context) (int, error) {
	candidates, err := s.candidates(ctx)
	if err != nil {
		return 0, err
	}

	now := s.Clock()
	var due []closing
	for _, c := range candidates {
		at, ok := dosing.DepletionTime(c.session, c.cfg, c.weight, s.BufferPct)
		if ok && !now.Before(at) {
			due = append(due, closing{start: c.session.Start, at: at})
		}
	}
	s.logger.Debug().Int("open", len(candidates)).Int("due", len(due)).Msg("auto-stop sweep")
	if len(due) == 0 {
		return 0, nil
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		count   int
		records = make(map[uuid.UUID]struct{})
	)
	g.SetLimit(max(s.Concurrency, 1))
	for _, d := range due {
		d := d
		g.Go(func() error {
			ok, err := s.store.CloseInfusion(ctx, d.start.ID, d.at)
			if err != nil {
				s.logger.Error().Err(err).
					Str("event_id", d.start.ID.String()).
					Str("record_id", d.start.RecordID.String()).
					Msg("failed to auto-stop infusion")
				return nil
			}
			if !ok {
				return nil
			}
			s.logger.Info().
				Str("event_id", d.start.ID.String()).
				Str("record_id", d.start.RecordID.String()).
				Time("stopped_at", d.at).
				Msg("infusion auto-stopped")
			mu.Lock()
			count++
			records[d.start.RecordID] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if s.recompute != nil {
		for id := range records {
			if err := s.recompute(ctx, id); err != nil {
				s.logger.Error().Err(err).Str("record_id", id.String()).Msg("usage recompute after auto-stop failed")
			}
		}
	}
	return count, nil
}

// candidates loads open rate-controlled infusions together with their
// sessions, configs and weights using one query per kind of data.
func (s *Scheduler) candidates(ctx context.Context) ([]candidate, error) {
	starts, err := s.store.ListOpenInfusionStarts(ctx)
	if err != nil {
		return nil, err
	}
	if len(starts) == 0 {
		return nil, nil
	}

	itemIDs := uniqueIDs(starts, func(e *dosing.MedicationEvent) uuid.UUID { return e.ItemID })
	configs, err := s.store.ListDosingConfigs(ctx, itemIDs)
	if err != nil {
		return nil, err
	}

	var open []*dosing.MedicationEvent
	needWeight := false
	for _, st := range starts {
		cfg, ok := configs[st.ItemID]
		if !ok || cfg.Mode() != dosing.ModeRateControlled {
			continue
		}
		open = append(open, st)
		needWeight = needWeight || cfg.NeedsWeight()
	}
	if len(open) == 0 {
		return nil, nil
	}

	recordIDs := uniqueIDs(open, func(e *dosing.MedicationEvent) uuid.UUID { return e.RecordID })
	weights := map[uuid.UUID]float64{}
	if needWeight {
		if weights, err = s.store.LatestWeights(ctx, recordIDs); err != nil {
			return nil, err
		}
	}
	events, err := s.store.ListEventsByRecords(ctx, recordIDs)
	if err != nil {
		return nil, err
	}
	sessions := sessionsByStart(events)

	out := make([]candidate, 0, len(open))
	for _, st := range open {
		sess, ok := sessions[st.ID]
		if !ok {
			sess = dosing.Session{State: dosing.SessionOpen, Start: st}
		}
		// Stopped by an explicit stop event; nothing to forecast.
		if sess.Stop != nil {
			continue
		}
		w := weights[st.RecordID]
		if w <= 0 {
			w = s.DefaultWeightKg
		}
		out = append(out, candidate{session: sess, cfg: configs[st.ItemID], weight: w})
	}
	return out, nil
}

func sessionsByStart(events []*dosing.MedicationEvent) map[uuid.UUID]dosing.Session {
	type key struct{ record, item uuid.UUID }
	grouped := make(map[key][]*dosing.MedicationEvent)
	for _, e := range events {
		k := key{e.RecordID, e.ItemID}
		grouped[k] = append(grouped[k], e)
	}
	out := make(map[uuid.UUID]dosing.Session)
	for _, evs := range grouped {
		for _, sess := range dosing.MatchSessions(evs) {
			if sess.Start != nil {
				out[sess.Start.ID] = sess
			}
		}
	}
	return out
}

func uniqueIDs(events []*dosing.MedicationEvent, id func(*dosing.MedicationEvent) uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(events))
	var out []uuid.UUID
	for _, e := range events {
		v := id(e)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
