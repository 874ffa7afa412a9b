package dosing

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SessionState tags the outcome of start/stop matching.
type SessionState int

const (
	// SessionMatched has both a start and a stop.
	SessionMatched SessionState = iota
	// SessionOpen has a start that no stop has been matched to yet.
	SessionOpen
	// SessionOrphaned is a stop with no start to pair with.
	SessionOrphaned
)

func (s SessionState) String() string {
	switch s {
	case SessionMatched:
		return "matched"
	case SessionOpen:
		return "open"
	case SessionOrphaned:
		return "orphaned"
	}
	return "unknown"
}

// Session is one infusion: a start, its rate changes and the stop that ended it.
type Session struct {
	State       SessionState
	Start       *MedicationEvent
	Stop        *MedicationEvent
	RateChanges []*MedicationEvent
}

// Segment is a half-open interval [Start, End) delivered at a constant rate.
type Segment struct {
	Start time.Time
	End   time.Time
	Rate  float64
}

// End returns when the session stopped delivering. An explicit EndTimestamp
// on the start wins over the stop event; an open session ends at now.
func (s *Session) End(now time.Time) time.Time {
	if s.Start != nil && s.Start.EndTimestamp != nil {
		return *s.Start.EndTimestamp
	}
	if s.Stop != nil {
		return s.Stop.Timestamp
	}
	return now
}

// Closed reports whether the session has a known end.
func (s *Session) Closed() bool {
	return s.Stop != nil || (s.Start != nil && s.Start.EndTimestamp != nil)
}

// Segments splits the session at every rate change. Rate changes outside
// [start, end) are ignored.
func (s *Session) Segments(now time.Time) []Segment {
	if s.Start == nil {
		return nil
	}
	end := s.End(now)
	if !end.After(s.Start.Timestamp) {
		return nil
	}
	segs := []Segment{{Start: s.Start.Timestamp, Rate: s.Start.RateValue()}}
	for _, rc := range s.RateChanges {
		if rc.Timestamp.Before(s.Start.Timestamp) || !rc.Timestamp.Before(end) {
			continue
		}
		last := &segs[len(segs)-1]
		if rc.Timestamp.Equal(last.Start) {
			last.Rate = rc.RateValue()
			continue
		}
		last.End = rc.Timestamp
		segs = append(segs, Segment{Start: rc.Timestamp, Rate: rc.RateValue()})
	}
	segs[len(segs)-1].End = end
	return segs
}

var kindOrder = map[EventKind]int{
	EventInfusionStart: 0,
	EventRateChange:    1,
	EventInfusionStop:  2,
	EventBolus:         3,
}

// SortEvents orders events by time; at equal instants starts sort before
// rate changes before stops.
func SortEvents(events []*MedicationEvent) []*MedicationEvent {
	out := make([]*MedicationEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return kindOrder[out[i].Kind] < kindOrder[out[j].Kind]
	})
	return out
}

// MatchSessions pairs infusion starts and stops of a single item.
//
// The first pass groups events carrying an explicit session id. The second
// pass handles legacy events without one: each stop is paired with the
// nearest preceding start that is still unmatched. This is best-effort
// reconciliation only; overlapping legacy infusions of the same item may be
// paired differently from how they were given. Legacy rate changes are then
// attached to the latest session running at that instant.
func MatchSessions(events []*MedicationEvent) []Session {
	sorted := SortEvents(events)

	var sessions []*Session
	var orphans []*Session
	bySessionID := make(map[uuid.UUID]*Session)

	var legacyStarts []*Session
	var legacyStops []*MedicationEvent
	var legacyRateChanges []*MedicationEvent

	for _, ev := range sorted {
		if ev.SessionID == nil {
			switch ev.Kind {
			case EventInfusionStart:
				s := &Session{State: SessionOpen, Start: ev}
				sessions = append(sessions, s)
				legacyStarts = append(legacyStarts, s)
			case EventInfusionStop:
				legacyStops = append(legacyStops, ev)
			case EventRateChange:
				legacyRateChanges = append(legacyRateChanges, ev)
			}
			continue
		}

		sid := *ev.SessionID
		s := bySessionID[sid]
		switch ev.Kind {
		case EventInfusionStart:
			if s != nil {
				// A second start under the same id is kept as its own session.
				s2 := &Session{State: SessionOpen, Start: ev}
				sessions = append(sessions, s2)
				continue
			}
			s = &Session{State: SessionOpen, Start: ev}
			bySessionID[sid] = s
			sessions = append(sessions, s)
		case EventInfusionStop:
			if s == nil || s.Stop != nil {
				orphans = append(orphans, &Session{State: SessionOrphaned, Stop: ev})
				continue
			}
			s.Stop = ev
			s.State = SessionMatched
		case EventRateChange:
			if s == nil {
				legacyRateChanges = append(legacyRateChanges, ev)
				continue
			}
			s.RateChanges = append(s.RateChanges, ev)
		}
	}

	for _, stop := range legacyStops {
		var match *Session
		for i := len(legacyStarts) - 1; i >= 0; i-- {
			cand := legacyStarts[i]
			if cand.Stop != nil || cand.Start.Timestamp.After(stop.Timestamp) {
				continue
			}
			match = cand
			break
		}
		if match == nil {
			orphans = append(orphans, &Session{State: SessionOrphaned, Stop: stop})
			continue
		}
		match.Stop = stop
		match.State = SessionMatched
	}

	for _, rc := range legacyRateChanges {
		var target *Session
		for _, s := range sessions {
			if s.Start.Timestamp.After(rc.Timestamp) {
				continue
			}
			if s.Closed() && !s.End(time.Time{}).After(rc.Timestamp) {
				continue
			}
			if target == nil || !s.Start.Timestamp.Before(target.Start.Timestamp) {
				target = s
			}
		}
		if target != nil {
			target.RateChanges = append(target.RateChanges, rc)
		}
	}

	out := make([]Session, 0, len(sessions)+len(orphans))
	for _, s := range sessions {
		s.RateChanges = SortEvents(s.RateChanges)
		out = append(out, *s)
	}
	for _, s := range orphans {
		out = append(out, *s)
	}
	return out
}
