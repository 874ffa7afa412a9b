package dosing

import (
	"time"
)

// DefaultWeightKg is used for per-kilogram units when no weight is known.
const DefaultWeightKg = 70.0

// ComputeVolume returns the mass (mg) or volume (ml) delivered at rate in unit
// between start and end. Unrecognized units are treated as a plain per-hour
// rate. A non-positive weight falls back to DefaultWeightKg.
func ComputeVolume(rate float64, unit string, start, end time.Time, weightKg float64) float64 {
	if rate <= 0 || !end.After(start) {
		return 0
	}
	if weightKg <= 0 {
		weightKg = DefaultWeightKg
	}
	d := end.Sub(start)
	u, ok := ParseRateUnit(unit)
	if !ok {
		return rate * d.Hours()
	}
	return u.amountOver(rate, d, weightKg)
}

// SessionVolume sums the per-segment volumes of a session without rounding.
// Open sessions are measured up to now.
func SessionVolume(s Session, unit string, weightKg float64, now time.Time) float64 {
	var total float64
	for _, seg := range s.Segments(now) {
		total += ComputeVolume(seg.Rate, unit, seg.Start, seg.End, weightKg)
	}
	return total
}

// Usage is the consumption of one item over a set of events.
type Usage struct {
	Mode         Mode
	Volume       float64
	InitialBolus float64
	Ampules      int
}

// ComputeUsage derives an item's consumption from its events. Volumes of all
// sessions and boluses are summed first; rounding to ampules happens once on
// the total. Open infusions are estimated up to now.
func ComputeUsage(events []*MedicationEvent, cfg *ItemDosingConfig, weightKg float64, now time.Time) Usage {
	if cfg == nil {
		return Usage{}
	}
	u := Usage{Mode: cfg.Mode()}

	if u.Mode == ModeFreeFlow {
		for _, ev := range events {
			if ev.Kind == EventInfusionStart {
				u.Ampules++
			}
		}
		return u
	}

	for _, ev := range events {
		if ev.Kind == EventBolus {
			u.Volume += ev.DoseValue()
		}
	}

	switch u.Mode {
	case ModeTCI:
		for _, s := range MatchSessions(events) {
			if s.State != SessionMatched {
				continue
			}
			u.Volume += s.Stop.DoseValue()
			u.InitialBolus += s.Start.InitialBolusValue()
		}
	case ModeRateControlled:
		unit := cfg.Unit()
		for _, s := range MatchSessions(events) {
			if s.Start == nil {
				continue
			}
			u.Volume += SessionVolume(s, unit, weightKg, now)
			u.InitialBolus += s.Start.InitialBolusValue()
		}
	}

	u.Ampules = ToAmpules(u.Volume, u.InitialBolus, cfg.AmpuleContent)
	return u
}
