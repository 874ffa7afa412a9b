package dosing

import (
	"math"
	"time"
)

// DefaultBufferPct is the safety margin applied to depletion forecasts.
const DefaultBufferPct = 5.0

// hourlyAmount is the amount delivered in one hour at rate in unit.
func hourlyAmount(rate float64, unit string, weightKg float64) float64 {
	return ComputeVolume(rate, unit, time.Time{}, time.Time{}.Add(time.Hour), weightKg)
}

// Forecast predicts how long a container of ampuleContent lasts at rate,
// shortened by bufferPct percent so the infusion is stopped slightly before
// it actually runs dry. ok is false when rate or content is zero or
// unparseable.
func Forecast(rate, unit, ampuleContent string, weightKg, bufferPct float64) (d time.Duration, ok bool) {
	return forecast(ParseQuantity(rate), unit, ParseQuantity(ampuleContent), weightKg, bufferPct)
}

func forecast(rate float64, unit string, content, weightKg, bufferPct float64) (time.Duration, bool) {
	if rate <= 0 || content <= 0 {
		return 0, false
	}
	perHour := hourlyAmount(rate, unit, weightKg)
	if perHour <= 0 {
		return 0, false
	}
	return hoursToDuration(content / perHour * bufferFactor(bufferPct))
}

func bufferFactor(bufferPct float64) float64 {
	if bufferPct < 0 {
		bufferPct = 0
	}
	if bufferPct > 100 {
		bufferPct = 100
	}
	return 1 - bufferPct/100
}

// maxHours is the longest span a time.Duration can hold.
var maxHours = float64(math.MaxInt64) / float64(time.Hour)

// hoursToDuration rounds h to whole milliseconds. ok is false when h does
// not fit in a time.Duration.
func hoursToDuration(h float64) (time.Duration, bool) {
	if math.IsNaN(h) || h < 0 || h >= maxHours {
		return 0, false
	}
	ms := math.Round(h * float64(time.Hour/time.Millisecond))
	return time.Duration(ms) * time.Millisecond, true
}

// DepletionTime predicts when an open infusion session empties its container.
// Without rate changes this is start + Forecast. With rate changes the
// buffered content is consumed segment by segment and the last rate is
// assumed to continue indefinitely.
func DepletionTime(s Session, cfg *ItemDosingConfig, weightKg, bufferPct float64) (time.Time, bool) {
	if s.Start == nil || cfg == nil || cfg.Mode() != ModeRateControlled {
		return time.Time{}, false
	}
	unit := cfg.Unit()
	content := ParseQuantity(cfg.AmpuleContent)
	if content <= 0 {
		return time.Time{}, false
	}

	type step struct {
		at   time.Time
		rate float64
	}
	steps := []step{{at: s.Start.Timestamp, rate: s.Start.RateValue()}}
	for _, rc := range s.RateChanges {
		if rc.Timestamp.Before(s.Start.Timestamp) {
			continue
		}
		if rc.Timestamp.Equal(steps[len(steps)-1].at) {
			steps[len(steps)-1].rate = rc.RateValue()
			continue
		}
		steps = append(steps, step{at: rc.Timestamp, rate: rc.RateValue()})
	}

	if len(steps) == 1 {
		d, ok := forecast(steps[0].rate, unit, content, weightKg, bufferPct)
		if !ok {
			return time.Time{}, false
		}
		return s.Start.Timestamp.Add(d), true
	}

	budget := content * bufferFactor(bufferPct)
	for i, st := range steps {
		perHour := 0.0
		if st.rate > 0 {
			perHour = hourlyAmount(st.rate, unit, weightKg)
		}
		last := i == len(steps)-1
		if last {
			if perHour <= 0 {
				return time.Time{}, false
			}
			return addHours(st.at, budget/perHour)
		}
		if perHour <= 0 {
			continue
		}
		used := ComputeVolume(st.rate, unit, st.at, steps[i+1].at, weightKg)
		if used >= budget {
			return addHours(st.at, budget/perHour)
		}
		budget -= used
	}
	return time.Time{}, false
}

func addHours(t time.Time, h float64) (time.Time, bool) {
	d, ok := hoursToDuration(h)
	if !ok {
		return time.Time{}, false
	}
	return t.Add(d), true
}
