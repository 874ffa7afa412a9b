package dosing

import (
	"regexp"
	"strings"
	"time"
)

// Canonical rate units.
const (
	UnitMicrogramPerKgMin = "µg/kg/min"
	UnitMilligramPerKgH   = "mg/kg/h"
	UnitMicrogramPerMin   = "µg/min"
	UnitMilligramPerMin   = "mg/min"
	UnitMilligramPerH     = "mg/h"
	UnitMillilitrePerH    = "ml/h"
)

var (
	// U+03BC (greek small mu) is folded into U+00B5 (micro sign).
	microSigns = strings.NewReplacer("μ", "µ")

	mcgWord     = regexp.MustCompile(`mcg`)
	minuteWord  = regexp.MustCompile(`minute[ns]?`)
	stundeWord  = regexp.MustCompile(`stunden?`)
	hourWord    = regexp.MustCompile(`hours?`)
	perWord     = regexp.MustCompile(`\s+(?:per|pro)\s+`)
	slashSpaces = regexp.MustCompile(`\s*/\s*`)
	whitespace  = regexp.MustCompile(`\s+`)

	// Most specific first.
	weightBasedUnit = regexp.MustCompile(`^(µg|mg)/kg/(min|h|hr)$`)
	absoluteUnit    = regexp.MustCompile(`^(µg|mg)/(min|h|hr)$`)
	volumetricUnit  = regexp.MustCompile(`^(ml)/(h|hr|min)$`)
)

// RateUnit is a parsed rate unit: an amount (µg, mg or ml), optionally per
// kilogram body weight, per minute or per hour.
type RateUnit struct {
	Amount string
	PerKg  bool
	Per    string
}

func (u RateUnit) String() string {
	if u.PerKg {
		return u.Amount + "/kg/" + u.Per
	}
	return u.Amount + "/" + u.Per
}

// NormalizeUnit canonicalizes a rate unit string. Unrecognized input is
// returned lower-cased with all whitespace removed.
func NormalizeUnit(raw string) string {
	s := prepareUnit(raw)
	if u, ok := matchRateUnit(s); ok {
		return u.String()
	}
	return s
}

// ParseRateUnit normalizes raw and reports whether it is a known rate unit.
func ParseRateUnit(raw string) (RateUnit, bool) {
	return matchRateUnit(prepareUnit(raw))
}

// prepareUnit turns separator words into slashes while whitespace still
// delimits them, drops all whitespace, then shortens unit words until
// nothing changes so the result is a fixed point.
func prepareUnit(raw string) string {
	s := strings.ToLower(raw)
	s = microSigns.Replace(s)
	s = perWord.ReplaceAllString(s, "/")
	s = slashSpaces.ReplaceAllString(s, "/")
	s = whitespace.ReplaceAllString(s, "")
	for {
		next := mcgWord.ReplaceAllString(s, "µg")
		next = minuteWord.ReplaceAllString(next, "min")
		next = stundeWord.ReplaceAllString(next, "h")
		next = hourWord.ReplaceAllString(next, "h")
		if next == s {
			return s
		}
		s = next
	}
}

func matchRateUnit(s string) (RateUnit, bool) {
	if m := weightBasedUnit.FindStringSubmatch(s); m != nil {
		return RateUnit{Amount: m[1], PerKg: true, Per: canonicalPer(m[2])}, true
	}
	if m := absoluteUnit.FindStringSubmatch(s); m != nil {
		return RateUnit{Amount: m[1], Per: canonicalPer(m[2])}, true
	}
	if m := volumetricUnit.FindStringSubmatch(s); m != nil {
		return RateUnit{Amount: m[1], Per: canonicalPer(m[2])}, true
	}
	return RateUnit{}, false
}

func canonicalPer(p string) string {
	if p == "hr" {
		return "h"
	}
	return p
}

// amountOver returns the mass (mg) or volume (ml) delivered at rate over d.
// Micrograms are divided down last so that whole-number inputs stay exact.
func (u RateUnit) amountOver(rate float64, d time.Duration, weightKg float64) float64 {
	v := rate
	if u.PerKg {
		v *= weightKg
	}
	if u.Per == "min" {
		v *= d.Minutes()
	} else {
		v *= d.Hours()
	}
	if u.Amount == "µg" {
		v /= 1000
	}
	return v
}
