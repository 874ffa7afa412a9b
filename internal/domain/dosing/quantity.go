package dosing

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var leadingNumber = regexp.MustCompile(`^\s*([-+]?\d+(?:[.,]\d+)?|[-+]?[.,]\d+)`)

// ParseQuantity reads the leading number of s ("10mg", "7.5", "1,5 ml").
// A decimal comma is accepted. Anything unparseable yields 0.
func ParseQuantity(s string) float64 {
	m := leadingNumber.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	f, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// ampuleEpsilon absorbs float noise so an exact multiple of the ampule content
// is not rounded up to an extra ampule.
const ampuleEpsilon = 1e-9

// ToAmpules converts a consumed amount into whole ampules:
// ceil((volume + initialBolus) / ampuleContent). It returns 0 when the total
// or the ampule content is zero, negative or unparseable.
func ToAmpules(volume, initialBolus float64, ampuleContent string) int {
	content := ParseQuantity(ampuleContent)
	total := volume + initialBolus
	if content <= 0 || total <= 0 {
		return 0
	}
	return int(math.Ceil(total/content - ampuleEpsilon))
}
