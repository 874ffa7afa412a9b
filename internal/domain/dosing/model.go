package dosing

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind is the kind of a clinical dosing entry.
type EventKind string

const (
	EventBolus         EventKind = "bolus"
	EventInfusionStart EventKind = "infusion_start"
	EventInfusionStop  EventKind = "infusion_stop"
	EventRateChange    EventKind = "rate_change"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventBolus, EventInfusionStart, EventInfusionStop, EventRateChange:
		return true
	}
	return false
}

// MedicationEvent maps to the medication_event table. Rows are never edited
// in place; the only mutation is setting EndTimestamp on an infusion start.
type MedicationEvent struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	RecordID     uuid.UUID  `db:"record_id" json:"record_id"`
	ItemID       uuid.UUID  `db:"item_id" json:"item_id"`
	Kind         EventKind  `db:"kind" json:"kind"`
	Timestamp    time.Time  `db:"ts" json:"timestamp"`
	EndTimestamp *time.Time `db:"end_ts" json:"end_timestamp,omitempty"`
	Dose         *string    `db:"dose" json:"dose,omitempty"`
	Rate         *string    `db:"rate" json:"rate,omitempty"`
	SessionID    *uuid.UUID `db:"session_id" json:"session_id,omitempty"`
	InitialBolus *string    `db:"initial_bolus" json:"initial_bolus,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// DoseValue returns the parsed dose, or 0 when absent or unparseable.
func (e *MedicationEvent) DoseValue() float64 { return parseOptional(e.Dose) }

// RateValue returns the parsed rate, or 0 when absent or unparseable.
func (e *MedicationEvent) RateValue() float64 { return parseOptional(e.Rate) }

// InitialBolusValue returns the parsed initial bolus, or 0.
func (e *MedicationEvent) InitialBolusValue() float64 { return parseOptional(e.InitialBolus) }

func parseOptional(s *string) float64 {
	if s == nil {
		return 0
	}
	return ParseQuantity(*s)
}

// Mode is how an item's consumption is derived from its events.
type Mode int

const (
	ModeBolus Mode = iota
	ModeFreeFlow
	ModeTCI
	ModeRateControlled
)

func (m Mode) String() string {
	switch m {
	case ModeBolus:
		return "bolus"
	case ModeFreeFlow:
		return "free"
	case ModeTCI:
		return "tci"
	case ModeRateControlled:
		return "rate"
	}
	return "unknown"
}

// ItemDosingConfig maps to the item_dosing_config table.
type ItemDosingConfig struct {
	ItemID             uuid.UUID `db:"item_id" json:"item_id"`
	RateUnit           *string   `db:"rate_unit" json:"rate_unit,omitempty"`
	AmpuleContent      string    `db:"ampule_content" json:"ampule_content"`
	AdministrationUnit string    `db:"administration_unit" json:"administration_unit"`
}

// Mode derives the dosing mode from RateUnit: absent means bolus, "free"
// means free-flow, "TCI" means target-controlled, anything else is a rate.
func (c *ItemDosingConfig) Mode() Mode {
	if c.RateUnit == nil {
		return ModeBolus
	}
	switch strings.ToLower(strings.TrimSpace(*c.RateUnit)) {
	case "":
		return ModeBolus
	case "free":
		return ModeFreeFlow
	case "tci":
		return ModeTCI
	}
	return ModeRateControlled
}

// Unit returns the normalized rate unit, or "" for non rate-controlled items.
func (c *ItemDosingConfig) Unit() string {
	if c.Mode() != ModeRateControlled {
		return ""
	}
	return NormalizeUnit(*c.RateUnit)
}

// NeedsWeight reports whether the item is dosed per kilogram body weight.
func (c *ItemDosingConfig) NeedsWeight() bool {
	if c.Mode() != ModeRateControlled {
		return false
	}
	u, ok := ParseRateUnit(*c.RateUnit)
	return ok && u.PerKg
}
