package medevent

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("medevent: not found")
	ErrInvalidEvent = errors.New("medevent: invalid event")
)

// Record maps to the clinical_record table: one anaesthesia/treatment
// record that dosing events and usage rows hang off.
type Record struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	PatientName *string    `db:"patient_name" json:"patient_name,omitempty"`
	HospitalID  *uuid.UUID `db:"hospital_id" json:"hospital_id,omitempty"`
	UnitID      *uuid.UUID `db:"unit_id" json:"unit_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// WeightAssessment maps to preop_assessment.
type WeightAssessment struct {
	ID         uuid.UUID `db:"id" json:"id"`
	RecordID   uuid.UUID `db:"record_id" json:"record_id"`
	WeightKg   float64   `db:"weight_kg" json:"weight_kg"`
	AssessedAt time.Time `db:"assessed_at" json:"assessed_at"`
}
