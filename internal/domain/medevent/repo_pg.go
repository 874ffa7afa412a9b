package medevent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medstock/internal/domain/dosing"
	"github.com/ehr/medstock/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

// UUIDArray renders ids for a `$n::uuid[]` parameter.
func UUIDArray(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (r *repoPG) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	var rec Record
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, patient_name, hospital_id, unit_id, created_at
		FROM clinical_record WHERE id = $1`, id).
		Scan(&rec.ID, &rec.PatientID, &rec.PatientName, &rec.HospitalID, &rec.UnitID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const eventCols = `id, record_id, item_id, kind, ts, end_ts, dose, rate, session_id, initial_bolus, created_at`

func scanEvent(row pgx.Row) (*dosing.MedicationEvent, error) {
	var e dosing.MedicationEvent
	err := row.Scan(&e.ID, &e.RecordID, &e.ItemID, &e.Kind, &e.Timestamp, &e.EndTimestamp,
		&e.Dose, &e.Rate, &e.SessionID, &e.InitialBolus, &e.CreatedAt)
	return &e, err
}

func (r *repoPG) listEvents(ctx context.Context, sql string, args ...any) ([]*dosing.MedicationEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*dosing.MedicationEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) CreateEvent(ctx context.Context, e *dosing.MedicationEvent) error {
	e.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication_event (id, record_id, item_id, kind, ts, end_ts, dose, rate, session_id, initial_bolus)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at`,
		e.ID, e.RecordID, e.ItemID, e.Kind, e.Timestamp, e.EndTimestamp,
		e.Dose, e.Rate, e.SessionID, e.InitialBolus).Scan(&e.CreatedAt)
}

func (r *repoPG) ListEventsByRecord(ctx context.Context, recordID uuid.UUID) ([]*dosing.MedicationEvent, error) {
	return r.listEvents(ctx, `SELECT `+eventCols+` FROM medication_event
		WHERE record_id = $1 ORDER BY ts, created_at`, recordID)
}

func (r *repoPG) ListEventsByRecords(ctx context.Context, recordIDs []uuid.UUID) ([]*dosing.MedicationEvent, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}
	return r.listEvents(ctx, `SELECT `+eventCols+` FROM medication_event
		WHERE record_id = ANY($1::uuid[]) ORDER BY ts, created_at`, UUIDArray(recordIDs))
}

func (r *repoPG) ListOpenInfusionStarts(ctx context.Context) ([]*dosing.MedicationEvent, error) {
	return r.listEvents(ctx, `SELECT `+eventCols+` FROM medication_event
		WHERE kind = $1 AND end_ts IS NULL ORDER BY ts`, dosing.EventInfusionStart)
}

func (r *repoPG) CloseInfusion(ctx context.Context, eventID uuid.UUID, endAt time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medication_event SET end_ts = $2
		WHERE id = $1 AND kind = $3 AND end_ts IS NULL`,
		eventID, endAt, dosing.EventInfusionStart)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListDosingConfigs(ctx context.Context, itemIDs []uuid.UUID) (map[uuid.UUID]*dosing.ItemDosingConfig, error) {
	out := make(map[uuid.UUID]*dosing.ItemDosingConfig, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT item_id, rate_unit, ampule_content, administration_unit
		FROM item_dosing_config WHERE item_id = ANY($1::uuid[])`, UUIDArray(itemIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c dosing.ItemDosingConfig
		if err := rows.Scan(&c.ItemID, &c.RateUnit, &c.AmpuleContent, &c.AdministrationUnit); err != nil {
			return nil, err
		}
		out[c.ItemID] = &c
	}
	return out, rows.Err()
}

func (r *repoPG) LatestWeights(ctx context.Context, recordIDs []uuid.UUID) (map[uuid.UUID]float64, error) {
	out := make(map[uuid.UUID]float64, len(recordIDs))
	if len(recordIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT ON (record_id) record_id, weight_kg
		FROM preop_assessment
		WHERE record_id = ANY($1::uuid[]) AND weight_kg IS NOT NULL
		ORDER BY record_id, assessed_at DESC`, UUIDArray(recordIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var w float64
		if err := rows.Scan(&id, &w); err != nil {
			return nil, err
		}
		out[id] = w
	}
	return out, rows.Err()
}
