package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medstock/internal/domain/medevent"
	"github.com/ehr/medstock/internal/platform/db"
)

type ledgerRepoPG struct{ pool *pgxpool.Pool }

func NewLedgerRepoPG(pool *pgxpool.Pool) LedgerRepository {
	return &ledgerRepoPG{pool: pool}
}

func (r *ledgerRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const usageCols = `id, record_id, item_id, calculated_qty, override_qty, override_reason,
	overridden_by, overridden_at, updated_at`

func scanUsage(row pgx.Row) (*UsageRecord, error) {
	var u UsageRecord
	err := row.Scan(&u.ID, &u.RecordID, &u.ItemID, &u.CalculatedQty, &u.OverrideQty, &u.OverrideReason,
		&u.OverriddenBy, &u.OverriddenAt, &u.UpdatedAt)
	return &u, err
}

func (r *ledgerRepoPG) ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*UsageRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+usageCols+` FROM usage_record
		WHERE record_id = $1 ORDER BY item_id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*UsageRecord
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

func (r *ledgerRepoPG) UpsertCalculated(ctx context.Context, recordID, itemID uuid.UUID, qty int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO usage_record (id, record_id, item_id, calculated_qty)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (record_id, item_id) DO UPDATE
			SET calculated_qty = EXCLUDED.calculated_qty, updated_at = NOW()
			WHERE usage_record.override_qty IS NULL`,
		uuid.New(), recordID, itemID, qty)
	return err
}

func (r *ledgerRepoPG) DeleteCalculated(ctx context.Context, recordID, itemID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM usage_record
		WHERE record_id = $1 AND item_id = $2 AND override_qty IS NULL`, recordID, itemID)
	return err
}

func (r *ledgerRepoPG) SetOverride(ctx context.Context, u *UsageRecord) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO usage_record (id, record_id, item_id, calculated_qty,
			override_qty, override_reason, overridden_by, overridden_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7)
		ON CONFLICT (record_id, item_id) DO UPDATE
			SET override_qty = EXCLUDED.override_qty,
				override_reason = EXCLUDED.override_reason,
				overridden_by = EXCLUDED.overridden_by,
				overridden_at = EXCLUDED.overridden_at,
				updated_at = NOW()
		RETURNING `+usageCols,
		uuid.New(), u.RecordID, u.ItemID, u.OverrideQty, u.OverrideReason, u.OverriddenBy, u.OverriddenAt).
		Scan(&u.ID, &u.RecordID, &u.ItemID, &u.CalculatedQty, &u.OverrideQty, &u.OverrideReason,
			&u.OverriddenBy, &u.OverriddenAt, &u.UpdatedAt)
}

func (r *ledgerRepoPG) ClearOverride(ctx context.Context, recordID, itemID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE usage_record
		SET override_qty = NULL, override_reason = NULL, overridden_by = NULL,
			overridden_at = NULL, updated_at = NOW()
		WHERE record_id = $1 AND item_id = $2`, recordID, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUsageNotFound
	}
	return nil
}

func (r *ledgerRepoPG) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM usage_record WHERE id = ANY($1::uuid[])`,
		medevent.UUIDArray(ids))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *ledgerRepoPG) LatestCommitTimes(ctx context.Context, recordID uuid.UUID) (map[uuid.UUID]time.Time, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT ci.item_id, MAX(c.committed_at)
		FROM inventory_commit c
		JOIN inventory_commit_item ci ON ci.commit_id = c.id
		WHERE c.record_id = $1 AND c.rolled_back_at IS NULL
		GROUP BY ci.item_id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]time.Time)
	for rows.Next() {
		var id uuid.UUID
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at
	}
	return out, rows.Err()
}
