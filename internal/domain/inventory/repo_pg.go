package inventory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medstock/internal/domain/medevent"
	"github.com/ehr/medstock/internal/platform/db"
)

// =========== Item Repository ===========

type itemRepoPG struct{ pool *pgxpool.Pool }

func NewItemRepoPG(pool *pgxpool.Pool) ItemRepository {
	return &itemRepoPG{pool: pool}
}

func (r *itemRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func (r *itemRepoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Item, error) {
	out := make(map[uuid.UUID]*Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, name, unit_id, is_controlled, track_exact_quantity, current_units, pack_size
		FROM inventory_item WHERE id = ANY($1::uuid[])`, medevent.UUIDArray(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Name, &it.UnitID, &it.IsControlled, &it.TrackExactQuantity,
			&it.CurrentUnits, &it.PackSize); err != nil {
			return nil, err
		}
		out[it.ID] = &it
	}
	return out, rows.Err()
}

func (r *itemRepoPG) AdjustCurrentUnits(ctx context.Context, itemID uuid.UUID, delta int) (int, int, error) {
	var after int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE inventory_item SET current_units = current_units + $2
		WHERE id = $1
		RETURNING current_units`, itemID, delta).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrItemNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return after - delta, after, nil
}

// =========== Stock Repository ===========

type stockRepoPG struct{ pool *pgxpool.Pool }

func NewStockRepoPG(pool *pgxpool.Pool) StockRepository {
	return &stockRepoPG{pool: pool}
}

func (r *stockRepoPG) Adjust(ctx context.Context, itemID, unitID uuid.UUID, delta int) (int, int, error) {
	var after int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO stock_level (item_id, unit_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (item_id, unit_id) DO UPDATE
			SET quantity = stock_level.quantity + EXCLUDED.quantity, updated_at = NOW()
		RETURNING quantity`, itemID, unitID, delta).Scan(&after)
	if err != nil {
		return 0, 0, err
	}
	return after - delta, after, nil
}

// =========== Commit Repository ===========

type commitRepoPG struct{ pool *pgxpool.Pool }

func NewCommitRepoPG(pool *pgxpool.Pool) CommitRepository {
	return &commitRepoPG{pool: pool}
}

func (r *commitRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const commitCols = `id, record_id, unit_id, committed_by, signature, committed_at,
	rolled_back_at, rolled_back_by, rollback_reason`

func scanCommit(row pgx.Row) (*InventoryCommit, error) {
	var c InventoryCommit
	err := row.Scan(&c.ID, &c.RecordID, &c.UnitID, &c.CommittedBy, &c.Signature, &c.CommittedAt,
		&c.RolledBackAt, &c.RolledBackBy, &c.RollbackReason)
	return &c, err
}

func (r *commitRepoPG) Create(ctx context.Context, c *InventoryCommit) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `
		INSERT INTO inventory_commit (id, record_id, unit_id, committed_by, signature, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.RecordID, c.UnitID, c.CommittedBy, c.Signature, c.CommittedAt); err != nil {
		return err
	}
	for i, it := range c.Items {
		if _, err := q.Exec(ctx, `
			INSERT INTO inventory_commit_item (commit_id, position, item_id, name, quantity, is_controlled, stock_unit_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, i, it.ItemID, it.Name, it.Quantity, it.IsControlled, it.StockUnitID); err != nil {
			return err
		}
	}
	return nil
}

func (r *commitRepoPG) loadItems(ctx context.Context, c *InventoryCommit) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT item_id, name, quantity, is_controlled, stock_unit_id
		FROM inventory_commit_item WHERE commit_id = $1 ORDER BY position`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	c.Items = nil
	for rows.Next() {
		var it CommitItem
		if err := rows.Scan(&it.ItemID, &it.Name, &it.Quantity, &it.IsControlled, &it.StockUnitID); err != nil {
			return err
		}
		c.Items = append(c.Items, it)
	}
	return rows.Err()
}

func (r *commitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InventoryCommit, error) {
	c, err := scanCommit(r.conn(ctx).QueryRow(ctx, `SELECT `+commitCols+` FROM inventory_commit WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCommitNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *commitRepoPG) MarkRolledBack(ctx context.Context, c *InventoryCommit) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE inventory_commit
		SET rolled_back_at = $2, rolled_back_by = $3, rollback_reason = $4
		WHERE id = $1 AND rolled_back_at IS NULL`,
		c.ID, c.RolledBackAt, c.RolledBackBy, c.RollbackReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRolledBack
	}
	return nil
}

func (r *commitRepoPG) ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*InventoryCommit, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+commitCols+` FROM inventory_commit
		WHERE record_id = $1 ORDER BY committed_at DESC`, recordID)
	if err != nil {
		return nil, err
	}
	var items []*InventoryCommit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range items {
		if err := r.loadItems(ctx, c); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// =========== Activity Log ===========

type activityLogPG struct{ pool *pgxpool.Pool }

func NewActivityLogPG(pool *pgxpool.Pool) ActivityLog {
	return &activityLogPG{pool: pool}
}

func (r *activityLogPG) Append(ctx context.Context, a *ControlledActivity) error {
	a.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO controlled_substance_activity (id, item_id, record_id, patient_id, commit_id, action,
			quantity, before_qty, after_qty, signature, performed_by, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at`,
		a.ID, a.ItemID, a.RecordID, a.PatientID, a.CommitID, a.Action,
		a.Quantity, a.BeforeQty, a.AfterQty, a.Signature, a.PerformedBy, a.Reason).Scan(&a.CreatedAt)
}
