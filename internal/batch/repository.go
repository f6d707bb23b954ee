package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists batch metadata and associations, and reads the
// batch-scoped slice of the stock ledger.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const batchColumns = `id, item_id, kind, disabled, expires_at, status, cached_qty, created_at`

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.ItemID, &b.Kind, &b.Disabled, &b.ExpiresAt, &b.Status, &b.CachedQty, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, fmt.Errorf("batch: %w", shared.ErrNotFound)
	}
	return b, err
}

func (r *Repository) Batch(ctx context.Context, id string) (Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1`, id))
}

func (r *Repository) BatchesByID(ctx context.Context, ids []string) ([]Batch, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	batches := []Batch{}
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.ItemID, &b.Kind, &b.Disabled, &b.ExpiresAt, &b.Status, &b.CachedQty, &b.CreatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ListBatchIDs returns the ids of all non-disabled batches.
func (r *Repository) ListBatchIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM batches WHERE NOT disabled ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status Status) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE batches SET status=$2 WHERE id=$1 AND status <> $2`, id, string(status))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) UpdateCachedQty(ctx context.Context, id string, qty float64) error {
	_, err := r.pool.Exec(ctx, `UPDATE batches SET cached_qty=$2 WHERE id=$1`, id, qty)
	return err
}

// InsertAssociation inserts inside a savepoint so a duplicate key conflict
// rolls back only the nested transaction. The unique index on
// (batch_id, item_id, kind) makes registration idempotent.
func (r *Repository) InsertAssociation(ctx context.Context, a Association) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	nested, err := tx.Begin(ctx)
	if err != nil {
		return false, err
	}
	_, err = nested.Exec(ctx, `INSERT INTO batch_associations (batch_id, item_id, kind, created_at) VALUES ($1,$2,$3,$4)`,
		a.BatchID, a.ItemID, string(a.Kind), a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			_ = nested.Rollback(ctx)
			return false, tx.Commit(ctx)
		}
		return false, err
	}
	if err := nested.Commit(ctx); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (r *Repository) HasAssociation(ctx context.Context, batchID, itemID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batch_associations WHERE batch_id=$1 AND item_id=$2)`, batchID, itemID).Scan(&exists)
	return exists, err
}

// BatchEntries returns non-voided batch-scoped ledger entries matching the
// filter, ordered by (effective_at, id). A zero Until means no upper bound.
func (r *Repository) BatchEntries(ctx context.Context, f EntryFilter) ([]ledger.Entry, error) {
	where := `batch_id IS NOT NULL AND is_voided=FALSE`
	args := []any{}
	add := func(clause string, arg any) {
		args = append(args, arg)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.ItemID != "" {
		add(`item_id=$%d`, f.ItemID)
	}
	if len(f.Locations) > 0 {
		add(`location_id = ANY($%d)`, f.Locations)
	}
	if len(f.BatchIDs) > 0 {
		add(`batch_id = ANY($%d)`, f.BatchIDs)
	}
	if !f.Until.IsZero() {
		add(`effective_at <= $%d`, f.Until)
	}
	if len(f.ExcludeSources) > 0 {
		add(`source_id != ALL($%d)`, f.ExcludeSources)
	}
	rows, err := r.pool.Query(ctx, `SELECT id, item_id, location_id, COALESCE(batch_id, ''), quantity_delta, effective_at, source_type, source_id, source_line_id, is_voided, created_at FROM stock_ledger_entries WHERE `+where+` ORDER BY effective_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []ledger.Entry{}
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.Seq, &e.ItemID, &e.LocationID, &e.BatchID, &e.QuantityDelta, &e.EffectiveAt, &e.SourceType, &e.SourceID, &e.SourceLineID, &e.IsVoided, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
