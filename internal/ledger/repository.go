package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists ledger entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxStore exposes transactional operations used by the posting service. All
// reads inside a transaction observe the locked scope consistently.
type TxStore interface {
	Reader
	// LockScope serialises validate-then-append for one scope. The lock is
	// released at transaction end.
	LockScope(ctx context.Context, scope string) error
	Insert(ctx context.Context, e Entry) (Entry, error)
	EntriesBySource(ctx context.Context, sourceType SourceType, sourceID string) ([]Entry, error)
	// VoidSource flags all live entries of a source document voided and
	// returns them. Entries are never deleted.
	VoidSource(ctx context.Context, sourceType SourceType, sourceID string) ([]Entry, error)
}

type txStore struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
}

const entryColumns = `id, item_id, location_id, COALESCE(batch_id, ''), quantity_delta, effective_at, source_type, source_id, source_line_id, is_voided, created_at`

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.ItemID, &e.LocationID, &e.BatchID, &e.QuantityDelta, &e.EffectiveAt, &e.SourceType, &e.SourceID, &e.SourceLineID, &e.IsVoided, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func windowClause(q WindowQuery, op string) (string, []any) {
	where := `item_id=$1 AND location_id=$2 AND is_voided=FALSE AND effective_at ` + op + ` $3`
	args := []any{q.ItemID, q.LocationID, q.From}
	if q.BatchID != "" {
		args = append(args, q.BatchID)
		where += fmt.Sprintf(" AND batch_id=$%d", len(args))
	}
	if len(q.ExcludeSources) > 0 {
		args = append(args, q.ExcludeSources)
		where += fmt.Sprintf(" AND source_id != ALL($%d)", len(args))
	}
	return where, args
}

func entriesFrom(ctx context.Context, q WindowQuery, query func(context.Context, string, ...any) (pgx.Rows, error)) ([]Entry, error) {
	where, args := windowClause(q, ">=")
	rows, err := query(ctx, `SELECT `+entryColumns+` FROM stock_ledger_entries WHERE `+where+` ORDER BY effective_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func openingBalance(ctx context.Context, q WindowQuery, queryRow func(context.Context, string, ...any) pgx.Row) (float64, error) {
	where, args := windowClause(q, "<")
	var balance float64
	err := queryRow(ctx, `SELECT COALESCE(SUM(quantity_delta), 0) FROM stock_ledger_entries WHERE `+where, args...).Scan(&balance)
	return balance, err
}

func (r *Repository) EntriesFrom(ctx context.Context, q WindowQuery) ([]Entry, error) {
	return entriesFrom(ctx, q, r.pool.Query)
}

func (r *Repository) OpeningBalance(ctx context.Context, q WindowQuery) (float64, error) {
	return openingBalance(ctx, q, r.pool.QueryRow)
}

// BalanceAsOf computes the scope balance after the last entry effective at or
// before the given instant. Used by the read API; never served from caches.
func (r *Repository) BalanceAsOf(ctx context.Context, q WindowQuery, at time.Time) (float64, error) {
	q.From = at.Add(time.Nanosecond)
	return openingBalance(ctx, q, r.pool.QueryRow)
}

func (s *txStore) EntriesFrom(ctx context.Context, q WindowQuery) ([]Entry, error) {
	return entriesFrom(ctx, q, s.tx.Query)
}

func (s *txStore) OpeningBalance(ctx context.Context, q WindowQuery) (float64, error) {
	return openingBalance(ctx, q, s.tx.QueryRow)
}

func (s *txStore) LockScope(ctx context.Context, scope string) error {
	_, err := s.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.ScopeLockKey(scope))
	return err
}

func (s *txStore) Insert(ctx context.Context, e Entry) (Entry, error) {
	err := s.tx.QueryRow(ctx, `INSERT INTO stock_ledger_entries (item_id, location_id, batch_id, quantity_delta, effective_at, source_type, source_id, source_line_id, is_voided, created_at)
VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,NOW()) RETURNING id, created_at`,
		e.ItemID, e.LocationID, e.BatchID, e.QuantityDelta, e.EffectiveAt, string(e.SourceType), e.SourceID, e.SourceLineID, e.IsVoided).
		Scan(&e.Seq, &e.CreatedAt)
	return e, err
}

func (s *txStore) EntriesBySource(ctx context.Context, sourceType SourceType, sourceID string) ([]Entry, error) {
	rows, err := s.tx.Query(ctx, `SELECT `+entryColumns+` FROM stock_ledger_entries WHERE source_type=$1 AND source_id=$2 AND is_voided=FALSE ORDER BY effective_at ASC, id ASC`, string(sourceType), sourceID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *txStore) VoidSource(ctx context.Context, sourceType SourceType, sourceID string) ([]Entry, error) {
	rows, err := s.tx.Query(ctx, `UPDATE stock_ledger_entries SET is_voided=TRUE WHERE source_type=$1 AND source_id=$2 AND is_voided=FALSE RETURNING `+entryColumns, string(sourceType), sourceID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}
