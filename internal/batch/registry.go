package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repo is the persistence boundary for batch metadata and associations.
type Repo interface {
	Batch(ctx context.Context, id string) (Batch, error)
	// UpdateStatus returns false when the stored status already matched.
	UpdateStatus(ctx context.Context, id string, status Status) (bool, error)
	// InsertAssociation returns false when the association already existed.
	// Duplicate key conflicts are absorbed inside a savepoint so the
	// surrounding transaction survives.
	InsertAssociation(ctx context.Context, a Association) (bool, error)
	HasAssociation(ctx context.Context, batchID, itemID string) (bool, error)
	UpdateCachedQty(ctx context.Context, id string, qty float64) error
}

// QtyCache mirrors recomputed batch quantities for display readers.
type QtyCache interface {
	SetQty(ctx context.Context, batchID string, qty float64) error
}

// Registry owns the batch lifecycle: the empty/used status machine,
// association registration and the derived quantity cache. The cached
// quantity is write-only here; validation and allocation always recompute
// from the ledger.
type Registry struct {
	repo    Repo
	entries LedgerSource
	cache   QtyCache
	logger  *slog.Logger
}

func NewRegistry(repo Repo, entries LedgerSource, cache QtyCache, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{repo: repo, entries: entries, cache: cache, logger: logger}
}

// SetStatus transitions a batch between empty and used. Setting the status
// it already has is a no-op, not an error.
func (r *Registry) SetStatus(ctx context.Context, batchID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("batch status %q: %w", status, shared.ErrConflict)
	}
	if _, err := r.repo.Batch(ctx, batchID); err != nil {
		return err
	}
	changed, err := r.repo.UpdateStatus(ctx, batchID, status)
	if err != nil {
		return err
	}
	if changed {
		r.logger.Info("batch status changed", "batch_id", batchID, "status", string(status))
	}
	return nil
}

// RegisterAssociation links an item to a batch. Repeated registration of the
// same (batch, item, kind) triple is silently absorbed.
func (r *Registry) RegisterAssociation(ctx context.Context, batchID, itemID string, kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("association kind %q: %w", kind, shared.ErrConflict)
	}
	if _, err := r.repo.Batch(ctx, batchID); err != nil {
		return err
	}
	inserted, err := r.repo.InsertAssociation(ctx, Association{
		BatchID:   batchID,
		ItemID:    itemID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		r.logger.Debug("association already present", "batch_id", batchID, "item_id", itemID, "kind", string(kind))
	}
	return nil
}

// RecomputeCachedQuantity projects the batch's full ledger subsequence
// across all locations and stores the result on the batch row and in the
// cache mirror. The cache write is best effort.
func (r *Registry) RecomputeCachedQuantity(ctx context.Context, batchID string) (float64, error) {
	if _, err := r.repo.Batch(ctx, batchID); err != nil {
		return 0, err
	}
	entries, err := r.entries.BatchEntries(ctx, EntryFilter{BatchIDs: []string{batchID}})
	if err != nil {
		return 0, err
	}
	var qty float64
	for _, e := range entries {
		if e.IsVoided {
			continue
		}
		qty += e.QuantityDelta
	}
	if err := r.repo.UpdateCachedQty(ctx, batchID, qty); err != nil {
		return 0, err
	}
	if r.cache != nil {
		if err := r.cache.SetQty(ctx, batchID, qty); err != nil {
			r.logger.Warn("batch qty cache write failed", "batch_id", batchID, "error", err)
		}
	}
	return qty, nil
}

// ResolveBatchScope decides whether itemID may consume batchID as of the
// posting time. The batch's own item always may; other items need a
// registered association. Disabled, expired and used batches refuse
// consumption.
func (r *Registry) ResolveBatchScope(ctx context.Context, batchID, itemID string, at time.Time) error {
	b, err := r.repo.Batch(ctx, batchID)
	if errors.Is(err, shared.ErrNotFound) {
		return &UnavailableError{BatchID: batchID, Reason: ReasonNoStock}
	}
	if err != nil {
		return err
	}
	if b.Disabled {
		return &UnavailableError{BatchID: batchID, Reason: ReasonDisabled}
	}
	if b.Expired(at) {
		return &UnavailableError{BatchID: batchID, Reason: ReasonExpired}
	}
	if b.Status == StatusUsed {
		return &StateConflictError{BatchID: batchID, Detail: "batch is already used"}
	}
	if b.ItemID == itemID {
		return nil
	}
	linked, err := r.repo.HasAssociation(ctx, batchID, itemID)
	if err != nil {
		return err
	}
	if !linked {
		return &StateConflictError{BatchID: batchID, Detail: fmt.Sprintf("item %s is not registered for this batch", itemID)}
	}
	return nil
}
