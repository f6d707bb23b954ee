package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memoryRepo struct {
	batches      map[string]Batch
	associations map[string]Association
	statusWrites int
}

func newMemoryRepo(batches ...Batch) *memoryRepo {
	r := &memoryRepo{batches: map[string]Batch{}, associations: map[string]Association{}}
	for _, b := range batches {
		r.batches[b.ID] = b
	}
	return r
}

func assocKey(a Association) string {
	return fmt.Sprintf("%s:%s:%s", a.BatchID, a.ItemID, a.Kind)
}

func (r *memoryRepo) Batch(ctx context.Context, id string) (Batch, error) {
	b, ok := r.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("batch: %w", shared.ErrNotFound)
	}
	return b, nil
}

func (r *memoryRepo) UpdateStatus(ctx context.Context, id string, status Status) (bool, error) {
	b := r.batches[id]
	if b.Status == status {
		return false, nil
	}
	b.Status = status
	r.batches[id] = b
	r.statusWrites++
	return true, nil
}

func (r *memoryRepo) InsertAssociation(ctx context.Context, a Association) (bool, error) {
	key := assocKey(a)
	if _, ok := r.associations[key]; ok {
		return false, nil
	}
	r.associations[key] = a
	return true, nil
}

func (r *memoryRepo) HasAssociation(ctx context.Context, batchID, itemID string) (bool, error) {
	for _, a := range r.associations {
		if a.BatchID == batchID && a.ItemID == itemID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) UpdateCachedQty(ctx context.Context, id string, qty float64) error {
	b, ok := r.batches[id]
	if !ok {
		return fmt.Errorf("batch: %w", shared.ErrNotFound)
	}
	b.CachedQty = qty
	r.batches[id] = b
	return nil
}

type memoryQtyCache struct {
	values map[string]float64
}

func (c *memoryQtyCache) SetQty(ctx context.Context, batchID string, qty float64) error {
	if c.values == nil {
		c.values = map[string]float64{}
	}
	c.values[batchID] = qty
	return nil
}

var regBase = time.Date(2026, 4, 5, 9, 0, 0, 0, time.UTC)

func productionBatch(id string) Batch {
	return Batch{ID: id, ItemID: "ITM-1", Kind: KindProduction, Status: StatusEmpty, CreatedAt: regBase}
}

func TestSetStatusTransitionsAndIsIdempotent(t *testing.T) {
	repo := newMemoryRepo(productionBatch("B-1"))
	reg := NewRegistry(repo, &memoryLedgerSource{}, nil, nil)
	ctx := context.Background()

	require.NoError(t, reg.SetStatus(ctx, "B-1", StatusUsed))
	require.Equal(t, StatusUsed, repo.batches["B-1"].Status)

	// Repeating the same transition writes nothing.
	require.NoError(t, reg.SetStatus(ctx, "B-1", StatusUsed))
	require.Equal(t, 1, repo.statusWrites)

	require.NoError(t, reg.SetStatus(ctx, "B-1", StatusEmpty))
	require.Equal(t, StatusEmpty, repo.batches["B-1"].Status)
}

func TestSetStatusRejectsUnknownBatchAndStatus(t *testing.T) {
	reg := NewRegistry(newMemoryRepo(productionBatch("B-1")), &memoryLedgerSource{}, nil, nil)
	ctx := context.Background()

	require.ErrorIs(t, reg.SetStatus(ctx, "B-MISSING", StatusUsed), shared.ErrNotFound)
	require.ErrorIs(t, reg.SetStatus(ctx, "B-1", Status("archived")), shared.ErrConflict)
}

func TestRegisterAssociationIsIdempotent(t *testing.T) {
	repo := newMemoryRepo(productionBatch("B-1"))
	reg := NewRegistry(repo, &memoryLedgerSource{}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, reg.RegisterAssociation(ctx, "B-1", "ITM-CONV", KindConversion))
	}
	require.Len(t, repo.associations, 1)
}

func TestRegisterAssociationRejectsUnknownKind(t *testing.T) {
	reg := NewRegistry(newMemoryRepo(productionBatch("B-1")), &memoryLedgerSource{}, nil, nil)

	err := reg.RegisterAssociation(context.Background(), "B-1", "ITM-CONV", Kind("alias"))
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestRecomputeCachedQuantity(t *testing.T) {
	repo := newMemoryRepo(productionBatch("B-1"))
	voided := receipt(3, 2*time.Hour, "B-1", -4)
	voided.IsVoided = true
	otherLoc := receipt(2, time.Hour, "B-1", 7)
	otherLoc.LocationID = "WH-AUX"
	source := &memoryLedgerSource{entries: []ledger.Entry{
		receipt(1, 0, "B-1", 20),
		otherLoc,
		voided,
		receipt(4, 3*time.Hour, "B-2", 99),
	}}
	cache := &memoryQtyCache{}
	reg := NewRegistry(repo, source, cache, nil)

	qty, err := reg.RecomputeCachedQuantity(context.Background(), "B-1")
	require.NoError(t, err)
	require.InDelta(t, 27, qty, 1e-9)
	require.InDelta(t, 27, repo.batches["B-1"].CachedQty, 1e-9)
	require.InDelta(t, 27, cache.values["B-1"], 1e-9)
}

func TestResolveBatchScopeOwnItem(t *testing.T) {
	reg := NewRegistry(newMemoryRepo(productionBatch("B-1")), &memoryLedgerSource{}, nil, nil)

	require.NoError(t, reg.ResolveBatchScope(context.Background(), "B-1", "ITM-1", regBase))
}

func TestResolveBatchScopeAssociatedItem(t *testing.T) {
	repo := newMemoryRepo(productionBatch("B-1"))
	reg := NewRegistry(repo, &memoryLedgerSource{}, nil, nil)
	ctx := context.Background()

	err := reg.ResolveBatchScope(ctx, "B-1", "ITM-CONV", regBase)
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)

	require.NoError(t, reg.RegisterAssociation(ctx, "B-1", "ITM-CONV", KindConversion))
	require.NoError(t, reg.ResolveBatchScope(ctx, "B-1", "ITM-CONV", regBase))
}

func TestResolveBatchScopeRefusals(t *testing.T) {
	disabled := productionBatch("B-DIS")
	disabled.Disabled = true
	expiresAt := regBase.Add(-time.Hour)
	expired := productionBatch("B-EXP")
	expired.ExpiresAt = &expiresAt
	used := productionBatch("B-USED")
	used.Status = StatusUsed
	reg := NewRegistry(newMemoryRepo(disabled, expired, used), &memoryLedgerSource{}, nil, nil)
	ctx := context.Background()

	var unavailable *UnavailableError
	require.ErrorAs(t, reg.ResolveBatchScope(ctx, "B-DIS", "ITM-1", regBase), &unavailable)
	require.Equal(t, ReasonDisabled, unavailable.Reason)

	require.ErrorAs(t, reg.ResolveBatchScope(ctx, "B-EXP", "ITM-1", regBase), &unavailable)
	require.Equal(t, ReasonExpired, unavailable.Reason)

	require.ErrorAs(t, reg.ResolveBatchScope(ctx, "B-MISSING", "ITM-1", regBase), &unavailable)
	require.Equal(t, ReasonNoStock, unavailable.Reason)

	var conflict *StateConflictError
	require.ErrorAs(t, reg.ResolveBatchScope(ctx, "B-USED", "ITM-1", regBase), &conflict)
}

func TestResolveBatchScopeExpiryUsesPostingDate(t *testing.T) {
	expiresAt := regBase.Add(24 * time.Hour)
	b := productionBatch("B-1")
	b.ExpiresAt = &expiresAt
	reg := NewRegistry(newMemoryRepo(b), &memoryLedgerSource{}, nil, nil)
	ctx := context.Background()

	// Posting dated before expiry passes even if "now" is far beyond it.
	require.NoError(t, reg.ResolveBatchScope(ctx, "B-1", "ITM-1", regBase.Add(time.Hour)))

	var unavailable *UnavailableError
	require.ErrorAs(t, reg.ResolveBatchScope(ctx, "B-1", "ITM-1", regBase.Add(48*time.Hour)), &unavailable)
	require.Equal(t, ReasonExpired, unavailable.Reason)
}

func TestRefusalErrorsMatchSharedSentinels(t *testing.T) {
	unavailable := &UnavailableError{BatchID: "B-1", Reason: ReasonDisabled}
	require.ErrorIs(t, unavailable, shared.ErrBatchUnavailable)
	require.NotErrorIs(t, unavailable, shared.ErrBatchStateConflict)

	conflict := &StateConflictError{BatchID: "B-1", Detail: "status is used, expected empty"}
	require.ErrorIs(t, conflict, shared.ErrBatchStateConflict)
	require.NotErrorIs(t, conflict, shared.ErrBatchUnavailable)
}
