package batch

import (
	"context"
	"sort"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

// EntryFilter narrows the batch-scoped ledger scan behind the allocator.
type EntryFilter struct {
	ItemID         string
	Locations      []string
	BatchIDs       []string
	Until          time.Time
	ExcludeSources []string
}

// LedgerSource supplies batch-scoped entries sorted by (EffectiveAt, Seq).
type LedgerSource interface {
	BatchEntries(ctx context.Context, f EntryFilter) ([]ledger.Entry, error)
}

// CatalogSource supplies batch metadata.
type CatalogSource interface {
	BatchesByID(ctx context.Context, ids []string) ([]Batch, error)
}

// ListQuery describes an availability request.
type ListQuery struct {
	ItemID         string
	Locations      []string
	BatchIDs       []string
	AsOf           time.Time
	Policy         Policy
	ExcludeSources []string
	// IncludeAll keeps disabled, expired and non-positive batches in the
	// result. Used by diagnostic and negative-balance reporting paths.
	IncludeAll bool
}

// Allocator computes per-batch availability and greedy draw-down plans.
// Every quantity is recomputed from the ledger; the batch quantity cache is
// never consulted.
type Allocator struct {
	entries LedgerSource
	catalog CatalogSource
	epsilon float64
}

// NewAllocator builds an Allocator. epsilon bounds the "near zero" band for
// quantity comparisons.
func NewAllocator(entries LedgerSource, catalog CatalogSource, epsilon float64) *Allocator {
	if epsilon <= 0 {
		epsilon = 1e-6
	}
	return &Allocator{entries: entries, catalog: catalog, epsilon: epsilon}
}

type availGroup struct {
	avail     Available
	firstAt   time.Time
	firstSeq  int64
	expiresAt *time.Time
}

// ListAvailable computes per-batch balances as of q.AsOf over each batch's
// ledger subsequence, filters unusable batches, and orders the result by the
// requested policy. Ties inside one effective instant follow entry insertion
// order, never batch identifier ordering.
func (a *Allocator) ListAvailable(ctx context.Context, q ListQuery) ([]Available, error) {
	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	entries, err := a.entries.BatchEntries(ctx, EntryFilter{
		ItemID:         q.ItemID,
		Locations:      q.Locations,
		BatchIDs:       q.BatchIDs,
		Until:          asOf,
		ExcludeSources: q.ExcludeSources,
	})
	if err != nil {
		return nil, err
	}

	groups := map[string]*availGroup{}
	order := []string{}
	for _, e := range entries {
		if e.IsVoided || e.BatchID == "" {
			continue
		}
		key := e.BatchID + "\x00" + e.LocationID
		g, ok := groups[key]
		if !ok {
			g = &availGroup{
				avail:    Available{BatchID: e.BatchID, LocationID: e.LocationID},
				firstAt:  e.EffectiveAt,
				firstSeq: e.Seq,
			}
			groups[key] = g
			order = append(order, key)
		}
		g.avail.Qty += e.QuantityDelta
	}

	ids := make([]string, 0, len(groups))
	seen := map[string]struct{}{}
	for _, key := range order {
		id := groups[key].avail.BatchID
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	metas, err := a.catalog.BatchesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	metaByID := make(map[string]Batch, len(metas))
	for _, m := range metas {
		metaByID[m.ID] = m
	}

	result := make([]*availGroup, 0, len(order))
	for _, key := range order {
		g := groups[key]
		meta, known := metaByID[g.avail.BatchID]
		if known {
			g.expiresAt = meta.ExpiresAt
		}
		if !q.IncludeAll {
			if !known || meta.Disabled || meta.Expired(asOf) || g.avail.Qty <= a.epsilon {
				continue
			}
		}
		result = append(result, g)
	}

	if len(result) == 0 && len(q.BatchIDs) == 1 && !q.IncludeAll {
		return nil, a.unavailable(ctx, q.BatchIDs[0], metaByID, asOf)
	}

	sortGroups(result, q.Policy)

	out := make([]Available, 0, len(result))
	for _, g := range result {
		out = append(out, g.avail)
	}
	return out, nil
}

// AllocateQuery describes an allocation request.
type AllocateQuery struct {
	ItemID         string
	Qty            float64
	Policy         Policy
	Locations      []string
	BatchIDs       []string
	AsOf           time.Time
	ExcludeSources []string
}

// Allocate greedily walks the policy-ordered availability list, drawing
// min(remaining, available) from each batch until the request is satisfied.
// Shortfall is returned, never raised: the caller decides whether running
// short is an error.
func (a *Allocator) Allocate(ctx context.Context, q AllocateQuery) ([]Allocation, float64, error) {
	available, err := a.ListAvailable(ctx, ListQuery{
		ItemID:         q.ItemID,
		Locations:      q.Locations,
		BatchIDs:       q.BatchIDs,
		AsOf:           q.AsOf,
		Policy:         q.Policy,
		ExcludeSources: q.ExcludeSources,
	})
	if err != nil {
		return nil, 0, err
	}

	remaining := q.Qty
	allocations := []Allocation{}
	index := map[string]int{}
	for _, row := range available {
		if remaining <= a.epsilon {
			remaining = 0
			break
		}
		take := row.Qty
		if take > remaining {
			take = remaining
		}
		remaining -= take
		if i, ok := index[row.BatchID]; ok {
			allocations[i].Qty += take
			continue
		}
		index[row.BatchID] = len(allocations)
		allocations = append(allocations, Allocation{BatchID: row.BatchID, Qty: take})
	}
	if remaining <= a.epsilon {
		remaining = 0
	}
	return allocations, remaining, nil
}

func (a *Allocator) unavailable(ctx context.Context, batchID string, metas map[string]Batch, asOf time.Time) error {
	meta, known := metas[batchID]
	if !known {
		if fetched, err := a.catalog.BatchesByID(ctx, []string{batchID}); err == nil && len(fetched) == 1 {
			meta, known = fetched[0], true
		}
	}
	switch {
	case known && meta.Disabled:
		return &UnavailableError{BatchID: batchID, Reason: ReasonDisabled}
	case known && meta.Expired(asOf):
		return &UnavailableError{BatchID: batchID, Reason: ReasonExpired}
	default:
		return &UnavailableError{BatchID: batchID, Reason: ReasonNoStock}
	}
}

func sortGroups(groups []*availGroup, policy Policy) {
	older := func(x, y *availGroup) bool {
		if !x.firstAt.Equal(y.firstAt) {
			return x.firstAt.Before(y.firstAt)
		}
		return x.firstSeq < y.firstSeq
	}
	sort.SliceStable(groups, func(i, j int) bool {
		x, y := groups[i], groups[j]
		switch policy {
		case PolicyMostRecent:
			return older(y, x)
		case PolicyNearestExpiry:
			switch {
			case x.expiresAt == nil && y.expiresAt == nil:
				return older(x, y)
			case x.expiresAt == nil:
				return false
			case y.expiresAt == nil:
				return true
			case !x.expiresAt.Equal(*y.expiresAt):
				return x.expiresAt.Before(*y.expiresAt)
			}
			return older(x, y)
		default:
			return older(x, y)
		}
	})
}
