package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryReader struct {
	entries []Entry
}

func (r *memoryReader) matches(e Entry, q WindowQuery) bool {
	if e.IsVoided || e.ItemID != q.ItemID || e.LocationID != q.LocationID {
		return false
	}
	if q.BatchID != "" && e.BatchID != q.BatchID {
		return false
	}
	for _, src := range q.ExcludeSources {
		if e.SourceID == src {
			return false
		}
	}
	return true
}

func (r *memoryReader) EntriesFrom(ctx context.Context, q WindowQuery) ([]Entry, error) {
	out := []Entry{}
	for _, e := range r.entries {
		if r.matches(e, q) && !e.EffectiveAt.Before(q.From) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryReader) OpeningBalance(ctx context.Context, q WindowQuery) (float64, error) {
	var balance float64
	for _, e := range r.entries {
		if r.matches(e, q) && e.EffectiveAt.Before(q.From) {
			balance += e.QuantityDelta
		}
	}
	return balance, nil
}

type stubResolver struct {
	err   error
	calls int
}

func (s *stubResolver) ResolveBatchScope(ctx context.Context, batchID, itemID string, at time.Time) error {
	s.calls++
	return s.err
}

var valBase = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func stocked(seq int64, offset time.Duration, delta float64, batchID string) Entry {
	return Entry{
		Seq:           seq,
		ItemID:        "ITM-1",
		LocationID:    "WH-MAIN",
		BatchID:       batchID,
		QuantityDelta: delta,
		EffectiveAt:   valBase.Add(offset),
		SourceType:    SourceStockEntry,
		SourceID:      "SE-EXISTING",
	}
}

func TestValidateRetroactiveIssueTripsOnLaterEntry(t *testing.T) {
	// +100 at t1 and -40 at t3 already exist. A retroactive -70 at t2 leaves
	// +30 at t2 but drives the t3 projection to -10.
	reader := &memoryReader{entries: []Entry{
		stocked(1, 0, 100, ""),
		stocked(2, 2*time.Hour, -40, ""),
	}}
	v := NewValidator(reader, nil, false, 1e-6)

	candidate := stocked(0, time.Hour, -70, "")
	candidate.SourceID = "SE-NEW"
	err := v.Validate(context.Background(), candidate, nil, false)

	var negErr *NegativeStockError
	require.ErrorAs(t, err, &negErr)
	require.Equal(t, "SE-EXISTING", negErr.Violation.SourceID)
	require.True(t, negErr.Violation.EffectiveAt.Equal(valBase.Add(2*time.Hour)))
	require.InDelta(t, 10, negErr.Violation.Shortfall(), 1e-9)
}

func TestValidateSufficientStockPasses(t *testing.T) {
	reader := &memoryReader{entries: []Entry{stocked(1, 0, 100, "")}}
	v := NewValidator(reader, nil, false, 1e-6)

	candidate := stocked(0, time.Hour, -60, "")
	require.NoError(t, v.Validate(context.Background(), candidate, nil, false))
}

func TestValidateSkipsPositiveNonReconciliation(t *testing.T) {
	// No stock at all, but an inbound movement never needs coverage.
	v := NewValidator(&memoryReader{}, nil, false, 1e-6)

	candidate := stocked(0, 0, 50, "")
	require.NoError(t, v.Validate(context.Background(), candidate, nil, false))
}

func TestValidateReconciliationDecreaseIsChecked(t *testing.T) {
	reader := &memoryReader{entries: []Entry{
		stocked(1, 0, 10, ""),
		stocked(2, 2*time.Hour, -10, ""),
	}}
	v := NewValidator(reader, nil, false, 1e-6)

	candidate := stocked(0, time.Hour, -5, "")
	candidate.SourceType = SourceReconciliation

	var negErr *NegativeStockError
	require.ErrorAs(t, v.Validate(context.Background(), candidate, nil, false), &negErr)
}

func TestValidateCountedReconciliationIsExempt(t *testing.T) {
	// A reconciliation decrease whose line carries a positive counted target
	// is a corrective opening, skipped at every scope.
	reader := &memoryReader{entries: []Entry{
		stocked(1, 0, 10, "B-1"),
		stocked(2, 2*time.Hour, -10, "B-1"),
	}}
	resolver := &stubResolver{}
	v := NewValidator(reader, resolver, false, 1e-6)

	candidate := stocked(0, time.Hour, -5, "B-1")
	candidate.SourceType = SourceReconciliation
	counted := 3.0
	require.NoError(t, v.Validate(context.Background(), candidate, &counted, false))
	require.Zero(t, resolver.calls)
}

func TestValidateOverrideSkipsEverything(t *testing.T) {
	v := NewValidator(&memoryReader{}, nil, false, 1e-6)

	candidate := stocked(0, 0, -500, "")
	require.NoError(t, v.Validate(context.Background(), candidate, nil, true))
}

func TestValidateAllowNegativeSkipsEverything(t *testing.T) {
	v := NewValidator(&memoryReader{}, nil, true, 1e-6)

	candidate := stocked(0, 0, -500, "")
	require.NoError(t, v.Validate(context.Background(), candidate, nil, false))
}

func TestValidateBatchScopeIndependentOfItemScope(t *testing.T) {
	// Item-level stock is plentiful, but batch B-1 only holds 5 units.
	reader := &memoryReader{entries: []Entry{
		stocked(1, 0, 100, "B-2"),
		stocked(2, 0, 5, "B-1"),
	}}
	v := NewValidator(reader, &stubResolver{}, false, 1e-6)

	candidate := stocked(0, time.Hour, -8, "B-1")
	err := v.Validate(context.Background(), candidate, nil, false)

	var negErr *NegativeStockError
	require.ErrorAs(t, err, &negErr)
	require.Equal(t, "B-1", negErr.BatchID)
	require.InDelta(t, 3, negErr.Violation.Shortfall(), 1e-9)
}

func TestValidateBatchAdmissionFailureWins(t *testing.T) {
	reader := &memoryReader{entries: []Entry{stocked(1, 0, 100, "B-1")}}
	resolver := &stubResolver{err: context.DeadlineExceeded}
	v := NewValidator(reader, resolver, false, 1e-6)

	candidate := stocked(0, time.Hour, -8, "B-1")
	require.ErrorIs(t, v.Validate(context.Background(), candidate, nil, false), context.DeadlineExceeded)
	require.Equal(t, 1, resolver.calls)
}

func TestValidateExcludedSourcesDoNotCount(t *testing.T) {
	// The window query carries the exclusion; the reader drops those rows and
	// the remaining stock no longer covers the candidate.
	reader := &memoryReader{entries: []Entry{
		stocked(1, 0, 100, ""),
	}}
	v := NewValidator(reader, nil, false, 1e-6)

	candidate := stocked(0, time.Hour, -60, "")
	require.NoError(t, v.Validate(context.Background(), candidate, nil, false))

	window, err := reader.EntriesFrom(context.Background(), WindowQuery{
		ItemID: "ITM-1", LocationID: "WH-MAIN", From: valBase, ExcludeSources: []string{"SE-EXISTING"},
	})
	require.NoError(t, err)
	require.Empty(t, window)
}
