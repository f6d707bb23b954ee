package ledger

import (
	"context"
	"time"
)

// WindowQuery selects a scope's forward window of non-voided entries.
// BatchID narrows the scope to the batch subsequence. ExcludeSources drops
// entries belonging to the given source documents, so a document can ask
// "what would hold if my own in-flight entries did not count".
type WindowQuery struct {
	ItemID         string
	LocationID     string
	BatchID        string
	From           time.Time
	ExcludeSources []string
}

// Reader is the read side of the ledger store used by validation.
type Reader interface {
	// EntriesFrom returns non-voided entries with EffectiveAt >= From,
	// sorted by (EffectiveAt, Seq).
	EntriesFrom(ctx context.Context, q WindowQuery) ([]Entry, error)
	// OpeningBalance sums non-voided deltas strictly before From.
	OpeningBalance(ctx context.Context, q WindowQuery) (float64, error)
}

// BatchResolver decides whether an item may consume a batch. The registered
// batch item always may; items linked through a conversion or sub-assembly
// association may as well. Anything else is a state conflict.
type BatchResolver interface {
	ResolveBatchScope(ctx context.Context, batchID, itemID string, at time.Time) error
}

// Validator rejects candidate entries that would cause a negative projected
// balance at or after their effective time, at item scope and batch scope.
type Validator struct {
	reader   Reader
	batches  BatchResolver
	allowNeg bool
	epsilon  float64
}

// NewValidator builds a Validator. batches may be nil when batch-level
// checks are not needed (pure item-scope callers).
func NewValidator(reader Reader, batches BatchResolver, allowNegative bool, epsilon float64) *Validator {
	return &Validator{reader: reader, batches: batches, allowNeg: allowNegative, epsilon: epsilon}
}

// Validate checks the candidate against the future window of its scopes.
// countedQty carries the positive counted target quantity recorded on the
// same reconciliation line, when present.
//
// Skip rules mirror the asymmetry of risk: negative-stock checking only
// guards net-reducing movements and reconciliation decreases. A
// reconciliation decrease covered by a positive counted quantity on the same
// line is a corrective opening, not a depletion, and is exempt.
func (v *Validator) Validate(ctx context.Context, candidate Entry, countedQty *float64, overrideAllowed bool) error {
	if v.allowNeg || overrideAllowed {
		return nil
	}
	if candidate.SourceType == SourceReconciliation &&
		candidate.QuantityDelta < 0 &&
		countedQty != nil && *countedQty > 0 {
		return nil
	}
	if candidate.QuantityDelta >= 0 && candidate.SourceType != SourceReconciliation {
		return nil
	}

	if err := v.validateScope(ctx, candidate, WindowQuery{
		ItemID:     candidate.ItemID,
		LocationID: candidate.LocationID,
		From:       candidate.EffectiveAt,
	}); err != nil {
		return err
	}

	if candidate.BatchID == "" {
		return nil
	}
	if v.batches != nil {
		if err := v.batches.ResolveBatchScope(ctx, candidate.BatchID, candidate.ItemID, candidate.EffectiveAt); err != nil {
			return err
		}
	}
	return v.validateScope(ctx, candidate, WindowQuery{
		ItemID:     candidate.ItemID,
		LocationID: candidate.LocationID,
		BatchID:    candidate.BatchID,
		From:       candidate.EffectiveAt,
	})
}

func (v *Validator) validateScope(ctx context.Context, candidate Entry, q WindowQuery) error {
	window, err := v.reader.EntriesFrom(ctx, q)
	if err != nil {
		return err
	}
	opening, err := v.reader.OpeningBalance(ctx, q)
	if err != nil {
		return err
	}
	window = InsertCandidate(window, candidate)
	neg, found := FirstNegative(window, opening, v.epsilon)
	if !found {
		return nil
	}
	return &NegativeStockError{
		ItemID:     candidate.ItemID,
		LocationID: candidate.LocationID,
		BatchID:    q.BatchID,
		Violation: ViolatingEntry{
			SourceType:   neg.Entry.SourceType,
			SourceID:     neg.Entry.SourceID,
			EffectiveAt:  neg.Entry.EffectiveAt,
			BalanceAfter: neg.Balance,
		},
	}
}
