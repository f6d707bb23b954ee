package ledger

import (
	"errors"
	"fmt"
	"time"
)

// SourceType identifies the kind of document that produced a ledger entry.
type SourceType string

const (
	// SourceStockEntry covers manufacture, transfer and consumption movements.
	SourceStockEntry SourceType = "STOCK_ENTRY"
	// SourceReceipt represents inbound goods receipts.
	SourceReceipt SourceType = "RECEIPT"
	// SourceDelivery represents outbound deliveries.
	SourceDelivery SourceType = "DELIVERY"
	// SourceReconciliation represents counted-stock corrections.
	SourceReconciliation SourceType = "RECONCILIATION"
)

// Entry is an immutable signed quantity movement for an item at a location,
// optionally scoped to a batch. Entries are ordered by (EffectiveAt, Seq);
// Seq is the insertion sequence and breaks same-instant ties.
type Entry struct {
	Seq           int64
	ItemID        string
	LocationID    string
	BatchID       string
	QuantityDelta float64
	EffectiveAt   time.Time
	SourceType    SourceType
	SourceID      string
	SourceLineID  string
	IsVoided      bool
	CreatedAt     time.Time
}

// Scope returns the item-level grouping key of the entry.
func (e Entry) Scope() string {
	return e.ItemID + "@" + e.LocationID
}

// BatchScope returns the batch-level grouping key, or "" when unbatched.
func (e Entry) BatchScope() string {
	if e.BatchID == "" {
		return ""
	}
	return e.ItemID + "@" + e.LocationID + "#" + e.BatchID
}

// ViolatingEntry describes the first point at which a projected running
// balance goes negative.
type ViolatingEntry struct {
	SourceType   SourceType
	SourceID     string
	EffectiveAt  time.Time
	BalanceAfter float64
}

// Shortfall reports how many units are missing at the violation point.
func (v ViolatingEntry) Shortfall() float64 {
	if v.BalanceAfter >= 0 {
		return 0
	}
	return -v.BalanceAfter
}

// NegativeStockError is returned when accepting a candidate entry would drive
// a running balance negative at or after its effective time. It is always
// fatal to the enclosing transaction.
type NegativeStockError struct {
	ItemID     string
	LocationID string
	BatchID    string // empty for item-scope violations
	Violation  ViolatingEntry
}

func (e *NegativeStockError) Error() string {
	if e.BatchID != "" {
		return fmt.Sprintf("ledger: %.6f units of item %s (batch %s) needed at %s on %s for %s %s",
			e.Violation.Shortfall(), e.ItemID, e.BatchID, e.LocationID,
			e.Violation.EffectiveAt.Format(time.RFC3339), e.Violation.SourceType, e.Violation.SourceID)
	}
	return fmt.Sprintf("ledger: %.6f units of item %s needed at %s on %s for %s %s",
		e.Violation.Shortfall(), e.ItemID, e.LocationID,
		e.Violation.EffectiveAt.Format(time.RFC3339), e.Violation.SourceType, e.Violation.SourceID)
}

// ErrInvalidQuantity indicates a zero quantity delta.
var ErrInvalidQuantity = errors.New("ledger: quantity delta must be non zero")

// ErrMissingScope indicates a candidate without item or location.
var ErrMissingScope = errors.New("ledger: item and location required")

// ErrSourceNotFound indicates no entries exist for a source document.
var ErrSourceNotFound = errors.New("ledger: source document has no entries")
