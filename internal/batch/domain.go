package batch

import (
	"fmt"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Status is the two-state lifecycle of a batch container.
type Status string

const (
	// StatusEmpty means no finalised document has claimed the batch.
	StatusEmpty Status = "empty"
	// StatusUsed means a finalised consuming document holds the batch.
	StatusUsed Status = "used"
)

// Valid reports whether the status is one of the two known states.
func (s Status) Valid() bool {
	return s == StatusEmpty || s == StatusUsed
}

// Kind distinguishes how a batch participates in production.
type Kind string

const (
	// KindProduction marks a batch owned by a top-level production item.
	KindProduction Kind = "production"
	// KindSubAssembly marks a batch shared with sub-assembly items.
	KindSubAssembly Kind = "sub_assembly"
	// KindConversion marks a batch shared with unit-of-measure conversions.
	KindConversion Kind = "conversion"
)

// Valid reports whether the kind is known.
func (k Kind) Valid() bool {
	switch k {
	case KindProduction, KindSubAssembly, KindConversion:
		return true
	}
	return false
}

// Batch is a finite-quantity stock container with its own lifecycle.
// CachedQty is derived and recomputed; the ledger is the source of truth.
type Batch struct {
	ID        string
	ItemID    string
	Kind      Kind
	Disabled  bool
	ExpiresAt *time.Time
	Status    Status
	CachedQty float64
	CreatedAt time.Time
}

// Expired reports whether the batch is expired as of the given instant.
func (b Batch) Expired(at time.Time) bool {
	return b.ExpiresAt != nil && at.After(*b.ExpiresAt)
}

// Association links a batch to an item it was used to produce, convert or
// assemble. Unique on (BatchID, ItemID) per kind.
type Association struct {
	BatchID   string
	ItemID    string
	Kind      Kind
	CreatedAt time.Time
}

// Policy selects the order in which batches are drawn down.
type Policy string

const (
	// PolicyChronological consumes the batch whose stock arrived first.
	PolicyChronological Policy = "chronological"
	// PolicyMostRecent consumes the batch whose stock arrived last.
	PolicyMostRecent Policy = "most_recent"
	// PolicyNearestExpiry consumes the batch expiring soonest.
	PolicyNearestExpiry Policy = "nearest_expiry"
)

// Valid reports whether the policy is known.
func (p Policy) Valid() bool {
	switch p {
	case PolicyChronological, PolicyMostRecent, PolicyNearestExpiry:
		return true
	}
	return false
}

// Available is a per-batch, per-location quantity as of a point in time.
type Available struct {
	BatchID    string
	LocationID string
	Qty        float64
}

// Allocation is one slice of an allocation result.
type Allocation struct {
	BatchID string
	Qty     float64
}

// UnavailableReason explains why a demanded batch cannot serve.
type UnavailableReason string

const (
	ReasonDisabled UnavailableReason = "disabled"
	ReasonExpired  UnavailableReason = "expired"
	ReasonNoStock  UnavailableReason = "no stock"
)

// UnavailableError is returned when a specifically demanded batch is
// disabled, expired, or holds no usable quantity.
type UnavailableError struct {
	BatchID string
	Reason  UnavailableReason
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("batch: %s is unavailable: %s", e.BatchID, e.Reason)
}

// Is matches the shared sentinel so callers outside this package can
// classify the refusal.
func (e *UnavailableError) Is(target error) bool {
	return target == shared.ErrBatchUnavailable
}

// StateConflictError is returned when a document tries to consume a batch in
// the wrong state, or a batch registered to a different item.
type StateConflictError struct {
	BatchID string
	Detail  string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("batch: %s: %s", e.BatchID, e.Detail)
}

// Is matches the shared sentinel so callers outside this package can
// classify the conflict.
func (e *StateConflictError) Is(target error) bool {
	return target == shared.ErrBatchStateConflict
}
