package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	BalanceAsOf(ctx context.Context, q WindowQuery, at time.Time) (float64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recomputer schedules a deferred cached-quantity refresh for a batch after
// a ledger write touches it.
type Recomputer interface {
	EnqueueBatchRecompute(ctx context.Context, batchID string) error
}

// ServiceConfig groups posting settings.
type ServiceConfig struct {
	// AllowNegativeStock disables negative-stock validation globally.
	AllowNegativeStock bool
	// QtyEpsilon absorbs floating rounding wherever negativity is tested.
	QtyEpsilon float64
}

// Service coordinates validate-then-append posting and cancellation.
type Service struct {
	repo        RepositoryPort
	batches     BatchResolver
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	recompute   Recomputer
	cfg         ServiceConfig
}

// NewService builds Service. audit, idempotency and recompute may be nil.
func NewService(repo RepositoryPort, batches BatchResolver, audit AuditPort, idem *shared.IdempotencyStore, recompute Recomputer, cfg ServiceConfig) *Service {
	if cfg.QtyEpsilon <= 0 {
		cfg.QtyEpsilon = 1e-6
	}
	return &Service{repo: repo, batches: batches, audit: audit, idempotency: idem, recompute: recompute, cfg: cfg}
}

// AppendInput describes a candidate movement.
type AppendInput struct {
	ItemID        string
	LocationID    string
	BatchID       string
	QuantityDelta float64
	EffectiveAt   time.Time
	SourceType    SourceType
	SourceID      string
	SourceLineID  string
	// CountedQty is the positive counted target quantity recorded on the same
	// reconciliation line, when the source is a reconciliation.
	CountedQty *float64
	// OverrideAllowed marks a per-item or per-transaction negative stock
	// exemption granted by the caller.
	OverrideAllowed bool
	ActorID         int64
}

// Append validates the candidate against its item and batch scopes and, on
// success, persists it. Validate and append run inside one transaction while
// holding the scope locks, so two concurrent candidates for the same scope
// cannot both pass on the same stale balance.
func (s *Service) Append(ctx context.Context, input AppendInput) (Entry, error) {
	if input.ItemID == "" || input.LocationID == "" {
		return Entry{}, ErrMissingScope
	}
	if input.QuantityDelta == 0 {
		return Entry{}, ErrInvalidQuantity
	}
	effectiveAt := input.EffectiveAt
	if effectiveAt.IsZero() {
		effectiveAt = time.Now().UTC()
	}
	candidate := Entry{
		ItemID:        input.ItemID,
		LocationID:    input.LocationID,
		BatchID:       input.BatchID,
		QuantityDelta: input.QuantityDelta,
		EffectiveAt:   effectiveAt,
		SourceType:    input.SourceType,
		SourceID:      input.SourceID,
		SourceLineID:  input.SourceLineID,
	}

	key := fmt.Sprintf("%s:%s:%s", input.SourceType, input.SourceID, input.SourceLineID)
	insertedKey := false
	if s.idempotency != nil && input.SourceID != "" {
		if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			return Entry{}, err
		}
		insertedKey = true
	}

	var appended Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.LockScope(ctx, candidate.Scope()); err != nil {
			return err
		}
		if candidate.BatchID != "" {
			if err := tx.LockScope(ctx, candidate.BatchScope()); err != nil {
				return err
			}
		}
		validator := NewValidator(tx, s.batches, s.cfg.AllowNegativeStock, s.cfg.QtyEpsilon)
		if err := validator.Validate(ctx, candidate, input.CountedQty, input.OverrideAllowed); err != nil {
			return err
		}
		inserted, err := tx.Insert(ctx, candidate)
		if err != nil {
			return err
		}
		appended = inserted
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Entry{}, err
	}

	s.postProcess(ctx, input.ActorID, "ledger:append", appended)
	return appended, nil
}

// Validate dry-runs the negative-stock check without locking or appending.
func (s *Service) Validate(ctx context.Context, input AppendInput) error {
	if input.ItemID == "" || input.LocationID == "" {
		return ErrMissingScope
	}
	if input.QuantityDelta == 0 {
		return ErrInvalidQuantity
	}
	effectiveAt := input.EffectiveAt
	if effectiveAt.IsZero() {
		effectiveAt = time.Now().UTC()
	}
	candidate := Entry{
		ItemID:        input.ItemID,
		LocationID:    input.LocationID,
		BatchID:       input.BatchID,
		QuantityDelta: input.QuantityDelta,
		EffectiveAt:   effectiveAt,
		SourceType:    input.SourceType,
		SourceID:      input.SourceID,
		SourceLineID:  input.SourceLineID,
	}
	validator := NewValidator(s.repo, s.batches, s.cfg.AllowNegativeStock, s.cfg.QtyEpsilon)
	return validator.Validate(ctx, candidate, input.CountedQty, input.OverrideAllowed)
}

// Cancel reverses a finalised source document by flagging its entries voided.
// Voided entries drop out of every balance projection; the rows themselves
// are kept so historical queries can reproduce the sequence valid at posting
// time.
func (s *Service) Cancel(ctx context.Context, sourceType SourceType, sourceID string, actorID int64) ([]Entry, error) {
	if sourceID == "" {
		return nil, ErrSourceNotFound
	}
	var voided []Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		entries, err := tx.EntriesBySource(ctx, sourceType, sourceID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return ErrSourceNotFound
		}
		for _, scope := range sortedScopes(entries) {
			if err := tx.LockScope(ctx, scope); err != nil {
				return err
			}
		}
		voided, err = tx.VoidSource(ctx, sourceType, sourceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, e := range voided {
		s.postProcess(ctx, actorID, "ledger:void", e)
	}
	return voided, nil
}

// BalanceAsOf answers a point balance query straight from the ledger.
func (s *Service) BalanceAsOf(ctx context.Context, q WindowQuery, at time.Time) (float64, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return s.repo.BalanceAsOf(ctx, q, at)
}

func (s *Service) postProcess(ctx context.Context, actorID int64, action string, e Entry) {
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   "stock_ledger_entry",
			EntityID: fmt.Sprintf("%d", e.Seq),
			Meta: map[string]any{
				"item_id":     e.ItemID,
				"location_id": e.LocationID,
				"batch_id":    e.BatchID,
				"qty_delta":   e.QuantityDelta,
				"source":      fmt.Sprintf("%s:%s", e.SourceType, e.SourceID),
			},
		})
	}
	if s.recompute != nil && e.BatchID != "" {
		_ = s.recompute.EnqueueBatchRecompute(ctx, e.BatchID)
	}
}

// sortedScopes returns the distinct lock scopes of entries in a stable order
// so concurrent cancellations acquire locks without deadlocking.
func sortedScopes(entries []Entry) []string {
	seen := map[string]struct{}{}
	scopes := []string{}
	for _, e := range entries {
		for _, scope := range []string{e.Scope(), e.BatchScope()} {
			if scope == "" {
				continue
			}
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			scopes = append(scopes, scope)
		}
	}
	sort.Strings(scopes)
	return scopes
}
