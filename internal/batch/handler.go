package batch

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// AllocationObserver records allocation outcomes for monitoring.
type AllocationObserver interface {
	ObserveAllocation(outcome string)
}

// Handler wires HTTP endpoints for the batch module.
type Handler struct {
	logger        *slog.Logger
	allocator     *Allocator
	registry      *Registry
	defaultPolicy Policy
	validator     *validator.Validate
	observer      AllocationObserver
}

// NewHandler constructs the batch handler. defaultPolicy applies when a
// request omits one.
func NewHandler(logger *slog.Logger, allocator *Allocator, registry *Registry, defaultPolicy Policy) *Handler {
	if !defaultPolicy.Valid() {
		defaultPolicy = PolicyChronological
	}
	return &Handler{
		logger:        logger,
		allocator:     allocator,
		registry:      registry,
		defaultPolicy: defaultPolicy,
		validator:     validator.New(),
	}
}

// WithObserver attaches an outcome observer.
func (h *Handler) WithObserver(o AllocationObserver) *Handler {
	h.observer = o
	return h
}

func (h *Handler) observe(outcome string) {
	if h.observer != nil {
		h.observer.ObserveAllocation(outcome)
	}
}

// MountRoutes registers batch routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/available", h.handleAvailable)
	r.Post("/allocate", h.handleAllocate)
	r.Post("/{batchID}/status", h.handleSetStatus)
	r.Post("/{batchID}/associations", h.handleRegisterAssociation)
}

func (h *Handler) policyOrDefault(raw string) (Policy, error) {
	if raw == "" {
		return h.defaultPolicy, nil
	}
	p := Policy(raw)
	if !p.Valid() {
		return "", errors.New("policy must be chronological, most_recent or nearest_expiry")
	}
	return p, nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type availableRow struct {
	BatchID    string  `json:"batch_id"`
	LocationID string  `json:"location_id"`
	Qty        float64 `json:"qty"`
}

func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("item_id") == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "item_id is required")
		return
	}
	policy, err := h.policyOrDefault(q.Get("policy"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	query := ListQuery{
		ItemID:         q.Get("item_id"),
		Locations:      splitCSV(q.Get("locations")),
		BatchIDs:       splitCSV(q.Get("batch_ids")),
		Policy:         policy,
		ExcludeSources: splitCSV(q.Get("exclude_sources")),
		IncludeAll:     q.Get("include_all") == "true",
	}
	if asOf := q.Get("as_of"); asOf != "" {
		parsed, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "as_of must be RFC3339")
			return
		}
		query.AsOf = parsed
	}
	available, err := h.allocator.ListAvailable(r.Context(), query)
	if err != nil {
		h.respondError(w, err)
		return
	}
	rows := make([]availableRow, 0, len(available))
	for _, a := range available {
		rows = append(rows, availableRow{BatchID: a.BatchID, LocationID: a.LocationID, Qty: a.Qty})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"available": rows})
}

type allocateRequest struct {
	ItemID         string   `json:"item_id" validate:"required"`
	Qty            float64  `json:"qty" validate:"required,gt=0"`
	Policy         string   `json:"policy"`
	Locations      []string `json:"locations"`
	BatchIDs       []string `json:"batch_ids"`
	AsOf           string   `json:"as_of"`
	ExcludeSources []string `json:"exclude_sources"`
}

type allocationRow struct {
	BatchID string  `json:"batch_id"`
	Qty     float64 `json:"qty"`
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	policy, err := h.policyOrDefault(req.Policy)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	query := AllocateQuery{
		ItemID:         req.ItemID,
		Qty:            req.Qty,
		Policy:         policy,
		Locations:      req.Locations,
		BatchIDs:       req.BatchIDs,
		ExcludeSources: req.ExcludeSources,
	}
	if req.AsOf != "" {
		parsed, err := time.Parse(time.RFC3339, req.AsOf)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "as_of must be RFC3339")
			return
		}
		query.AsOf = parsed
	}
	allocations, shortfall, err := h.allocator.Allocate(r.Context(), query)
	if err != nil {
		h.observe("error")
		h.respondError(w, err)
		return
	}
	if shortfall > 0 {
		h.observe("shortfall")
	} else {
		h.observe("ok")
	}
	rows := make([]allocationRow, 0, len(allocations))
	for _, a := range allocations {
		rows = append(rows, allocationRow{BatchID: a.BatchID, Qty: a.Qty})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"allocations": rows,
		"shortfall":   shortfall,
	})
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=empty used"`
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.registry.SetStatus(r.Context(), batchID, Status(req.Status)); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "status": req.Status})
}

type associationRequest struct {
	ItemID string `json:"item_id" validate:"required"`
	Kind   string `json:"kind" validate:"required,oneof=production sub_assembly conversion"`
}

func (h *Handler) handleRegisterAssociation(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	var req associationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.registry.RegisterAssociation(r.Context(), batchID, req.ItemID, Kind(req.Kind)); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"item_id":  req.ItemID,
		"kind":     req.Kind,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var unavailable *UnavailableError
	var conflict *StateConflictError
	switch {
	case errors.As(err, &unavailable):
		httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"title":    "Batch Unavailable",
			"status":   http.StatusUnprocessableEntity,
			"detail":   unavailable.Error(),
			"batch_id": unavailable.BatchID,
			"reason":   string(unavailable.Reason),
		})
	case errors.As(err, &conflict):
		httpx.JSON(w, http.StatusConflict, map[string]any{
			"title":    "Batch State Conflict",
			"status":   http.StatusConflict,
			"detail":   conflict.Error(),
			"batch_id": conflict.BatchID,
		})
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	default:
		h.logger.Error("batch request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
