package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// ValidationObserver records validation outcomes for monitoring.
type ValidationObserver interface {
	ObserveValidation(outcome string)
}

// Handler wires HTTP endpoints for the ledger module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	observer  ValidationObserver
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// WithObserver attaches an outcome observer.
func (h *Handler) WithObserver(o ValidationObserver) *Handler {
	h.observer = o
	return h
}

func (h *Handler) observe(outcome string) {
	if h.observer != nil {
		h.observer.ObserveValidation(outcome)
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/entries", h.handleAppend)
	r.Post("/entries/validate", h.handleValidate)
	r.Post("/cancel", h.handleCancel)
	r.Get("/balance", h.handleBalance)
}

type entryRequest struct {
	ItemID          string   `json:"item_id" validate:"required"`
	LocationID      string   `json:"location_id" validate:"required"`
	BatchID         string   `json:"batch_id"`
	QuantityDelta   float64  `json:"quantity_delta" validate:"required"`
	EffectiveAt     string   `json:"effective_at"`
	SourceType      string   `json:"source_type" validate:"required"`
	SourceID        string   `json:"source_id"`
	SourceLineID    string   `json:"source_line_id"`
	CountedQty      *float64 `json:"counted_qty"`
	OverrideAllowed bool     `json:"override_allowed"`
}

type entryResponse struct {
	Seq           int64   `json:"seq"`
	ItemID        string  `json:"item_id"`
	LocationID    string  `json:"location_id"`
	BatchID       string  `json:"batch_id,omitempty"`
	QuantityDelta float64 `json:"quantity_delta"`
	EffectiveAt   string  `json:"effective_at"`
	SourceType    string  `json:"source_type"`
	SourceID      string  `json:"source_id"`
	IsVoided      bool    `json:"is_voided"`
}

func toEntryResponse(e Entry) entryResponse {
	return entryResponse{
		Seq:           e.Seq,
		ItemID:        e.ItemID,
		LocationID:    e.LocationID,
		BatchID:       e.BatchID,
		QuantityDelta: e.QuantityDelta,
		EffectiveAt:   e.EffectiveAt.Format(time.RFC3339Nano),
		SourceType:    string(e.SourceType),
		SourceID:      e.SourceID,
		IsVoided:      e.IsVoided,
	}
}

func (h *Handler) decodeAppendInput(r *http.Request) (AppendInput, error) {
	var req entryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return AppendInput{}, err
	}
	if err := h.validator.Struct(req); err != nil {
		return AppendInput{}, err
	}
	input := AppendInput{
		ItemID:          req.ItemID,
		LocationID:      req.LocationID,
		BatchID:         req.BatchID,
		QuantityDelta:   req.QuantityDelta,
		SourceType:      SourceType(req.SourceType),
		SourceID:        req.SourceID,
		SourceLineID:    req.SourceLineID,
		CountedQty:      req.CountedQty,
		OverrideAllowed: req.OverrideAllowed,
	}
	if input.SourceID == "" {
		input.SourceID = uuid.NewString()
	}
	if req.EffectiveAt != "" {
		at, err := time.Parse(time.RFC3339, req.EffectiveAt)
		if err != nil {
			return AppendInput{}, err
		}
		input.EffectiveAt = at
	}
	return input, nil
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	input, err := h.decodeAppendInput(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Entry", err.Error())
		return
	}
	entry, err := h.service.Append(r.Context(), input)
	if err != nil {
		h.observeOutcome(err)
		h.respondError(w, err)
		return
	}
	h.observe("accepted")
	httpx.JSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	input, err := h.decodeAppendInput(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Entry", err.Error())
		return
	}
	if err := h.service.Validate(r.Context(), input); err != nil {
		h.observeOutcome(err)
		h.respondError(w, err)
		return
	}
	h.observe("accepted")
	httpx.JSON(w, http.StatusOK, map[string]any{"admissible": true})
}

type cancelRequest struct {
	SourceType string `json:"source_type" validate:"required"`
	SourceID   string `json:"source_id" validate:"required"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	voided, err := h.service.Cancel(r.Context(), SourceType(req.SourceType), req.SourceID, 0)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]entryResponse, 0, len(voided))
	for _, e := range voided {
		out = append(out, toEntryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"voided": out})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := WindowQuery{
		ItemID:     q.Get("item_id"),
		LocationID: q.Get("location_id"),
		BatchID:    q.Get("batch_id"),
	}
	if window.ItemID == "" || window.LocationID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "item_id and location_id are required")
		return
	}
	at := time.Now().UTC()
	if asOf := q.Get("as_of"); asOf != "" {
		parsed, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "as_of must be RFC3339")
			return
		}
		at = parsed
	}
	balance, err := h.service.BalanceAsOf(r.Context(), window, at)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"item_id":     window.ItemID,
		"location_id": window.LocationID,
		"batch_id":    window.BatchID,
		"as_of":       at.Format(time.RFC3339Nano),
		"balance":     balance,
	})
}

func (h *Handler) observeOutcome(err error) {
	var negErr *NegativeStockError
	if errors.As(err, &negErr) {
		h.observe("rejected")
		return
	}
	h.observe("error")
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var negErr *NegativeStockError
	switch {
	case errors.As(err, &negErr):
		httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"title":        "Insufficient Stock",
			"status":       http.StatusUnprocessableEntity,
			"detail":       negErr.Error(),
			"shortfall":    negErr.Violation.Shortfall(),
			"effective_at": negErr.Violation.EffectiveAt.Format(time.RFC3339Nano),
			"source_type":  string(negErr.Violation.SourceType),
			"source_id":    negErr.Violation.SourceID,
		})
	case errors.Is(err, shared.ErrBatchUnavailable):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Batch Unavailable", err.Error())
	case errors.Is(err, shared.ErrBatchStateConflict):
		httpx.Problem(w, http.StatusConflict, "Batch State Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Submission", err.Error())
	case errors.Is(err, ErrSourceNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrMissingScope):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Entry", err.Error())
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
