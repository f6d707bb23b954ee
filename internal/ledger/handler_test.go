package ledger

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, repo *memoryLedger) *httptest.Server {
	t.Helper()
	svc := NewService(repo, nil, nil, nil, nil, ServiceConfig{})
	h := NewHandler(discardLogger(), svc)
	r := chi.NewRouter()
	r.Route("/ledger", h.MountRoutes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHandlerAppendCreatesEntry(t *testing.T) {
	srv := newTestServer(t, &memoryLedger{})

	resp, body := postJSON(t, srv.URL+"/ledger/entries", `{
		"item_id": "ITM-1",
		"location_id": "WH-MAIN",
		"quantity_delta": 100,
		"effective_at": "2026-03-20T12:00:00Z",
		"source_type": "RECEIPT",
		"source_id": "RCPT-1"
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, float64(1), body["seq"])
	require.Equal(t, "RCPT-1", body["source_id"])
}

func TestHandlerAppendGeneratesSourceID(t *testing.T) {
	srv := newTestServer(t, &memoryLedger{})

	resp, body := postJSON(t, srv.URL+"/ledger/entries", `{
		"item_id": "ITM-1",
		"location_id": "WH-MAIN",
		"quantity_delta": 5,
		"source_type": "RECEIPT"
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, body["source_id"])
}

func TestHandlerAppendInsufficientStock(t *testing.T) {
	srv := newTestServer(t, &memoryLedger{})

	resp, _ := postJSON(t, srv.URL+"/ledger/entries", `{
		"item_id": "ITM-1",
		"location_id": "WH-MAIN",
		"quantity_delta": 30,
		"effective_at": "2026-03-20T12:00:00Z",
		"source_type": "RECEIPT",
		"source_id": "RCPT-1"
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := postJSON(t, srv.URL+"/ledger/entries", `{
		"item_id": "ITM-1",
		"location_id": "WH-MAIN",
		"quantity_delta": -50,
		"effective_at": "2026-03-20T13:00:00Z",
		"source_type": "DELIVERY",
		"source_id": "DLV-1"
	}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, float64(20), body["shortfall"])
	require.Equal(t, "DLV-1", body["source_id"])
}

type refusal struct {
	msg    string
	target error
}

func (r refusal) Error() string        { return r.msg }
func (r refusal) Is(target error) bool { return target == r.target }

func TestHandlerAppendBatchRefusals(t *testing.T) {
	cases := []struct {
		name       string
		resolveErr error
		wantStatus int
		wantTitle  string
	}{
		{
			name:       "disabled batch",
			resolveErr: refusal{msg: "batch: B-1 is unavailable: disabled", target: shared.ErrBatchUnavailable},
			wantStatus: http.StatusUnprocessableEntity,
			wantTitle:  "Batch Unavailable",
		},
		{
			name:       "used batch",
			resolveErr: refusal{msg: "batch: B-1: status is used, expected empty", target: shared.ErrBatchStateConflict},
			wantStatus: http.StatusConflict,
			wantTitle:  "Batch State Conflict",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &memoryLedger{}
			svc := NewService(repo, &stubResolver{err: tc.resolveErr}, nil, nil, nil, ServiceConfig{})
			h := NewHandler(discardLogger(), svc)
			r := chi.NewRouter()
			r.Route("/ledger", h.MountRoutes)
			srv := httptest.NewServer(r)
			defer srv.Close()

			resp, _ := postJSON(t, srv.URL+"/ledger/entries", `{
				"item_id": "ITM-1",
				"location_id": "WH-MAIN",
				"batch_id": "B-1",
				"quantity_delta": 10,
				"effective_at": "2026-03-20T12:00:00Z",
				"source_type": "RECEIPT",
				"source_id": "RCPT-1"
			}`)
			require.Equal(t, http.StatusCreated, resp.StatusCode)

			resp, body := postJSON(t, srv.URL+"/ledger/entries", `{
				"item_id": "ITM-1",
				"location_id": "WH-MAIN",
				"batch_id": "B-1",
				"quantity_delta": -5,
				"effective_at": "2026-03-20T13:00:00Z",
				"source_type": "DELIVERY",
				"source_id": "DLV-1"
			}`)
			require.Equal(t, tc.wantStatus, resp.StatusCode)
			require.Equal(t, tc.wantTitle, body["title"])
		})
	}
}

func TestHandlerValidateDryRun(t *testing.T) {
	srv := newTestServer(t, &memoryLedger{})

	resp, body := postJSON(t, srv.URL+"/ledger/entries/validate", `{
		"item_id": "ITM-1",
		"location_id": "WH-MAIN",
		"quantity_delta": 10,
		"source_type": "RECEIPT"
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["admissible"])
}

func TestHandlerAppendRejectsMalformedPayload(t *testing.T) {
	srv := newTestServer(t, &memoryLedger{})

	resp, _ := postJSON(t, srv.URL+"/ledger/entries", `{"location_id": "WH-MAIN"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerCancelUnknownSource(t *testing.T) {
	srv := newTestServer(t, &memoryLedger{})

	resp, _ := postJSON(t, srv.URL+"/ledger/cancel", `{
		"source_type": "STOCK_ENTRY",
		"source_id": "SE-MISSING"
	}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerBalance(t *testing.T) {
	srv := newTestServer(t, &memoryLedger{})

	resp, _ := postJSON(t, srv.URL+"/ledger/entries", `{
		"item_id": "ITM-1",
		"location_id": "WH-MAIN",
		"quantity_delta": 42,
		"effective_at": "2026-03-20T12:00:00Z",
		"source_type": "RECEIPT",
		"source_id": "RCPT-1"
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/ledger/balance?item_id=ITM-1&location_id=WH-MAIN&as_of=2026-03-21T00:00:00Z")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&body))
	require.Equal(t, float64(42), body["balance"])
}
