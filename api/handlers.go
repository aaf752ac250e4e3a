/*
handlers.go - HTTP handlers for the settlement trigger surface

PURPOSE:
  Thin JSON layer over the engine. The two settlement triggers are here,
  "process event" and "recompute month", plus read endpoints for the
  ledger, income, payout summaries and the reconciliation report, and
  admin upserts for contracts and chapters.

ERROR MAPPING:
  engine client errors (invalid interval/amount, unknown source) -> 400/404
  lock conflicts after retries                                   -> 409
  everything else                                                -> 500
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/serialworks/settlement-engine/batch"
	"github.com/serialworks/settlement-engine/engine"
)

// Handler carries the engine dependencies for all routes.
type Handler struct {
	Store      engine.TxStore
	Runner     *engine.SettlementRunner
	Batch      *batch.Runner
	Reconciler *engine.ReconciliationChecker
	Logger     *zap.Logger
}

func NewHandler(store engine.TxStore, runner *engine.SettlementRunner, batchRunner *batch.Runner, reconciler *engine.ReconciliationChecker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:      store,
		Runner:     runner,
		Batch:      batchRunner,
		Reconciler: reconciler,
		Logger:     logger,
	}
}

type badFieldError struct {
	field string
	err   error
}

func (e *badFieldError) Error() string { return fmt.Sprintf("invalid %s: %v", e.field, e.err) }

func errBadField(field string, err error) error { return &badFieldError{field: field, err: err} }

// =============================================================================
// TRIGGERS
// =============================================================================

// ProcessEvent ingests and settles one payment event.
// POST /api/events
func (h *Handler) ProcessEvent(w http.ResponseWriter, r *http.Request) {
	var req PaymentEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	event, err := req.toEvent()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.Runner.ProcessEvent(r.Context(), event)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toUnitResult(result))
}

// ReprocessSource re-settles a stored payment.
// POST /api/sources/{type}/{id}/reprocess
func (h *Handler) ReprocessSource(w http.ResponseWriter, r *http.Request) {
	key := engine.SourceKey{
		Type: engine.SourceType(chi.URLParam(r, "type")),
		ID:   chi.URLParam(r, "id"),
	}

	result, err := h.Runner.ReprocessSource(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toUnitResult(result))
}

// RecomputeMonth re-settles every source in a settlement month.
// POST /api/settlements/recompute
func (h *Handler) RecomputeMonth(w http.ResponseWriter, r *http.Request) {
	var req RecomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	month, err := engine.ParseMonth(req.Month)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := h.Batch.RecomputeMonth(r.Context(), month)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRunReport(report))
}

// =============================================================================
// READS
// =============================================================================

// SourceLedger returns a source's ledger entries.
// GET /api/sources/{type}/{id}/ledger
func (h *Handler) SourceLedger(w http.ResponseWriter, r *http.Request) {
	key := engine.SourceKey{
		Type: engine.SourceType(chi.URLParam(r, "type")),
		ID:   chi.URLParam(r, "id"),
	}
	entries, err := h.Store.EntriesBySource(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toLedgerEntries(entries))
}

// MonthLedger returns all ledger entries settled to a month.
// GET /api/settlements/{month}/ledger
func (h *Handler) MonthLedger(w http.ResponseWriter, r *http.Request) {
	month, err := engine.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := h.Store.EntriesForMonth(r.Context(), month)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toLedgerEntries(entries))
}

// MonthIncome returns a month's income rows.
// GET /api/settlements/{month}/income
func (h *Handler) MonthIncome(w http.ResponseWriter, r *http.Request) {
	month, err := engine.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := h.Store.IncomeForMonth(r.Context(), month)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toIncomeRows(rows))
}

// MonthPayouts returns the per-editor payable totals for a month.
// GET /api/settlements/{month}/payouts
func (h *Handler) MonthPayouts(w http.ResponseWriter, r *http.Request) {
	month, err := engine.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	lines, err := h.Store.PayoutSummary(r.Context(), month)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPayoutLines(lines))
}

// Reconciliation runs the sweep and returns the report.
// GET /api/reconciliation
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Check(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toReconciliation(report))
}

// =============================================================================
// ADMIN UPSERTS
// =============================================================================

// SaveContract upserts an editor contract.
// PUT /api/contracts
func (h *Handler) SaveContract(w http.ResponseWriter, r *http.Request) {
	var req ContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	contract, err := req.toContract()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Store.SaveContract(r.Context(), contract); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveChapter upserts chapter metadata.
// PUT /api/chapters
func (h *Handler) SaveChapter(w http.ResponseWriter, r *http.Request) {
	var req ChapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Store.SaveChapter(r.Context(), req.toChapter()); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var bad *badFieldError
	switch {
	case errors.As(err, &bad) || engine.IsClientError(err):
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrSourceNotFound) {
			status = http.StatusNotFound
		}
		h.writeError(w, status, err)
	case errors.Is(err, engine.ErrConflict):
		h.writeError(w, http.StatusConflict, err)
	default:
		h.Logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err)
	}
}
