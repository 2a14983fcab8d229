/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes ingestion, job dispatch and read access over REST. Handlers
  never compute invoices themselves: generation runs on the worker pool,
  the API only enqueues jobs and reads results.

ENDPOINTS:
  Ingestion:
    POST   /api/snapshots                        Store units of a case snapshot

  Generation (202 Accepted, returns the generation request):
    POST   /api/doctors/{id}/sammel-cycles       Enqueue the doctor's Sammel cycle
    POST   /api/invoices                         Enqueue a standard invoice
    POST   /api/invoices/{id}/credit-notes       Enqueue a credit note

  Reads:
    GET    /api/invoices/{id}                    Invoice or credit note
    GET    /api/doctors/{id}/checkpoints         Checkpoint chain, oldest first
    GET    /api/doctors/{id}/checkpoints/latest  Current balance
    GET    /api/requests/{id}                    Generation request state

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input
  - 404: Resource not found
  - 409: Units held by a running job
  - 422: Request is well-formed but violates a billing rule
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The API is meant for an internal network.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - worker/tasks.go: Dispatcher behind the generation endpoints
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/ledger"
	"github.com/warp/sammel-billing/snapshot"
)

// maxSnapshotBytes bounds a snapshot request body.
const maxSnapshotBytes = 4 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Jobs enqueues generation jobs. *worker.Dispatcher is the implementation.
type Jobs interface {
	SammelCycle(ctx context.Context, doctorID ledger.DoctorID, at time.Time) (billing.GenerationRequest, error)
	StandardInvoice(ctx context.Context, unitIDs []billing.UnitID) (billing.GenerationRequest, error)
	CreditNote(ctx context.Context, invoiceID billing.InvoiceID, unitIDs []billing.UnitID) (billing.GenerationRequest, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  billing.Store
	Jobs   Jobs
	Parser *snapshot.Parser

	// Health checks run by GET /health, keyed by name.
	Checks map[string]Pinger

	logger *slog.Logger
	clock  func() time.Time
}

// NewHandler creates a handler. logger may be nil.
func NewHandler(store billing.Store, jobs Jobs, parser *snapshot.Parser, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if parser == nil {
		parser = snapshot.NewParser(nil, nil)
	}
	return &Handler{
		Store:  store,
		Jobs:   jobs,
		Parser: parser,
		Checks: map[string]Pinger{},
		logger: logger.With("component", "api"),
		clock:  time.Now,
	}
}

// =============================================================================
// INGESTION
// =============================================================================

// IngestSnapshot stores the billing units of a case snapshot.
// POST /api/snapshots
func (h *Handler) IngestSnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	units, err := h.Parser.Parse(r.Context(), body)
	if err != nil {
		h.writeBillingError(w, "Invalid snapshot", err)
		return
	}
	if err := h.Store.SaveUnits(r.Context(), units); err != nil {
		h.writeBillingError(w, "Failed to store units", err)
		return
	}

	// Read back: units already in a lifecycle keep their stored state.
	stored, err := h.Store.GetUnits(r.Context(), billing.UnitIDs(units))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load units", err)
		return
	}

	resp := SnapshotResultDTO{Units: make([]UnitDTO, len(stored)), Count: len(stored)}
	for i, u := range stored {
		resp.Units[i] = toUnitDTO(u)
		resp.CaseID = string(u.CaseID)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// GENERATION
// =============================================================================

// TriggerSammelCycle enqueues the doctor's Sammel cycle.
// POST /api/doctors/{id}/sammel-cycles
func (h *Handler) TriggerSammelCycle(w http.ResponseWriter, r *http.Request) {
	doctorID := ledger.DoctorID(chi.URLParam(r, "id"))

	at := h.clock()
	var req SammelCycleRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if req.At != "" {
		parsed, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid at, expected RFC3339", err)
			return
		}
		at = parsed
	}

	gen, err := h.Jobs.SammelCycle(r.Context(), doctorID, at)
	if err != nil {
		h.writeBillingError(w, "Failed to enqueue Sammel cycle", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRequestDTO(gen))
}

// CreateStandardInvoice enqueues a standard invoice for the given units.
// POST /api/invoices
func (h *Handler) CreateStandardInvoice(w http.ResponseWriter, r *http.Request) {
	var req StandardInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.UnitIDs) == 0 {
		writeError(w, http.StatusBadRequest, "unit_ids is required", nil)
		return
	}

	gen, err := h.Jobs.StandardInvoice(r.Context(), toUnitIDs(req.UnitIDs))
	if err != nil {
		h.writeBillingError(w, "Failed to enqueue invoice", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRequestDTO(gen))
}

// CreateCreditNote enqueues cancellation of units of an invoice.
// POST /api/invoices/{id}/credit-notes
func (h *Handler) CreateCreditNote(w http.ResponseWriter, r *http.Request) {
	invoiceID := billing.InvoiceID(chi.URLParam(r, "id"))

	var req CreditNoteRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	gen, err := h.Jobs.CreditNote(r.Context(), invoiceID, toUnitIDs(req.UnitIDs))
	if err != nil {
		h.writeBillingError(w, "Failed to enqueue credit note", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRequestDTO(gen))
}

// =============================================================================
// READS
// =============================================================================

// GetInvoice returns an invoice or credit note.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Store.GetInvoice(r.Context(), billing.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeBillingError(w, "Invoice not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// ListCheckpoints returns the doctor's checkpoint chain.
// GET /api/doctors/{id}/checkpoints
func (h *Handler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	chain, err := h.Store.ListCheckpoints(r.Context(), ledger.DoctorID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list checkpoints", err)
		return
	}
	dtos := make([]CheckpointDTO, len(chain))
	for i, cp := range chain {
		dtos[i] = toCheckpointDTO(cp)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLatestCheckpoint returns the doctor's current balance.
// GET /api/doctors/{id}/checkpoints/latest
func (h *Handler) GetLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.Store.LatestCheckpoint(r.Context(), ledger.DoctorID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load checkpoint", err)
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "Doctor has no checkpoint", nil)
		return
	}
	writeJSON(w, http.StatusOK, toCheckpointDTO(*cp))
}

// GetRequest returns the state of a generation job.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	gen, err := h.Store.GetRequest(r.Context(), billing.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeBillingError(w, "Request not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(gen))
}

// Health reports liveness and the result of each registered check.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := map[string]string{"status": "ok"}
	for name, c := range h.Checks {
		if err := c.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
			resp[name] = err.Error()
			continue
		}
		resp[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func toUnitIDs(ids []string) []billing.UnitID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]billing.UnitID, len(ids))
	for i, id := range ids {
		out[i] = billing.UnitID(id)
	}
	return out
}

// statusOf maps billing errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, billing.ErrUnitNotFound),
		errors.Is(err, billing.ErrInvoiceNotFound),
		errors.Is(err, billing.ErrCheckpointNotFound),
		errors.Is(err, billing.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, snapshot.ErrInvalidSnapshot),
		errors.Is(err, snapshot.ErrMissingDoctor):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrUnitAlreadyClaimed),
		errors.Is(err, billing.ErrConcurrentModification):
		return http.StatusConflict
	case billing.IsFatal(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeBillingError(w http.ResponseWriter, message string, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
