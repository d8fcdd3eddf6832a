/*
handlers.go - HTTP request handlers

PURPOSE:
  Implements the command intake and the operator endpoints. Each handler
  decodes the request, calls into command/, transfer/, reporting/ or
  txn/, and maps the result to JSON.

HANDLER GROUPS:
  - Commands: POST /api/commands executes one validated descriptor
  - Resources: projection, paged history and transfer status
  - Transfers: pending list and manual deadline sweep
  - Reports: per-TLD monthly transaction counters and spreadsheet export
  - Txn: read and switch the migration mode

SERVER TRID:
  A command that carries a client transaction id but no server id gets a
  server id derived from (actor, client id). A client retrying the same
  command therefore replays the recorded entry instead of writing twice.

ERROR HANDLING:
  statusFor maps error categories to HTTP status codes. The body always
  includes the stable category name from history.Class.

SEE ALSO:
  - server.go: Route definitions
  - dto.go: Response shapes
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/backwardn/nomulus/command"
	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/reporting"
	"github.com/backwardn/nomulus/transfer"
	"github.com/backwardn/nomulus/txn"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxCommandBody      = 1 << 20
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Executor      *command.Executor
	Aggregator    *reporting.Aggregator
	Sweeper       *DeadlineSweeper
	Logger        *slog.Logger
	NearingWindow time.Duration
}

// NewHandler creates a new handler.
func NewHandler(x *command.Executor, agg *reporting.Aggregator, sweeper *DeadlineSweeper, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Executor:      x,
		Aggregator:    agg,
		Sweeper:       sweeper,
		Logger:        logger,
		NearingWindow: 24 * time.Hour,
	}
}

func (h *Handler) manager() *txn.Manager {
	return h.Executor.Manager()
}

// =============================================================================
// COMMANDS
// =============================================================================

// ExecuteCommand handles POST /api/commands.
func (h *Handler) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}
	d, err := command.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command", err)
		return
	}
	if d.Trid != nil && d.Trid.ClientID != "" && d.Trid.ServerID == "" {
		d.Trid.ServerID = ServerTrid(d.ActorRegistrarID, d.Trid.ClientID)
	}

	res, err := h.Executor.Execute(r.Context(), d)
	if err != nil {
		h.fail(w, r, "command failed", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toCommandResponse(res))
}

// ServerTrid derives the server transaction id for a registrar's client
// transaction id. The same pair always yields the same id.
func ServerTrid(actor, clientID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(actor+"|"+clientID)).String()
}

// =============================================================================
// RESOURCES
// =============================================================================

// GetResource handles GET /api/resources/{kind}/{id}.
func (h *Handler) GetResource(w http.ResponseWriter, r *http.Request) {
	ref, ok := resourceRef(w, r)
	if !ok {
		return
	}
	reader := h.manager().Reader()
	res, err := reader.Resource(r.Context(), ref)
	if err != nil {
		h.fail(w, r, "failed to load resource", err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "resource not found", nil)
		return
	}
	tail, err := reader.Tail(r.Context(), ref)
	if err != nil {
		h.fail(w, r, "failed to load resource", err)
		return
	}
	writeJSON(w, http.StatusOK, ResourceResponse{Resource: *res, Tail: tail})
}

// GetHistory handles GET /api/resources/{kind}/{id}/history?after=&limit=.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ref, ok := resourceRef(w, r)
	if !ok {
		return
	}
	after, err := intParam(r, "after", 0)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "invalid after", err)
		return
	}
	limit, err := intParam(r, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	limit = min(limit, maxHistoryLimit)

	entries, err := h.manager().Reader().Entries(r.Context(), ref, after, int(limit))
	if err != nil {
		h.fail(w, r, "failed to load history", err)
		return
	}
	resp := HistoryResponse{Resource: ref, Entries: entries}
	if resp.Entries == nil {
		resp.Entries = []history.HistoryEntry{}
	}
	if len(entries) == int(limit) {
		resp.NextAfter = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTransfer handles GET /api/resources/{kind}/{id}/transfer. A transfer
// past its deadline is server-approved before its status is read.
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	ref, ok := resourceRef(w, r)
	if !ok {
		return
	}
	machine := h.Executor.Machine()
	req, err := txn.Transact(r.Context(), h.manager(), func(ctx context.Context, tx *history.Tx) (*transfer.Request, error) {
		if _, err := machine.CheckDeadline(ctx, tx, ref, tx.Now()); err != nil {
			return nil, err
		}
		return machine.Status(ctx, tx, ref)
	})
	if err != nil {
		h.fail(w, r, "failed to load transfer", err)
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "no transfer recorded", nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// =============================================================================
// TRANSFERS
// =============================================================================

// ListPendingTransfers handles GET /api/transfers/pending?within=48h.
// Transfers already past their deadline are included.
func (h *Handler) ListPendingTransfers(w http.ResponseWriter, r *http.Request) {
	within := h.NearingWindow
	if s := r.URL.Query().Get("within"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid within", err)
			return
		}
		within = d
	}

	m := h.manager()
	reqs, err := h.Executor.Machine().NearingDeadline(r.Context(), m.Reader(), m.Now(), within)
	if err != nil {
		h.fail(w, r, "failed to list pending transfers", err)
		return
	}
	if reqs == nil {
		reqs = []transfer.Request{}
	}
	writeJSON(w, http.StatusOK, PendingTransfersResponse{Within: within.String(), Transfers: reqs})
}

// SweepTransfers handles POST /api/transfers/sweep.
func (h *Handler) SweepTransfers(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper not configured", nil)
		return
	}
	n, err := h.Sweeper.Sweep(r.Context())
	resp := SweepResponse{Resolved: n}
	if err != nil {
		h.Logger.Warn("manual sweep", "resolved", n, "error", err)
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REPORTS
// =============================================================================

// GetReport handles GET /api/reports/{tld}/{month}, month as YYYY-MM.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	tld := chi.URLParam(r, "tld")
	month := chi.URLParam(r, "month")
	t, err := time.Parse("2006-01", month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid month, expected YYYY-MM", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Aggregator.Report(tld, reporting.MonthOf(t)))
}

// ExportReports handles GET /api/reports/{month}.xlsx with one row per TLD.
func (h *Handler) ExportReports(w http.ResponseWriter, r *http.Request) {
	t, err := time.Parse("2006-01", chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid month, expected YYYY-MM", err)
		return
	}
	month := reporting.MonthOf(t)

	var buf bytes.Buffer
	if err := h.Aggregator.WriteXLSX(&buf, month); err != nil {
		h.fail(w, r, "failed to export reports", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "activity-"+string(month)+".xlsx"))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// =============================================================================
// MIGRATION MODE
// =============================================================================

// GetMode handles GET /api/txn/mode.
func (h *Handler) GetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModeResponse{Mode: h.manager().Mode()})
}

// SetMode handles PUT /api/txn/mode.
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	mode, err := txn.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mode", err)
		return
	}
	if err := h.manager().SetMode(mode); err != nil {
		writeError(w, http.StatusConflict, "cannot switch mode", err)
		return
	}
	h.Logger.Info("migration mode switched", "mode", mode)
	writeJSON(w, http.StatusOK, ModeResponse{Mode: mode})
}

// =============================================================================
// HELPERS
// =============================================================================

func resourceRef(w http.ResponseWriter, r *http.Request) (history.ResourceRef, bool) {
	ref := history.ResourceRef{Kind: history.Kind(chi.URLParam(r, "kind")), ID: chi.URLParam(r, "id")}
	if !ref.Kind.Valid() || ref.ID == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown resource %s", ref), nil)
		return history.ResourceRef{}, false
	}
	return ref, true
}

func intParam(r *http.Request, name string, def int64) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, message, err)
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, history.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, history.ErrResourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrResourceExists),
		errors.Is(err, history.ErrAlreadyPending),
		errors.Is(err, history.ErrNotPending),
		errors.Is(err, history.ErrConflict),
		errors.Is(err, history.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, history.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
