/*
dto.go - Data Transfer Objects for API requests/responses

PURPOSE:
  Defines JSON shapes for the HTTP API that are not domain types.
  History entries, resources, transfer requests and reports are
  serialized as-is; this file holds the envelopes around them.

CONVENTIONS:
  - camelCase JSON field names
  - Times are RFC3339 in UTC
  - Errors carry a stable machine-readable code (history.Class)

SEE ALSO:
  - handlers.go: Uses these DTOs
  - command/descriptor.go: Command intake body
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/backwardn/nomulus/command"
	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/transfer"
	"github.com/backwardn/nomulus/txn"
)

// CommandResponse is returned by POST /api/commands.
type CommandResponse struct {
	Entry    history.HistoryEntry `json:"entry"`
	Replayed bool                 `json:"replayed"`
	Transfer *transfer.Request    `json:"transfer,omitempty"`
	Resource *history.Resource    `json:"resource,omitempty"`
}

func toCommandResponse(r command.Result) CommandResponse {
	return CommandResponse{
		Entry:    r.Entry,
		Replayed: r.Replayed,
		Transfer: r.Transfer,
		Resource: r.Resource,
	}
}

// HistoryResponse is one page of a resource's ledger.
type HistoryResponse struct {
	Resource history.ResourceRef    `json:"resource"`
	Entries  []history.HistoryEntry `json:"entries"`
	// NextAfter is the id to pass as ?after= for the next page, zero on
	// the last page.
	NextAfter int64 `json:"nextAfter,omitempty"`
}

// ResourceResponse is the projection of a resource.
type ResourceResponse struct {
	Resource history.Resource `json:"resource"`
	Tail     int64            `json:"tail"`
}

// PendingTransfersResponse lists transfers nearing their deadline.
type PendingTransfersResponse struct {
	Within    string             `json:"within"`
	Transfers []transfer.Request `json:"transfers"`
}

// SweepResponse reports a manual deadline sweep.
type SweepResponse struct {
	Resolved int    `json:"resolved"`
	Error    string `json:"error,omitempty"`
}

// ModeRequest switches the migration mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// ModeResponse is the current migration mode.
type ModeResponse struct {
	Mode txn.Mode `json:"mode"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Code = history.Class(err)
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
