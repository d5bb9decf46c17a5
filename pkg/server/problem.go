// Package server exposes the HTTP JSON surface: transaction execution on
// the write side, node/edge/mailbox/search reads, and schema inspection.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/elloloop/entdb/pkg/errcode"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Status        int            `json:"status"`
	Detail        string         `json:"detail,omitempty"`
	Instance      string         `json:"instance,omitempty"`
	Code          string         `json:"code"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// writeProblem renders any error as a problem response. Internal errors
// are logged and their detail withheld from the client.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	code := errcode.CodeOf(err)
	status := errcode.HTTPStatus(code)

	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://entdb.elloloop.dev/errors/%s", code),
		Title:    http.StatusText(status),
		Status:   status,
		Instance: r.URL.Path,
		Code:     string(code),
	}
	var coded *errcode.Error
	if errors.As(err, &coded) {
		problem.Detail = coded.Message
		problem.CorrelationID = coded.CorrelationID
		problem.Details = coded.Details
	}
	if code == errcode.CodeInternal {
		slog.Error("internal server error", "path", r.URL.Path, "error", err,
			"correlation_id", problem.CorrelationID)
		problem.Detail = "An unexpected error occurred. Please try again later."
		problem.Details = nil
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
