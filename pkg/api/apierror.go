// Package api serves the owner decision, autonomy status and supervision
// endpoints. Every error response is an RFC 7807 problem document.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/mutation"
	"github.com/Mindburn-Labs/foreman/pkg/safety"
)

const problemTypeBase = "https://foreman.dev/problems/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	Instance string   `json:"instance,omitempty"`
	TraceID  string   `json:"trace_id,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("%s%d", problemTypeBase, p.Status)
	}
	if p.TraceID == "" {
		p.TraceID = w.Header().Get(RequestIDHeader)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string, errs ...string) {
	writeProblem(w, &ProblemDetail{Title: "Bad Request", Status: http.StatusBadRequest, Detail: detail, Errors: errs})
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="foreman"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string, errs ...string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	writeProblem(w, &ProblemDetail{Title: "Forbidden", Status: http.StatusForbidden, Detail: detail, Errors: errs})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get(RequestIDHeader))
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps the typed errors of the core packages to statuses:
// policy refusals 403, bad input 400, unknown requests 404, illegal
// transitions 409, exhausted mutations and everything else 500.
func WriteDomainError(w http.ResponseWriter, err error) {
	var (
		validation *autonomy.ValidationError
		notFound   *autonomy.NotFoundError
		illegal    *autonomy.IllegalTransitionError
		blocked    *autonomy.BlockedError
		governance *safety.GovernanceViolationError
		compliance *safety.ComplianceViolationError
		failure    *mutation.MutationFailureError
	)
	switch {
	case errors.As(err, &validation):
		WriteBadRequest(w, validation.Error())
	case errors.As(err, &notFound):
		WriteNotFound(w, notFound.Error())
	case errors.As(err, &illegal):
		WriteConflict(w, illegal.Error())
	case errors.As(err, &blocked):
		WriteForbidden(w, blocked.Error())
	case errors.As(err, &governance):
		WriteForbidden(w, "governance violation: "+governance.Reason, governance.Fields...)
	case errors.As(err, &compliance):
		// Details may describe where a secret was found; only the reason leaves the process.
		WriteForbidden(w, "compliance violation: "+compliance.Reason)
	case errors.Is(err, mutation.ErrReadOnly):
		WriteForbidden(w, mutation.ErrReadOnly.Error())
	case errors.As(err, &failure):
		slog.Error("mutation failed", "type", failure.Type, "resource", failure.Resource, "attempts", failure.Attempts, "error", failure.Err)
		WriteError(w, http.StatusInternalServerError, "Mutation Failed",
			fmt.Sprintf("%s on %s failed after %d attempt(s)", failure.Type, failure.Resource, failure.Attempts))
	default:
		WriteInternal(w, err)
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
