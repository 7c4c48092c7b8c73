package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/foreman/pkg/api"
	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/mutation"
	"github.com/Mindburn-Labs/foreman/pkg/safety"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

func TestWriteError_ProblemShape(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(api.RequestIDHeader, "req-42")

	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	p := decodeProblem(t, w)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 400, p.Status)
	assert.Equal(t, "Bad Request", p.Title)
	assert.Equal(t, "field is missing", p.Detail)
	assert.Equal(t, "https://foreman.dev/problems/400", p.Type)
	assert.Equal(t, "req-42", p.TraceID)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	p := decodeProblem(t, w)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, p.Detail, "10.0.0.1")
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestWriteDomainError_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &autonomy.ValidationError{Field: "reason", Message: "is required"}, http.StatusBadRequest},
		{"not found", &autonomy.NotFoundError{RequestID: "r1"}, http.StatusNotFound},
		{"illegal transition", &autonomy.IllegalTransitionError{From: autonomy.ForwardExecution, To: autonomy.WaitingForApproval}, http.StatusConflict},
		{"blocked", &autonomy.BlockedError{Operation: "merge_pr"}, http.StatusForbidden},
		{"governance", &safety.GovernanceViolationError{Reason: "safety checks failed", Fields: []string{"CI not green"}}, http.StatusForbidden},
		{"compliance wrapped", fmt.Errorf("comment: %w", &safety.ComplianceViolationError{Reason: "secrets detected"}), http.StatusForbidden},
		{"read only", mutation.ErrReadOnly, http.StatusForbidden},
		{"exhausted", &mutation.MutationFailureError{Type: mutation.TypeMergePR, Resource: "acme/widgets#7", Attempts: 3, Err: errors.New("503")}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			api.WriteDomainError(w, tt.err)
			assert.Equal(t, tt.status, w.Code)
			decodeProblem(t, w)
		})
	}
}

func TestWriteDomainError_ComplianceDetailsStayPrivate(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteDomainError(w, &safety.ComplianceViolationError{Reason: "secrets detected", Details: []string{"sk-1234567890abcdef"}})

	p := decodeProblem(t, w)
	assert.NotContains(t, p.Detail, "sk-1234567890abcdef")
	assert.Empty(t, p.Errors)
}

func TestWriteDomainError_MutationFailureDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteDomainError(w, &mutation.MutationFailureError{Type: mutation.TypeMergePR, Resource: "acme/widgets#7", Attempts: 3, Err: errors.New("token ghp_secret rejected")})

	p := decodeProblem(t, w)
	assert.Contains(t, p.Detail, "3 attempt(s)")
	assert.NotContains(t, p.Detail, "ghp_secret")
}
