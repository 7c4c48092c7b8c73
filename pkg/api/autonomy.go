package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

// StatusResponse is returned by GET /api/v1/autonomy/status.
type StatusResponse struct {
	State            autonomy.State `json:"state"`
	Blocked          bool           `json:"blocked"`
	BlockReason      string         `json:"blockReason,omitempty"`
	BlockMode        string         `json:"blockMode"`
	ExecutionAllowed bool           `json:"executionAllowed"`
	Since            time.Time      `json:"since"`
	PendingRequests  int            `json:"pendingRequests"`
}

// ValidationResponse is returned by GET /api/v1/autonomy/validation.
type ValidationResponse struct {
	Validation autonomy.ValidationResult `json:"validation"`
	IsClean    bool                      `json:"isClean"`
	Violations []string                  `json:"violations"`
	Timestamp  time.Time                 `json:"timestamp"`
}

// DecisionRequest is the body of the approve and deny endpoints.
type DecisionRequest struct {
	RequestID string `json:"requestId"`
	OwnerID   string `json:"ownerId"`
	Reason    string `json:"reason,omitempty"`
}

// ReauthorizationRequest is the body of POST /api/v1/autonomy/reauthorization.
type ReauthorizationRequest struct {
	ProgramID string `json:"programId,omitempty"`
	Reason    string `json:"reason"`
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Model.Snapshot()
	bs := s.deps.Guard.BlockStatus()
	WriteJSON(w, http.StatusOK, StatusResponse{
		State:            snap.State,
		Blocked:          bs.Blocked,
		BlockReason:      bs.Reason,
		BlockMode:        bs.Mode,
		ExecutionAllowed: !bs.Blocked,
		Since:            snap.Since,
		PendingRequests:  len(s.deps.Reauth.Pending()),
	})
}

func (s *Server) handleValidation(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Validator.ValidateSystemState(r.Context())
	violations := res.Violations
	if violations == nil {
		violations = []string{}
	}
	WriteJSON(w, http.StatusOK, ValidationResponse{
		Validation: res,
		IsClean:    res.IsClean,
		Violations: violations,
		Timestamp:  res.Timestamp,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Model.History()
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n < len(history) {
		history = history[len(history)-n:]
	}
	WriteJSON(w, http.StatusOK, map[string]any{"transitions": history})
}

// handleDecision serves approve and deny. The body's ownerId must name the
// authenticated owner.
func (s *Server) handleDecision(decision autonomy.Decision) http.Handler {
	schema := schemaDecision
	if decision == autonomy.DecisionDeny {
		schema = schemaDeny
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body DecisionRequest
		if err := decodeBody(w, r, schema, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		if !s.ownerMatches(r, body.OwnerID) {
			WriteForbidden(w, "ownerId does not match the authenticated owner")
			return
		}

		res, err := s.deps.Reauth.ProcessOwnerDecision(r.Context(), body.RequestID, decision, body.OwnerID, body.Reason)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		if res.Blocked {
			writeProblem(w, &ProblemDetail{
				Title:  "Approval Blocked",
				Status: http.StatusConflict,
				Detail: fmt.Sprintf("system is not clean; autonomy remains in %s", res.State),
				Errors: res.Violations,
			})
			return
		}
		WriteJSON(w, http.StatusOK, res)
	})
}

func (s *Server) ownerMatches(r *http.Request, ownerID string) bool {
	actor := s.actor(r)
	return actor != "" && actor == ownerID
}

func (s *Server) actor(r *http.Request) string {
	if s.deps.OwnerID == nil {
		return ""
	}
	id, _ := s.deps.OwnerID(r.Context())
	return id
}

// handleCreateReauth records the authenticated caller as the requesting actor.
func (s *Server) handleCreateReauth(w http.ResponseWriter, r *http.Request) {
	actor := s.subject(r)
	if actor == "" {
		WriteUnauthorized(w, "Missing caller identity")
		return
	}
	var body ReauthorizationRequest
	if err := decodeBody(w, r, schemaReauth, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	res, err := s.deps.Reauth.RequestReauthorization(r.Context(), body.ProgramID, body.Reason, actor)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if res.Request == nil {
		writeProblem(w, &ProblemDetail{
			Title:  "System Not Clean",
			Status: http.StatusConflict,
			Detail: "reauthorization was not requested because the system failed validation",
			Errors: res.Validation.Violations,
		})
		return
	}
	WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListReauth(w http.ResponseWriter, r *http.Request) {
	reqs := s.deps.Reauth.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := reqs[:0]
		for _, req := range reqs {
			if string(req.Status) == status {
				filtered = append(filtered, req)
			}
		}
		reqs = filtered
	}
	if reqs == nil {
		reqs = []autonomy.Request{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *Server) handleGetReauth(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Reauth.Get(r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelReauth(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decodeBody(w, r, schemaCancel, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	actor := s.actor(r)
	req, err := s.deps.Reauth.CancelRequest(r.Context(), r.PathValue("id"), actor, body.Reason)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, req)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decodeBody(w, r, schemaBlock, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	actor := s.actor(r)
	if err := s.deps.Guard.Block(body.Reason, actor); err != nil {
		WriteDomainError(w, err)
		return
	}
	s.recordBlock(r, governance.Event{
		Type:        governance.EventManualBlock,
		Severity:    governance.SeverityHigh,
		Description: fmt.Sprintf("execution manually blocked by %s", actor),
		Metadata:    map[string]any{"actorId": actor, "reason": body.Reason},
	})
	WriteJSON(w, http.StatusOK, s.deps.Guard.BlockStatus())
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	if s.deps.Guard.Unblock(actor) {
		s.recordBlock(r, governance.Event{
			Type:        governance.EventManualUnblock,
			Severity:    governance.SeverityMedium,
			Description: fmt.Sprintf("execution manually unblocked by %s", actor),
			Metadata:    map[string]any{"actorId": actor},
		})
	}
	WriteJSON(w, http.StatusOK, s.deps.Guard.BlockStatus())
}

func (s *Server) recordBlock(r *http.Request, ev governance.Event) {
	if s.deps.Recorder == nil {
		return
	}
	if err := s.deps.Recorder.Record(r.Context(), ev); err != nil {
		s.logger.Error("failed to record block change", "error", err, "request_id", RequestID(r.Context()))
	}
}

func (s *Server) handleGovernanceEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		WriteNotFound(w, "governance ledger is not configured")
		return
	}
	q := r.URL.Query()
	f := governance.Filter{
		Type:        governance.EventType(q.Get("type")),
		MinSeverity: governance.Severity(q.Get("severity")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				WriteBadRequest(w, name+" must be an RFC 3339 timestamp")
				return
			}
			*dst = t
		}
	}
	records := s.deps.Ledger.Query(f)
	if records == nil {
		records = []governance.Record{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"head":    s.deps.Ledger.Head(),
		"total":   s.deps.Ledger.Len(),
	})
}
