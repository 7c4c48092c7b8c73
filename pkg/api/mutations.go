package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/foreman/pkg/mutation"
	"github.com/Mindburn-Labs/foreman/pkg/safety"
	"github.com/Mindburn-Labs/foreman/pkg/supervision"
)

// MutationEnvelope carries what the supervision graph judges a mutation by.
type MutationEnvelope struct {
	Description string                    `json:"description,omitempty"`
	Context     supervision.ActionContext `json:"context"`
}

// MergeBody is the body of POST /api/v1/mutations/merge.
type MergeBody struct {
	safety.MergeRequest
	Method string `json:"method,omitempty"`
	MutationEnvelope
}

// CloseIssueBody is the body of POST /api/v1/mutations/issues/close.
type CloseIssueBody struct {
	safety.IssueCloseRequest
	MutationEnvelope
}

// ReopenIssueBody is the body of POST /api/v1/mutations/issues/reopen.
type ReopenIssueBody struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issueNumber"`
	Reason      string `json:"reason"`
	MutationEnvelope
}

// LabelsBody is the body of POST /api/v1/mutations/labels.
type LabelsBody struct {
	safety.LabelRequest
	MutationEnvelope
}

// CommentBody is the body of POST /api/v1/mutations/comments.
type CommentBody struct {
	safety.CommentRequest
	MutationEnvelope
}

// MutationResponse reports a mutation that passed every gate.
type MutationResponse struct {
	ActionID    string             `json:"actionId"`
	Type        mutation.Type      `json:"type"`
	Supervision supervision.Result `json:"supervision"`
	Result      any                `json:"result,omitempty"`
}

func (s *Server) builder(h http.Handler) http.Handler {
	if s.deps.RequireBuilder == nil {
		return s.owner(h)
	}
	return s.deps.RequireBuilder(h)
}

func (s *Server) mutationRoutes() {
	if s.deps.Mutator == nil {
		return
	}
	s.mux.Handle("POST /api/v1/mutations/merge", s.builder(http.HandlerFunc(s.handleMerge)))
	s.mux.Handle("POST /api/v1/mutations/issues/close", s.builder(http.HandlerFunc(s.handleCloseIssue)))
	s.mux.Handle("POST /api/v1/mutations/issues/reopen", s.builder(http.HandlerFunc(s.handleReopenIssue)))
	s.mux.Handle("POST /api/v1/mutations/labels", s.builder(http.HandlerFunc(s.handleLabels)))
	s.mux.Handle("POST /api/v1/mutations/comments", s.builder(http.HandlerFunc(s.handleComment)))
	s.mux.Handle("POST /api/v1/tools/merge_pr", s.builder(http.HandlerFunc(s.handleMergeTool)))
	s.mux.HandleFunc("GET /api/v1/mutations/types", s.handleMutationTypes)
}

// run supervises a mutation and executes it when the graph allows.
func (s *Server) run(w http.ResponseWriter, r *http.Request, t mutation.Type, target string, env MutationEnvelope,
	exec func(ctx context.Context) (any, error)) {
	sup := s.supervisorOr404(w)
	if sup == nil {
		return
	}
	desc := env.Description
	if desc == "" {
		desc = fmt.Sprintf("%s on %s", t, target)
	}
	action := supervision.Action{
		ID:          uuid.NewString(),
		Type:        "github." + string(t),
		Description: desc,
		Context:     env.Context,
	}
	action.Context.MutatesState = true

	verdict := sup.Validate(r.Context(), action)
	if !verdict.ExecutionAllowed {
		s.logger.Warn("mutation refused by supervision",
			"type", t, "target", target, "action_id", action.ID, "status", verdict.OverallStatus,
			"actor", s.subject(r), "request_id", RequestID(r.Context()))
		status, title := http.StatusForbidden, "Supervision Blocked"
		if verdict.OverallStatus == supervision.StatusRequiresEscalation {
			status, title = http.StatusConflict, "Escalation Required"
		}
		writeProblem(w, &ProblemDetail{
			Title:  title,
			Status: status,
			Detail: fmt.Sprintf("action %s was not allowed (%s)", action.ID, verdict.OverallStatus),
			Errors: verdictReasons(verdict),
		})
		return
	}

	out, err := exec(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, MutationResponse{ActionID: action.ID, Type: t, Supervision: verdict, Result: out})
}

func verdictReasons(res supervision.Result) []string {
	var out []string
	for _, nr := range res.NodeResults {
		switch nr.Status {
		case supervision.StatusBlocked:
			for _, b := range nr.Blockers {
				out = append(out, fmt.Sprintf("%s: %s", nr.NodeID, b))
			}
		case supervision.StatusRequiresEscalation:
			out = append(out, fmt.Sprintf("%s: %s", nr.NodeID, nr.Message))
		}
	}
	return append(out, res.EdgeViolations...)
}

func (s *Server) subject(r *http.Request) string {
	if s.deps.Subject == nil {
		return s.actor(r)
	}
	id, _ := s.deps.Subject(r.Context())
	return id
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var body MergeBody
	if err := decodeBody(w, r, schemaMerge, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	target := issueTarget(body.Owner, body.Repo, body.PRNumber)
	s.run(w, r, mutation.TypeMergePR, target, body.MutationEnvelope, func(ctx context.Context) (any, error) {
		return s.deps.Mutator.MergePullRequest(ctx, body.MergeRequest, body.Method)
	})
}

func (s *Server) handleCloseIssue(w http.ResponseWriter, r *http.Request) {
	var body CloseIssueBody
	if err := decodeBody(w, r, schemaCloseIssue, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	target := issueTarget(body.Owner, body.Repo, body.IssueNumber)
	s.run(w, r, mutation.TypeCloseIssue, target, body.MutationEnvelope, func(ctx context.Context) (any, error) {
		return nil, s.deps.Mutator.CloseIssue(ctx, body.IssueCloseRequest)
	})
}

func (s *Server) handleReopenIssue(w http.ResponseWriter, r *http.Request) {
	var body ReopenIssueBody
	if err := decodeBody(w, r, schemaReopenIssue, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	req := safety.IssueCloseRequest{Owner: body.Owner, Repo: body.Repo, IssueNumber: body.IssueNumber, Reason: body.Reason}
	s.run(w, r, mutation.TypeReopenIssue, issueTarget(body.Owner, body.Repo, body.IssueNumber), body.MutationEnvelope,
		func(ctx context.Context) (any, error) {
			return nil, s.deps.Mutator.ReopenIssue(ctx, req)
		})
}

func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	var body LabelsBody
	if err := decodeBody(w, r, schemaLabels, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	t := mutation.TypeAddLabels
	if body.Remove {
		t = mutation.TypeRemoveLabels
	}
	s.run(w, r, t, issueTarget(body.Owner, body.Repo, body.Number), body.MutationEnvelope, func(ctx context.Context) (any, error) {
		if body.Remove {
			return nil, s.deps.Mutator.RemoveLabels(ctx, body.LabelRequest)
		}
		return nil, s.deps.Mutator.AddLabels(ctx, body.LabelRequest)
	})
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	var body CommentBody
	if err := decodeBody(w, r, schemaComment, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	s.run(w, r, mutation.TypeComment, issueTarget(body.Owner, body.Repo, body.Number), body.MutationEnvelope,
		func(ctx context.Context) (any, error) {
			return nil, s.deps.Mutator.Comment(ctx, body.CommentRequest)
		})
}

// handleMergeTool accepts loosely typed tool-call input. It is not schema
// checked so that bypass flags reach the bypass detector and are recorded.
func (s *Server) handleMergeTool(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "request body could not be read")
		return
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil || input == nil {
		WriteBadRequest(w, "request body must be a JSON object")
		return
	}
	if len(safety.DetectBypass(input)) > 0 {
		// Refused and recorded before supervision runs.
		_, err := s.deps.Mutator.MergeInput(r.Context(), input)
		WriteDomainError(w, err)
		return
	}
	owner, _ := input["owner"].(string)
	repo, _ := input["repo"].(string)
	number, _ := input["prNumber"].(float64)
	desc, _ := input["description"].(string)
	s.run(w, r, mutation.TypeMergePR, issueTarget(owner, repo, int(number)), MutationEnvelope{Description: desc},
		func(ctx context.Context) (any, error) {
			return s.deps.Mutator.MergeInput(ctx, input)
		})
}

func (s *Server) handleMutationTypes(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"types":    s.deps.Mutator.Engine().Registered(),
		"readOnly": s.deps.Mutator.ReadOnly(),
	})
}

func issueTarget(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}
