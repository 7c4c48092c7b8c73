package mutation

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/foreman/pkg/github"
	"github.com/Mindburn-Labs/foreman/pkg/safety"
)

// DefaultMergeMethod is used when a merge request names none.
const DefaultMergeMethod = "squash"

// MergeResult is the outcome of a successful merge.
type MergeResult struct {
	SHA string `json:"sha"`
}

// Mutator exposes the GitHub mutations, each routed through an Engine and
// gated by the matching safety validation.
type Mutator struct {
	engine    *Engine
	client    github.Client
	validator *safety.Validator
	readOnly  bool
}

// NewMutator registers every GitHub mutation type on engine.
func NewMutator(engine *Engine, client github.Client, validator *safety.Validator) *Mutator {
	m := &Mutator{
		engine:    engine,
		client:    client,
		validator: validator,
		readOnly:  validator.Config().Validate().ReadOnly,
	}
	engine.Register(TypeMergePR, "ValidateMergeSafety", m.gate(func(ctx context.Context, in any) (safety.SafetyCheckResult, error) {
		req, ok := in.(safety.MergeRequest)
		if !ok {
			return safety.SafetyCheckResult{}, fmt.Errorf("merge gate: unexpected input %T", in)
		}
		return validator.ValidateMergeSafety(ctx, req), nil
	}))
	engine.Register(TypeCloseIssue, "ValidateIssueCloseSafety", m.gate(func(ctx context.Context, in any) (safety.SafetyCheckResult, error) {
		req, ok := in.(safety.IssueCloseRequest)
		if !ok {
			return safety.SafetyCheckResult{}, fmt.Errorf("close gate: unexpected input %T", in)
		}
		return validator.ValidateIssueCloseSafety(ctx, req), nil
	}))
	engine.Register(TypeReopenIssue, "ValidateReopenSafety", m.gate(func(ctx context.Context, in any) (safety.SafetyCheckResult, error) {
		req, ok := in.(safety.IssueCloseRequest)
		if !ok {
			return safety.SafetyCheckResult{}, fmt.Errorf("reopen gate: unexpected input %T", in)
		}
		return validator.ValidateReopenSafety(ctx, req), nil
	}))
	labels := func(remove bool) Gate {
		return m.gate(func(ctx context.Context, in any) (safety.SafetyCheckResult, error) {
			req, ok := in.(safety.LabelRequest)
			if !ok {
				return safety.SafetyCheckResult{}, fmt.Errorf("label gate: unexpected input %T", in)
			}
			req.Remove = remove
			return validator.ValidateLabelSafety(ctx, req), nil
		})
	}
	engine.Register(TypeAddLabels, "ValidateLabelSafety", labels(false))
	engine.Register(TypeRemoveLabels, "ValidateLabelSafety", labels(true))
	engine.Register(TypeComment, "ValidateCommentSafety", m.gate(func(ctx context.Context, in any) (safety.SafetyCheckResult, error) {
		req, ok := in.(safety.CommentRequest)
		if !ok {
			return safety.SafetyCheckResult{}, fmt.Errorf("comment gate: unexpected input %T", in)
		}
		return validator.ValidateCommentSafety(ctx, req), nil
	}))
	return m
}

// gate refuses every mutation in read-only mode.
func (m *Mutator) gate(g Gate) Gate {
	return func(ctx context.Context, in any) (safety.SafetyCheckResult, error) {
		if m.readOnly {
			return safety.SafetyCheckResult{}, ErrReadOnly
		}
		return g(ctx, in)
	}
}

// ReadOnly reports whether mutations are disabled for lack of credentials.
func (m *Mutator) ReadOnly() bool { return m.readOnly }

// Engine returns the underlying engine.
func (m *Mutator) Engine() *Engine { return m.engine }

func newOperation(t Type, owner, repo string, number int, input any) Operation {
	return Operation{
		Type:     t,
		Resource: fmt.Sprintf("%s/%s#%d", owner, repo, number),
		Target:   Target{Owner: owner, Repo: repo, ResourceType: t.ResourceType(), ResourceID: number},
		Input:    input,
	}
}

// MergePullRequest merges a PR once every merge check passes.
func (m *Mutator) MergePullRequest(ctx context.Context, req safety.MergeRequest, method string) (MergeResult, error) {
	if method == "" {
		method = DefaultMergeMethod
	}
	op := newOperation(TypeMergePR, req.Owner, req.Repo, req.PRNumber, req)
	return Execute(ctx, m.engine, op, func(ctx context.Context) (MergeResult, error) {
		sha, err := m.client.MergePullRequest(ctx, req.Owner, req.Repo, req.PRNumber, method, "")
		if err != nil {
			return MergeResult{}, err
		}
		return MergeResult{SHA: sha}, nil
	})
}

// MergeInput merges from a loosely typed tool input. Bypass flags are
// rejected before anything else happens.
func (m *Mutator) MergeInput(ctx context.Context, input map[string]any) (MergeResult, error) {
	if err := m.validator.RejectBypass(ctx, string(TypeMergePR), input); err != nil {
		return MergeResult{}, err
	}
	req := safety.MergeRequest{}
	req.Owner, _ = input["owner"].(string)
	req.Repo, _ = input["repo"].(string)
	switch n := input["prNumber"].(type) {
	case int:
		req.PRNumber = n
	case float64:
		req.PRNumber = int(n)
	}
	method, _ := input["mergeMethod"].(string)
	return m.MergePullRequest(ctx, req, method)
}

// CloseIssue posts the closure reason as a comment, then closes the issue.
// A retry after the comment landed does not post it again.
func (m *Mutator) CloseIssue(ctx context.Context, req safety.IssueCloseRequest) error {
	op := newOperation(TypeCloseIssue, req.Owner, req.Repo, req.IssueNumber, req)
	commented := false
	_, err := Execute(ctx, m.engine, op, func(ctx context.Context) (struct{}, error) {
		if !commented {
			if err := m.client.CreateComment(ctx, req.Owner, req.Repo, req.IssueNumber, closingComment(req)); err != nil {
				return struct{}{}, err
			}
			commented = true
		}
		return struct{}{}, m.client.SetIssueState(ctx, req.Owner, req.Repo, req.IssueNumber, "closed")
	})
	return err
}

func closingComment(req safety.IssueCloseRequest) string {
	body := "Closing: " + req.Reason
	for _, n := range req.LinkedPRs {
		if n > 0 {
			body += fmt.Sprintf("\n\nResolved by #%d", n)
		}
	}
	return body
}

// ReopenIssue reopens an issue and records the reason as a comment.
func (m *Mutator) ReopenIssue(ctx context.Context, req safety.IssueCloseRequest) error {
	op := newOperation(TypeReopenIssue, req.Owner, req.Repo, req.IssueNumber, req)
	reopened := false
	_, err := Execute(ctx, m.engine, op, func(ctx context.Context) (struct{}, error) {
		if !reopened {
			if err := m.client.SetIssueState(ctx, req.Owner, req.Repo, req.IssueNumber, "open"); err != nil {
				return struct{}{}, err
			}
			reopened = true
		}
		return struct{}{}, m.client.CreateComment(ctx, req.Owner, req.Repo, req.IssueNumber, "Reopening: "+req.Reason)
	})
	return err
}

// AddLabels adds labels to an issue or PR.
func (m *Mutator) AddLabels(ctx context.Context, req safety.LabelRequest) error {
	req.Remove = false
	op := newOperation(TypeAddLabels, req.Owner, req.Repo, req.Number, req)
	_, err := Execute(ctx, m.engine, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.client.AddLabels(ctx, req.Owner, req.Repo, req.Number, req.Labels)
	})
	return err
}

// RemoveLabels removes labels one by one, resuming after the last removed
// label on retry.
func (m *Mutator) RemoveLabels(ctx context.Context, req safety.LabelRequest) error {
	req.Remove = true
	op := newOperation(TypeRemoveLabels, req.Owner, req.Repo, req.Number, req)
	next := 0
	_, err := Execute(ctx, m.engine, op, func(ctx context.Context) (struct{}, error) {
		for ; next < len(req.Labels); next++ {
			if err := m.client.RemoveLabel(ctx, req.Owner, req.Repo, req.Number, req.Labels[next]); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Comment posts a comment after it passes the secret scan.
func (m *Mutator) Comment(ctx context.Context, req safety.CommentRequest) error {
	op := newOperation(TypeComment, req.Owner, req.Repo, req.Number, req)
	_, err := Execute(ctx, m.engine, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.client.CreateComment(ctx, req.Owner, req.Repo, req.Number, req.Body)
	})
	return err
}
