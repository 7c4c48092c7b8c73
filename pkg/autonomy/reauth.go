package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

// RequestStatus is the lifecycle status of a reauthorization request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestDenied    RequestStatus = "denied"
	RequestCancelled RequestStatus = "cancelled"
)

// Decision is an owner verdict.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionDeny    Decision = "DENY"
)

// Transition causes recorded by the reauthorization workflow.
const (
	CauseOwnerApproval     = "owner_approval"
	CauseOwnerDenial       = "owner_denial"
	CauseDirtyApproval     = "dirty_state_on_approval"
	CauseReauthRequested   = "reauthorization_requested"
	CauseReauthCancelled   = "reauthorization_cancelled"
	CauseProgramCompletion = "program_completion"
)

// Request is a reauthorization request. Its status changes exactly once,
// from pending to a terminal value.
type Request struct {
	ID              string            `json:"id"`
	ProgramID       string            `json:"programId,omitempty"`
	Reason          string            `json:"reason"`
	RaisedAt        time.Time         `json:"raisedAt"`
	RaisedBy        string            `json:"raisedBy"`
	Status          RequestStatus     `json:"status"`
	Validation      *ValidationResult `json:"validation,omitempty"`
	DecidedBy       string            `json:"decidedBy,omitempty"`
	DecidedAt       *time.Time        `json:"decidedAt,omitempty"`
	DecisionReason  string            `json:"decisionReason,omitempty"`
	ApprovalBlocked bool              `json:"approvalBlocked,omitempty"`
}

// RequestStore persists reauthorization requests.
type RequestStore interface {
	SaveRequest(ctx context.Context, r Request) error
	LoadRequests(ctx context.Context) ([]Request, error)
}

// Validator is the SystemValidator contract consumed by the engine.
type Validator interface {
	ValidateSystemState(ctx context.Context) ValidationResult
}

// DecisionResult is returned by ProcessOwnerDecision.
type DecisionResult struct {
	RequestID  string    `json:"requestId"`
	State      State     `json:"state"`
	Decision   Decision  `json:"decision"`
	Timestamp  time.Time `json:"timestamp"`
	Blocked    bool      `json:"blocked,omitempty"`
	Violations []string  `json:"violations,omitempty"`
}

// RequestResult is returned by RequestReauthorization. Request is nil when
// the system was not clean enough to ask the owner.
type RequestResult struct {
	Request    *Request         `json:"request,omitempty"`
	Validation ValidationResult `json:"validation"`
}

// ReauthorizationEngine is the only writer of request status and the only
// path from correction back to forward execution. It has no autonomous
// approval path: every decision names an owner.
type ReauthorizationEngine struct {
	mu        sync.Mutex
	requests  map[string]*Request
	model     *StateModel
	validator Validator
	store     RequestStore
	recorder  *governance.Recorder
	clock     func() time.Time
	logger    *slog.Logger
}

// NewReauthorizationEngine wires the engine. store may be nil.
func NewReauthorizationEngine(model *StateModel, validator Validator, store RequestStore, recorder *governance.Recorder) *ReauthorizationEngine {
	return &ReauthorizationEngine{
		requests:  make(map[string]*Request),
		model:     model,
		validator: validator,
		store:     store,
		recorder:  recorder,
		clock:     time.Now,
		logger:    slog.Default(),
	}
}

// WithClock overrides the wall clock.
func (e *ReauthorizationEngine) WithClock(clock func() time.Time) *ReauthorizationEngine {
	e.clock = clock
	return e
}

// Restore loads persisted requests.
func (e *ReauthorizationEngine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	reqs, err := e.store.LoadRequests(ctx)
	if err != nil {
		return fmt.Errorf("load reauthorization requests: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range reqs {
		r := reqs[i]
		e.requests[r.ID] = &r
	}
	return nil
}

// RequestReauthorization asks the owner to resume forward execution. Forward
// execution is stopped first if needed. A dirty system produces no request.
// Any request still pending is superseded.
func (e *ReauthorizationEngine) RequestReauthorization(ctx context.Context, programID, reason, actorID string) (*RequestResult, error) {
	if actorID == "" {
		return nil, &ValidationError{Field: "actorId", Message: "is required"}
	}
	if reason == "" {
		reason = "reauthorization requested"
		if programID != "" {
			reason = fmt.Sprintf("program %s completed", programID)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.model.EnterCorrectionMode(ctx, CauseProgramCompletion, actorID, reason); err != nil {
		return nil, err
	}

	validation := e.validator.ValidateSystemState(WithProgram(ctx, programID))
	if !validation.IsClean {
		e.logger.Warn("reauthorization refused, system not clean", "violations", validation.Violations)
		return &RequestResult{Validation: validation}, nil
	}

	now := e.clock().UTC()
	for _, r := range e.requests {
		if r.Status != RequestPending {
			continue
		}
		if err := e.finish(ctx, r, RequestCancelled, actorID, "superseded by a new request", now); err != nil {
			return nil, err
		}
	}

	req := &Request{
		ID:         "reauth_" + uuid.NewString(),
		ProgramID:  programID,
		Reason:     reason,
		RaisedAt:   now,
		RaisedBy:   actorID,
		Status:     RequestPending,
		Validation: &validation,
	}
	if err := e.save(ctx, req); err != nil {
		return nil, err
	}
	e.requests[req.ID] = req

	if e.model.CurrentState() == CorrectionMode {
		if _, err := e.model.TransitionFrom(ctx, CorrectionMode, WaitingForApproval, CauseReauthRequested, actorID, reason); err != nil && !errors.Is(err, ErrStateChanged) {
			return nil, err
		}
	}

	e.record(ctx, governance.Event{
		Type:        governance.EventReauthRequested,
		Severity:    governance.SeverityMedium,
		Description: fmt.Sprintf("reauthorization %s requested by %s", req.ID, actorID),
		Metadata:    map[string]any{"requestId": req.ID, "programId": programID, "reason": reason},
	})
	cp := *req
	return &RequestResult{Request: &cp, Validation: validation}, nil
}

// ProcessOwnerDecision applies an owner decision to a pending request.
// Input is validated before the request is looked up, so a deny without a
// reason is always a *ValidationError.
func (e *ReauthorizationEngine) ProcessOwnerDecision(ctx context.Context, requestID string, decision Decision, ownerID, reason string) (*DecisionResult, error) {
	if err := validateDecisionInput(requestID, decision, ownerID, reason); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.requests[requestID]
	if !ok {
		return nil, &NotFoundError{RequestID: requestID}
	}
	if req.Status != RequestPending {
		return nil, &NotFoundError{RequestID: requestID, Status: req.Status}
	}

	if decision == DecisionDeny {
		return e.deny(ctx, req, ownerID, reason)
	}
	return e.approve(ctx, req, ownerID, reason)
}

func validateDecisionInput(requestID string, decision Decision, ownerID, reason string) error {
	if strings.TrimSpace(requestID) == "" {
		return &ValidationError{Field: "requestId", Message: "is required"}
	}
	if strings.TrimSpace(ownerID) == "" {
		return &ValidationError{Field: "ownerId", Message: "is required"}
	}
	switch decision {
	case DecisionApprove:
	case DecisionDeny:
		if strings.TrimSpace(reason) == "" {
			return &ValidationError{Field: "reason", Message: "is required to deny"}
		}
	default:
		return &ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", decision)}
	}
	return nil
}

func (e *ReauthorizationEngine) deny(ctx context.Context, req *Request, ownerID, reason string) (*DecisionResult, error) {
	if _, err := e.model.TransitionFrom(ctx, WaitingForApproval, CorrectionMode, CauseOwnerDenial, ownerID, reason); err != nil && !errors.Is(err, ErrStateChanged) {
		return nil, err
	}
	now := e.clock().UTC()
	if err := e.finish(ctx, req, RequestDenied, ownerID, reason, now); err != nil {
		return nil, err
	}
	e.logger.Info("reauthorization denied", "request", req.ID, "owner", ownerID)
	e.record(ctx, decisionEvent(req, DecisionDeny, ownerID, reason, governance.SeverityMedium))

	return &DecisionResult{
		RequestID: req.ID,
		State:     e.model.CurrentState(),
		Decision:  DecisionDeny,
		Timestamp: now,
	}, nil
}

func (e *ReauthorizationEngine) approve(ctx context.Context, req *Request, ownerID, reason string) (*DecisionResult, error) {
	validation := e.validator.ValidateSystemState(WithProgram(ctx, req.ProgramID))
	req.Validation = &validation

	if !validation.IsClean {
		msg := "approval blocked by dirty system state: " + strings.Join(validation.Violations, "; ")
		if _, err := e.model.TransitionFrom(ctx, WaitingForApproval, CorrectionMode, CauseDirtyApproval, ownerID, msg); err != nil && !errors.Is(err, ErrStateChanged) {
			return nil, err
		}
		now := e.clock().UTC()
		req.ApprovalBlocked = true
		if err := e.finish(ctx, req, RequestApproved, ownerID, reason, now); err != nil {
			return nil, err
		}
		e.logger.Warn("owner approval blocked by dirty system state", "request", req.ID, "owner", ownerID, "violations", validation.Violations)
		e.record(ctx, governance.Event{
			Type:        governance.EventDirtyApproval,
			Severity:    governance.SeverityHigh,
			Description: fmt.Sprintf("approval of %s by %s did not resume forward execution", req.ID, ownerID),
			Metadata:    map[string]any{"requestId": req.ID, "ownerId": ownerID, "violations": validation.Violations},
		})
		return &DecisionResult{
			RequestID:  req.ID,
			State:      e.model.CurrentState(),
			Decision:   DecisionApprove,
			Timestamp:  now,
			Blocked:    true,
			Violations: validation.Violations,
		}, nil
	}

	if _, err := e.model.Transition(ctx, ForwardExecution, CauseOwnerApproval, ownerID, reason); err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	if err := e.finish(ctx, req, RequestApproved, ownerID, reason, now); err != nil {
		return nil, err
	}
	e.logger.Info("reauthorization approved", "request", req.ID, "owner", ownerID)
	e.record(ctx, decisionEvent(req, DecisionApprove, ownerID, reason, governance.SeverityMedium))

	return &DecisionResult{
		RequestID: req.ID,
		State:     e.model.CurrentState(),
		Decision:  DecisionApprove,
		Timestamp: now,
	}, nil
}

// CancelRequest withdraws a pending request.
func (e *ReauthorizationEngine) CancelRequest(ctx context.Context, requestID, actorID, reason string) (*Request, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Field: "reason", Message: "is required to cancel"}
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, &ValidationError{Field: "actorId", Message: "is required"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.requests[requestID]
	if !ok {
		return nil, &NotFoundError{RequestID: requestID}
	}
	if req.Status != RequestPending {
		return nil, &NotFoundError{RequestID: requestID, Status: req.Status}
	}

	if _, err := e.model.TransitionFrom(ctx, WaitingForApproval, CorrectionMode, CauseReauthCancelled, actorID, reason); err != nil && !errors.Is(err, ErrStateChanged) {
		return nil, err
	}
	if err := e.finish(ctx, req, RequestCancelled, actorID, reason, e.clock().UTC()); err != nil {
		return nil, err
	}
	e.record(ctx, governance.Event{
		Type:        governance.EventReauthCancelled,
		Severity:    governance.SeverityLow,
		Description: fmt.Sprintf("reauthorization %s cancelled by %s", req.ID, actorID),
		Metadata:    map[string]any{"requestId": req.ID, "reason": reason},
	})
	cp := *req
	return &cp, nil
}

// Get returns a copy of a request.
func (e *ReauthorizationEngine) Get(requestID string) (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[requestID]
	if !ok {
		return Request{}, &NotFoundError{RequestID: requestID}
	}
	return *req, nil
}

// Pending returns the pending requests, oldest first.
func (e *ReauthorizationEngine) Pending() []Request {
	return e.list(func(r *Request) bool { return r.Status == RequestPending })
}

// List returns every request, oldest first.
func (e *ReauthorizationEngine) List() []Request {
	return e.list(func(*Request) bool { return true })
}

func (e *ReauthorizationEngine) list(keep func(*Request) bool) []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, 0, len(e.requests))
	for _, r := range e.requests {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out
}

// finish moves req to a terminal status. The in-memory request is only
// updated once the store accepted it.
func (e *ReauthorizationEngine) finish(ctx context.Context, req *Request, status RequestStatus, actorID, reason string, at time.Time) error {
	next := *req
	next.Status = status
	next.DecidedBy = actorID
	next.DecidedAt = &at
	next.DecisionReason = reason
	if err := e.save(ctx, &next); err != nil {
		return err
	}
	*req = next
	return nil
}

func (e *ReauthorizationEngine) save(ctx context.Context, req *Request) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveRequest(ctx, *req); err != nil {
		return fmt.Errorf("persist reauthorization request %s: %w", req.ID, err)
	}
	return nil
}

func (e *ReauthorizationEngine) record(ctx context.Context, ev governance.Event) {
	if e.recorder == nil {
		return
	}
	_ = e.recorder.Record(ctx, ev)
}

func decisionEvent(req *Request, d Decision, ownerID, reason string, sev governance.Severity) governance.Event {
	return governance.Event{
		Type:        governance.EventReauthorization,
		Severity:    sev,
		Description: fmt.Sprintf("owner %s decided %s on %s", ownerID, d, req.ID),
		Metadata: map[string]any{
			"requestId": req.ID,
			"decision":  string(d),
			"ownerId":   ownerID,
			"reason":    reason,
		},
	}
}
