// Package mutation executes GitHub mutations behind the safety layer with
// bounded retries, per-resource serialization and exactly one governance
// record per call.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
	"github.com/Mindburn-Labs/foreman/pkg/observability"
	"github.com/Mindburn-Labs/foreman/pkg/safety"
)

// Type names a kind of mutation.
type Type string

const (
	TypeMergePR      Type = "merge_pr"
	TypeCloseIssue   Type = "close_issue"
	TypeReopenIssue  Type = "reopen_issue"
	TypeAddLabels    Type = "add_labels"
	TypeRemoveLabels Type = "remove_labels"
	TypeComment      Type = "comment"
)

// Outcome values recorded on mutation events.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRefused   = "refused"
	OutcomeCancelled = "cancelled"
)

// Gate runs the safety validation a mutation type requires. input is the
// Operation's Input.
type Gate func(ctx context.Context, input any) (safety.SafetyCheckResult, error)

type registration struct {
	check string
	gate  Gate
}

// Operation describes one mutation call. Resource is the lock key;
// Target is what the audit event names.
type Operation struct {
	Type     Type
	Resource string
	Target   Target
	Input    any
}

// EscalationFunc is called once consecutive failures of one mutation type
// reach the threshold.
type EscalationFunc func(ctx context.Context, op Operation, failures int, err error)

// Engine runs mutations. It is safe for concurrent use.
type Engine struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      Sleeper
	locker     Locker
	guard      *autonomy.ExecutionGuard
	recorder   *governance.Recorder
	obs        *observability.Provider
	logger     *slog.Logger

	escalateAfter int
	escalate      EscalationFunc

	mu       sync.RWMutex
	registry map[Type]registration
	failures map[Type]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRetries sets the total number of attempts.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithBaseDelay sets the first backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.baseDelay = d
		}
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(e *Engine) { e.maxDelay = d }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// WithLocker replaces the in-process resource lock.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithGuard refuses mutations while autonomous execution is blocked.
func WithGuard(g *autonomy.ExecutionGuard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithRecorder sets the governance recorder.
func WithRecorder(r *governance.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithObservability traces each call.
func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEscalation calls fn when threshold consecutive calls of one mutation
// type end in failure.
func WithEscalation(threshold int, fn EscalationFunc) Option {
	return func(e *Engine) {
		e.escalateAfter = threshold
		e.escalate = fn
	}
}

// NewEngine creates an engine with no registered mutation types.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		sleep:      sleepContext,
		locker:     NewLocalLocker(),
		logger:     slog.Default(),
		registry:   map[Type]registration{},
		failures:   map[Type]int{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register allows mutation type t, guarded by gate. check names the safety
// validation the gate performs.
func (e *Engine) Register(t Type, check string, gate Gate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry[t] = registration{check: check, gate: gate}
}

// Registered lists each registered type with its safety check.
func (e *Engine) Registered() map[Type]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[Type]string, len(e.registry))
	for t, r := range e.registry {
		out[t] = r.check
	}
	return out
}

// Locker returns the resource lock in use.
func (e *Engine) Locker() Locker { return e.locker }

func (e *Engine) lookup(t Type) (registration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.registry[t]
	return r, ok
}

type attemptLog struct {
	attempts int
	outcome  string
	check    string
}

// Execute runs fn for op. The resource lock is held from the safety gate
// through the last attempt. Retryable failures are retried up to the
// engine's limit with exponential backoff; policy refusals never are.
func Execute[T any](ctx context.Context, e *Engine, op Operation, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	ctx, done := e.obs.TrackOperation(ctx, "mutation."+string(op.Type), observability.MutationAttrs(string(op.Type), op.Resource)...)

	log := attemptLog{outcome: OutcomeRefused}
	v, err := execute(ctx, e, op, fn, &log)
	done(err)
	e.finish(ctx, op, log, time.Since(start), err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

func execute[T any](ctx context.Context, e *Engine, op Operation, fn func(ctx context.Context) (T, error), log *attemptLog) (T, error) {
	var zero T

	reg, ok := e.lookup(op.Type)
	if !ok {
		return zero, &safety.GovernanceViolationError{Reason: fmt.Sprintf("mutation type %q is not registered", op.Type)}
	}
	log.check = reg.check
	if e.guard != nil {
		if err := e.guard.AssertAllowed(string(op.Type)); err != nil {
			return zero, err
		}
	}

	release, err := e.locker.Acquire(ctx, op.Resource)
	if err != nil {
		if ctx.Err() != nil {
			log.outcome = OutcomeCancelled
		}
		return zero, fmt.Errorf("lock %s: %w", op.Resource, err)
	}
	defer release()

	res, err := reg.gate(ctx, op.Input)
	if err != nil {
		return zero, err
	}
	if !res.Passed {
		return zero, refusal(res)
	}

	var last error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			log.outcome = OutcomeCancelled
			return zero, &MutationFailureError{Type: op.Type, Resource: op.Resource, Attempts: log.attempts, Err: err}
		}
		log.attempts = attempt
		v, err := fn(ctx)
		if err == nil {
			log.outcome = OutcomeSucceeded
			return v, nil
		}
		last = err
		if !IsRetryable(err) {
			break
		}
		if attempt == e.maxRetries {
			break
		}
		delay := Backoff(e.baseDelay, e.maxDelay, attempt)
		e.logger.Warn("mutation attempt failed, retrying",
			"type", op.Type, "resource", op.Resource, "attempt", attempt, "delay", delay, "error", err)
		if err := e.sleep(ctx, delay); err != nil {
			log.outcome = OutcomeCancelled
			return zero, &MutationFailureError{Type: op.Type, Resource: op.Resource, Attempts: log.attempts, Err: err}
		}
	}

	log.outcome = OutcomeFailed
	var gv *safety.GovernanceViolationError
	var cv *safety.ComplianceViolationError
	if errors.As(last, &gv) || errors.As(last, &cv) {
		return zero, last
	}
	return zero, &MutationFailureError{Type: op.Type, Resource: op.Resource, Attempts: log.attempts, Err: last}
}

func refusal(res safety.SafetyCheckResult) error {
	if res.SecretsDetected {
		return &safety.ComplianceViolationError{Reason: "secrets detected", Details: res.BlockingReasons}
	}
	return &safety.GovernanceViolationError{Reason: "safety checks failed", Fields: res.BlockingReasons}
}

// finish writes the single governance record for a call and tracks
// consecutive failures per mutation type for escalation.
func (e *Engine) finish(ctx context.Context, op Operation, log attemptLog, elapsed time.Duration, err error) {
	ev := newEvent(op, log, elapsed, err, time.Now())
	sev := governance.SeverityLow
	if ev.Mutation.Result == ResultFailure {
		sev = governance.SeverityHigh
	}

	if err != nil {
		e.logger.Error("mutation failed", "type", op.Type, "resource", op.Resource, "outcome", log.outcome, "attempts", log.attempts, "error", err)
	} else {
		e.logger.Info("mutation succeeded", "type", op.Type, "resource", op.Resource, "attempts", log.attempts)
	}
	if e.recorder != nil {
		meta, merr := ev.fields()
		if merr != nil {
			e.logger.Error("encode mutation event", "type", op.Type, "error", merr)
			meta = map[string]any{"id": ev.ID, "eventType": ev.EventType, "actor": ev.Actor}
		}
		_ = e.recorder.Record(ctx, governance.Event{
			Type:        governance.EventGitHubMutation,
			Severity:    sev,
			Description: fmt.Sprintf("GitHub mutation: %s on %s %d (%s)", ev.EventType, ev.Target.ResourceType, ev.Target.ResourceID, log.outcome),
			Metadata:    meta,
		})
	}

	if log.outcome == OutcomeCancelled {
		return
	}
	e.mu.Lock()
	if log.outcome == OutcomeFailed {
		e.failures[op.Type]++
	} else if log.outcome == OutcomeSucceeded {
		delete(e.failures, op.Type)
	}
	failures := e.failures[op.Type]
	trigger := e.escalate != nil && e.escalateAfter > 0 && log.outcome == OutcomeFailed && failures == e.escalateAfter
	e.mu.Unlock()

	if trigger {
		e.logger.Error("repeated mutation failures, escalating", "type", op.Type, "failures", failures)
		e.escalate(ctx, op, failures, err)
	}
}
