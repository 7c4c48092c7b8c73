// Package autonomy holds the autonomy state machine and everything that reads
// or drives it: the execution guard every autonomous action passes through,
// the system validator, and the owner reauthorization workflow.
//
// Legal transitions:
//
//	FORWARD_EXECUTION    -> CORRECTION_MODE
//	CORRECTION_MODE      -> WAITING_FOR_APPROVAL
//	WAITING_FOR_APPROVAL -> FORWARD_EXECUTION | CORRECTION_MODE
package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

// State is the process-wide autonomy mode.
type State string

const (
	ForwardExecution   State = "FORWARD_EXECUTION"
	CorrectionMode     State = "CORRECTION_MODE"
	WaitingForApproval State = "WAITING_FOR_APPROVAL"
)

// States lists every autonomy state.
var States = []State{ForwardExecution, CorrectionMode, WaitingForApproval}

var legalTransitions = map[State]map[State]bool{
	ForwardExecution:   {CorrectionMode: true},
	CorrectionMode:     {WaitingForApproval: true},
	WaitingForApproval: {ForwardExecution: true, CorrectionMode: true},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	return legalTransitions[from][to]
}

// ParseState parses a state name.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown autonomy state %q", s)
}

// Transition is one immutable entry of the state history.
type Transition struct {
	ID          string    `json:"id"`
	Sequence    uint64    `json:"sequence"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	Cause       string    `json:"cause"`
	ActorID     string    `json:"actor_id"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"content_hash"`
}

// Snapshot is the published, read-only view of the current state.
type Snapshot struct {
	State      State     `json:"state"`
	Since      time.Time `json:"since"`
	LastCause  string    `json:"last_cause,omitempty"`
	LastReason string    `json:"last_reason,omitempty"`
	Sequence   uint64    `json:"sequence"`
}

// TransitionStore persists the transition history.
type TransitionStore interface {
	AppendTransition(ctx context.Context, t Transition) error
	LoadTransitions(ctx context.Context) ([]Transition, error)
}

// StateModel owns the autonomy state. Transitions are serialized by a single
// mutex; readers use the atomically published snapshot and never block.
type StateModel struct {
	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	history   []Transition
	store     TransitionStore
	listeners []func(Transition)
	clock     func() time.Time
	logger    *slog.Logger
}

// StateOption configures a StateModel.
type StateOption func(*StateModel)

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) StateOption {
	return func(m *StateModel) { m.clock = clock }
}

// WithTransitionStore persists every transition before it takes effect.
func WithTransitionStore(store TransitionStore) StateOption {
	return func(m *StateModel) { m.store = store }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) StateOption {
	return func(m *StateModel) { m.logger = logger }
}

// NewStateModel creates a model in the given initial state with empty history.
func NewStateModel(initial State, opts ...StateOption) *StateModel {
	m := &StateModel{
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(&Snapshot{State: initial, Since: m.clock().UTC()})
	return m
}

// Restore loads the persisted history from the configured store. The current
// state becomes the target of the last transition, or stays at the initial
// state when nothing was persisted.
func (m *StateModel) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	transitions, err := m.store.LoadTransitions(ctx)
	if err != nil {
		return fmt.Errorf("load autonomy transitions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, t := range transitions {
		if !CanTransition(t.From, t.To) {
			return fmt.Errorf("persisted transition %d: %w", t.Sequence, &IllegalTransitionError{From: t.From, To: t.To})
		}
		if i > 0 && transitions[i-1].To != t.From {
			return fmt.Errorf("persisted transition %d starts from %s but previous ended in %s", t.Sequence, t.From, transitions[i-1].To)
		}
	}
	m.history = append([]Transition(nil), transitions...)
	if n := len(transitions); n > 0 {
		last := transitions[n-1]
		m.current.Store(&Snapshot{
			State:      last.To,
			Since:      last.Timestamp,
			LastCause:  last.Cause,
			LastReason: last.Reason,
			Sequence:   last.Sequence,
		})
		m.logger.Info("autonomy state restored", "state", last.To, "transitions", n)
	}
	return nil
}

// CurrentState returns the active state without locking.
func (m *StateModel) CurrentState() State {
	return m.current.Load().State
}

// Snapshot returns a copy of the published snapshot.
func (m *StateModel) Snapshot() Snapshot {
	return *m.current.Load()
}

// OnTransition registers a listener called after each committed transition.
func (m *StateModel) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Transition moves the model to `to`. Legality is checked against the state
// observed after acquiring the lock, so a caller that waited behind another
// transition is judged against the new state.
func (m *StateModel) Transition(ctx context.Context, to State, cause, actorID, reason string) (Transition, error) {
	return m.transition(ctx, "", to, cause, actorID, reason)
}

// ErrStateChanged is returned by TransitionFrom when the state observed under
// the lock is not the one the caller required.
var ErrStateChanged = errors.New("autonomy state changed")

// TransitionFrom is Transition guarded by an expected current state.
func (m *StateModel) TransitionFrom(ctx context.Context, from, to State, cause, actorID, reason string) (Transition, error) {
	return m.transition(ctx, from, to, cause, actorID, reason)
}

func (m *StateModel) transition(ctx context.Context, expected, to State, cause, actorID, reason string) (Transition, error) {
	if cause == "" {
		return Transition{}, &ValidationError{Field: "cause", Message: "is required"}
	}
	if actorID == "" {
		return Transition{}, &ValidationError{Field: "actorId", Message: "is required"}
	}

	m.mu.Lock()
	cur := m.current.Load()
	if expected != "" && cur.State != expected {
		m.mu.Unlock()
		return Transition{}, ErrStateChanged
	}
	if !CanTransition(cur.State, to) {
		m.mu.Unlock()
		return Transition{}, &IllegalTransitionError{From: cur.State, To: to}
	}

	t := Transition{
		ID:        uuid.NewString(),
		Sequence:  cur.Sequence + 1,
		From:      cur.State,
		To:        to,
		Cause:     cause,
		ActorID:   actorID,
		Reason:    reason,
		Timestamp: m.clock().UTC().Truncate(time.Microsecond),
	}
	hash, err := governance.ContentHash(struct {
		Sequence  uint64    `json:"sequence"`
		From      State     `json:"from"`
		To        State     `json:"to"`
		Cause     string    `json:"cause"`
		ActorID   string    `json:"actor_id"`
		Reason    string    `json:"reason"`
		Timestamp time.Time `json:"timestamp"`
	}{t.Sequence, t.From, t.To, t.Cause, t.ActorID, t.Reason, t.Timestamp})
	if err != nil {
		m.mu.Unlock()
		return Transition{}, err
	}
	t.ContentHash = hash

	if m.store != nil {
		if err := m.store.AppendTransition(ctx, t); err != nil {
			m.mu.Unlock()
			return Transition{}, fmt.Errorf("persist autonomy transition: %w", err)
		}
	}

	m.history = append(m.history, t)
	m.current.Store(&Snapshot{
		State:      to,
		Since:      t.Timestamp,
		LastCause:  cause,
		LastReason: reason,
		Sequence:   t.Sequence,
	})
	listeners := append([]func(Transition){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Info("autonomy state transition",
		"from", t.From, "to", t.To, "cause", cause, "actor", actorID)
	for _, fn := range listeners {
		fn(t)
	}
	return t, nil
}

// History returns a copy of all transitions, oldest first.
func (m *StateModel) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// EnterCorrectionMode moves forward execution into correction mode. It
// reports false without error when execution is already stopped.
func (m *StateModel) EnterCorrectionMode(ctx context.Context, cause, actorID, reason string) (bool, error) {
	_, err := m.transition(ctx, ForwardExecution, CorrectionMode, cause, actorID, reason)
	if errors.Is(err, ErrStateChanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
