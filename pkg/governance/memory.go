// Package governance provides the governance memory: the durable,
// append-only audit log every autonomy decision, supervision verdict and
// external mutation is recorded into.
package governance

import (
	"context"
	"errors"
	"time"
)

// Severity grades a governance event for downstream alerting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EventType categorizes governance events.
type EventType string

const (
	EventStateTransition   EventType = "autonomy_state_transition"
	EventReauthorization   EventType = "reauthorization_decision"
	EventReauthRequested   EventType = "reauthorization_requested"
	EventReauthCancelled   EventType = "reauthorization_cancelled"
	EventDirtyApproval     EventType = "dirty_state_approval_blocked"
	EventManualBlock       EventType = "execution_manual_block"
	EventManualUnblock     EventType = "execution_manual_unblock"
	EventSupervision       EventType = "supervision_validation"
	EventSafetyViolation   EventType = "mcp_safety_violation"
	EventSafetyCheck       EventType = "mcp_safety_check"
	EventBypassAttempt     EventType = "mcp_bypass_attempt"
	EventGitHubMutation    EventType = "github_mutation"
	EventAuditWriteFailure EventType = "audit_write_failure"
)

var (
	ErrInvalidEvent = errors.New("governance event requires type, severity and description")
	ErrChainBroken  = errors.New("governance hash chain is broken")
	ErrNoMemory     = errors.New("no governance memory configured")
)

// Event is what callers hand to the governance memory.
type Event struct {
	Type        EventType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate rejects events that cannot be meaningfully audited.
func (e Event) Validate() error {
	if e.Type == "" || e.Severity == "" || e.Description == "" {
		return ErrInvalidEvent
	}
	return nil
}

// Memory is the governance memory collaborator contract. Implementations
// are append-only; a returned error means the event was not recorded.
type Memory interface {
	LogGovernanceEvent(ctx context.Context, event Event) error
}

// MemoryFunc adapts a function to Memory.
type MemoryFunc func(ctx context.Context, event Event) error

func (f MemoryFunc) LogGovernanceEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Discard accepts and drops every event. Only for tools that never mutate.
var Discard Memory = MemoryFunc(func(context.Context, Event) error { return nil })

// Record is a persisted, hash-chained governance event.
type Record struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"type"`
	Severity     Severity       `json:"severity"`
	Description  string         `json:"description"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

// RecordStore persists records durably. Append must be atomic per record.
type RecordStore interface {
	AppendRecord(ctx context.Context, rec Record) error
	LoadRecords(ctx context.Context) ([]Record, error)
}
