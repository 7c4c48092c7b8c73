package autonomy

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ModeManualBlock is reported as BlockStatus.Mode while an operator block is active.
const ModeManualBlock = "MANUAL_BLOCK"

// BlockStatus answers whether autonomous execution may proceed.
type BlockStatus struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	Mode    string `json:"mode"`
}

// StateReader is the read side of StateModel.
type StateReader interface {
	Snapshot() Snapshot
}

type manualBlock struct {
	reason  string
	actorID string
	since   time.Time
}

// ExecutionGuard is the choke point every autonomous action passes. It has no
// side effects on autonomy state and never takes a lock.
type ExecutionGuard struct {
	states StateReader
	manual atomic.Pointer[manualBlock]
	logger *slog.Logger
}

// NewExecutionGuard creates a guard over states.
func NewExecutionGuard(states StateReader) *ExecutionGuard {
	return &ExecutionGuard{states: states, logger: slog.Default()}
}

// BlockStatus reports the current verdict. A manual block takes precedence
// over the autonomy state.
func (g *ExecutionGuard) BlockStatus() BlockStatus {
	if mb := g.manual.Load(); mb != nil {
		return BlockStatus{Blocked: true, Reason: mb.reason, Mode: ModeManualBlock}
	}

	snap := g.states.Snapshot()
	if snap.State == ForwardExecution {
		return BlockStatus{Blocked: false, Mode: string(snap.State)}
	}
	reason := snap.LastReason
	if reason == "" {
		reason = fmt.Sprintf("autonomy state is %s", snap.State)
	}
	return BlockStatus{Blocked: true, Reason: reason, Mode: string(snap.State)}
}

// ExecutionAllowed is shorthand for !BlockStatus().Blocked.
func (g *ExecutionGuard) ExecutionAllowed() bool {
	return !g.BlockStatus().Blocked
}

// AssertAllowed returns a *BlockedError when operation may not run.
func (g *ExecutionGuard) AssertAllowed(operation string) error {
	status := g.BlockStatus()
	if status.Blocked {
		g.logger.Warn("autonomous operation blocked", "operation", operation, "mode", status.Mode, "reason", status.Reason)
		return &BlockedError{Operation: operation, Status: status}
	}
	return nil
}

// Block installs an operator block. It does not change autonomy state.
func (g *ExecutionGuard) Block(reason, actorID string) error {
	if reason == "" {
		return &ValidationError{Field: "reason", Message: "is required"}
	}
	if actorID == "" {
		return &ValidationError{Field: "actorId", Message: "is required"}
	}
	g.manual.Store(&manualBlock{reason: reason, actorID: actorID, since: time.Now().UTC()})
	g.logger.Warn("execution manually blocked", "reason", reason, "actor", actorID)
	return nil
}

// Unblock clears an operator block. It reports whether one was active.
func (g *ExecutionGuard) Unblock(actorID string) bool {
	prev := g.manual.Swap(nil)
	if prev != nil {
		g.logger.Info("execution manually unblocked", "actor", actorID, "blocked_since", prev.since)
	}
	return prev != nil
}
