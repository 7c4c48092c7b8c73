package autonomy

import (
	"fmt"
)

// IllegalTransitionError reports an attempt to move along an edge that does
// not exist in the autonomy state machine.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal autonomy transition %s -> %s", e.From, e.To)
}

// ValidationError reports caller input that can be corrected and retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NotFoundError reports a reauthorization request that does not exist or is
// no longer pending.
type NotFoundError struct {
	RequestID string
	Status    RequestStatus
}

func (e *NotFoundError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("reauthorization request %q is not pending (status=%s)", e.RequestID, e.Status)
	}
	return fmt.Sprintf("reauthorization request %q not found", e.RequestID)
}

// BlockedError is returned by ExecutionGuard.AssertAllowed.
type BlockedError struct {
	Operation string
	Status    BlockStatus
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("execution blocked for operation %q: %s (mode: %s)", e.Operation, e.Status.Reason, e.Status.Mode)
}
