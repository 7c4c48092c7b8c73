package mutation

import (
	"errors"
	"fmt"
)

// ErrReadOnly is returned when no GitHub credentials are configured.
var ErrReadOnly = errors.New("mutations disabled: running in read-only mode")

// MutationFailureError reports a mutation that did not succeed after Attempts
// tries. Err is the last underlying error.
type MutationFailureError struct {
	Type     Type
	Resource string
	Attempts int
	Err      error
}

func (e *MutationFailureError) Error() string {
	return fmt.Sprintf("mutation %s on %s failed after %d attempt(s): %v", e.Type, e.Resource, e.Attempts, e.Err)
}

func (e *MutationFailureError) Unwrap() error { return e.Err }
