package governance

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRecordTimeout bounds a single governance write.
const DefaultRecordTimeout = 5 * time.Second

// FailureHandler is told about every event the memory refused.
type FailureHandler func(ctx context.Context, event Event, err error)

// Recorder wraps a Memory so that write failures are escalated rather than
// dropped. Writes outlive caller cancellation but are bounded by a timeout.
type Recorder struct {
	memory    Memory
	timeout   time.Duration
	onFailure []FailureHandler
	logger    *slog.Logger
}

// NewRecorder wraps memory. A nil memory records nothing and reports every
// event as failed.
func NewRecorder(memory Memory) *Recorder {
	return &Recorder{
		memory:  memory,
		timeout: DefaultRecordTimeout,
		logger:  slog.Default(),
	}
}

// WithTimeout sets the per-write timeout.
func (r *Recorder) WithTimeout(d time.Duration) *Recorder {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// OnFailure registers an escalation handler.
func (r *Recorder) OnFailure(h FailureHandler) *Recorder {
	r.onFailure = append(r.onFailure, h)
	return r
}

// Record writes event and escalates on failure. The error is returned so
// callers can surface it, but callers must not undo their own work because of it.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var err error
	if r.memory == nil {
		err = ErrNoMemory
	} else {
		err = r.memory.LogGovernanceEvent(wctx, event)
	}
	if err != nil {
		r.logger.Error("governance event not recorded",
			"type", event.Type, "severity", event.Severity, "error", err)
		for _, h := range r.onFailure {
			h(ctx, event, err)
		}
	}
	return err
}
