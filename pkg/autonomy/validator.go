package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single system check.
const DefaultCheckTimeout = 10 * time.Second

// CheckFunc inspects one aspect of the system. An error counts as a failed check.
type CheckFunc func(ctx context.Context) (passed bool, message string, err error)

// Check is a named system check.
type Check struct {
	Name string
	Run  CheckFunc
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// ValidationResult is the SystemValidator verdict.
type ValidationResult struct {
	IsClean    bool          `json:"isClean"`
	Violations []string      `json:"violations"`
	Checks     []CheckResult `json:"checks"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SystemValidator decides whether the environment is clean enough to resume
// forward execution. It never changes autonomy state.
type SystemValidator struct {
	checks  []Check
	timeout time.Duration
	clock   func() time.Time
	logger  *slog.Logger
}

// NewSystemValidator creates a validator running checks, each bounded by
// timeout (DefaultCheckTimeout when zero).
func NewSystemValidator(timeout time.Duration, checks ...Check) *SystemValidator {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &SystemValidator{
		checks:  checks,
		timeout: timeout,
		clock:   time.Now,
		logger:  slog.Default(),
	}
}

// ValidateSystemState runs every check concurrently. Failed, erroring and
// timed-out checks all become violations.
func (v *SystemValidator) ValidateSystemState(ctx context.Context) ValidationResult {
	results := make([]CheckResult, len(v.checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range v.checks {
		g.Go(func() error {
			results[i] = v.runCheck(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	res := ValidationResult{
		Checks:     results,
		Violations: make([]string, 0),
		Timestamp:  v.clock().UTC(),
	}
	for _, r := range results {
		if !r.Passed {
			res.Violations = append(res.Violations, fmt.Sprintf("%s: %s", r.Name, r.Message))
		}
	}
	res.IsClean = len(res.Violations) == 0
	if !res.IsClean {
		v.logger.Warn("system state is not clean", "violations", len(res.Violations))
	}
	return res
}

func (v *SystemValidator) runCheck(ctx context.Context, c Check) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type outcome struct {
		passed bool
		msg    string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("check panicked: %v", r)}
			}
		}()
		p, m, err := c.Run(cctx)
		done <- outcome{p, m, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return CheckResult{Name: c.Name, Passed: false, Message: "check failed: " + o.err.Error()}
		}
		return CheckResult{Name: c.Name, Passed: o.passed, Message: o.msg}
	case <-cctx.Done():
		msg := "check timed out"
		if !errors.Is(cctx.Err(), context.DeadlineExceeded) {
			msg = "check cancelled"
		}
		return CheckResult{Name: c.Name, Passed: false, Message: msg}
	}
}

// WorkingTree reports uncommitted changes.
type WorkingTree interface {
	UncommittedChanges(ctx context.Context) ([]string, error)
}

// IncidentSource lists incidents that are still open.
type IncidentSource interface {
	UnresolvedIncidents(ctx context.Context) ([]string, error)
}

// LockInspector lists mutation locks held longer than maxAge.
type LockInspector interface {
	StaleLocks(ctx context.Context, maxAge time.Duration) ([]string, error)
}

// UncommittedChangesCheck fails while the working tree is dirty.
func UncommittedChangesCheck(tree WorkingTree) Check {
	return Check{Name: "uncommitted_changes", Run: func(ctx context.Context) (bool, string, error) {
		files, err := tree.UncommittedChanges(ctx)
		if err != nil {
			return false, "", err
		}
		if len(files) > 0 {
			return false, fmt.Sprintf("%d uncommitted change(s): %s", len(files), summarize(files)), nil
		}
		return true, "working tree clean", nil
	}}
}

// IncidentsResolvedCheck fails while any incident is open.
func IncidentsResolvedCheck(src IncidentSource) Check {
	return Check{Name: "incidents_resolved", Run: func(ctx context.Context) (bool, string, error) {
		open, err := src.UnresolvedIncidents(ctx)
		if err != nil {
			return false, "", err
		}
		if len(open) > 0 {
			return false, fmt.Sprintf("%d unresolved incident(s): %s", len(open), summarize(open)), nil
		}
		return true, "no open incidents", nil
	}}
}

// StaleLocksCheck fails while a mutation lock has been held longer than maxAge.
func StaleLocksCheck(src LockInspector, maxAge time.Duration) Check {
	return Check{Name: "stale_locks", Run: func(ctx context.Context) (bool, string, error) {
		stale, err := src.StaleLocks(ctx, maxAge)
		if err != nil {
			return false, "", err
		}
		if len(stale) > 0 {
			return false, fmt.Sprintf("%d stale lock(s): %s", len(stale), summarize(stale)), nil
		}
		return true, "no stale locks", nil
	}}
}

func summarize(items []string) string {
	const limit = 5
	if len(items) <= limit {
		return strings.Join(items, ", ")
	}
	return strings.Join(items[:limit], ", ") + fmt.Sprintf(" (+%d more)", len(items)-limit)
}
