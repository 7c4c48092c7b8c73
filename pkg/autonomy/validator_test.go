package autonomy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing(name string) Check {
	return Check{Name: name, Run: func(context.Context) (bool, string, error) { return true, "ok", nil }}
}

type staticTree []string

func (s staticTree) UncommittedChanges(context.Context) ([]string, error) { return s, nil }

type staticIncidents struct {
	open []string
	err  error
}

func (s staticIncidents) UnresolvedIncidents(context.Context) ([]string, error) { return s.open, s.err }

type staticLocks []string

func (s staticLocks) StaleLocks(context.Context, time.Duration) ([]string, error) { return s, nil }

func TestSystemValidator_Clean(t *testing.T) {
	v := NewSystemValidator(time.Second,
		passing("tests_passing"),
		UncommittedChangesCheck(staticTree(nil)),
		IncidentsResolvedCheck(staticIncidents{}),
		StaleLocksCheck(staticLocks(nil), time.Minute),
	)

	res := v.ValidateSystemState(context.Background())
	assert.True(t, res.IsClean)
	assert.Empty(t, res.Violations)
	assert.Len(t, res.Checks, 4)
	assert.False(t, res.Timestamp.IsZero())
}

func TestSystemValidator_CollectsViolations(t *testing.T) {
	v := NewSystemValidator(time.Second,
		UncommittedChangesCheck(staticTree{"main.go", "go.mod"}),
		IncidentsResolvedCheck(staticIncidents{open: []string{"INC-7"}}),
		StaleLocksCheck(staticLocks{"pr:acme/web#12"}, time.Minute),
		passing("lint_clean"),
	)

	res := v.ValidateSystemState(context.Background())
	require.False(t, res.IsClean)
	require.Len(t, res.Violations, 3)
	assert.Contains(t, res.Violations[0], "uncommitted_changes")
	assert.Contains(t, res.Violations[0], "main.go")
	assert.Contains(t, res.Violations[1], "INC-7")
	assert.Contains(t, res.Violations[2], "stale_locks")
}

func TestSystemValidator_ErrorsAndTimeoutsFailClosed(t *testing.T) {
	slow := Check{Name: "ci_stable", Run: func(context.Context) (bool, string, error) {
		time.Sleep(200 * time.Millisecond)
		return true, "too late", nil
	}}
	panicking := Check{Name: "build_green", Run: func(context.Context) (bool, string, error) {
		panic("boom")
	}}
	v := NewSystemValidator(20*time.Millisecond,
		IncidentsResolvedCheck(staticIncidents{err: errors.New("tracker unreachable")}),
		slow,
		panicking,
	)

	res := v.ValidateSystemState(context.Background())
	require.False(t, res.IsClean)
	require.Len(t, res.Violations, 3)
	assert.Contains(t, res.Violations[0], "tracker unreachable")
	assert.Contains(t, res.Violations[1], "timed out")
	assert.Contains(t, res.Violations[2], "panicked")
}

func TestParsePorcelain(t *testing.T) {
	out := []byte(" M pkg/api/server.go\n?? notes.txt\n")
	assert.Equal(t, []string{"pkg/api/server.go", "notes.txt"}, parsePorcelain(out))
	assert.Empty(t, parsePorcelain(nil))
}
