package supervision

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

func TestLogRingEvictsOldest(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Add(Result{ActionID: fmt.Sprintf("a%d", i), OverallStatus: StatusApproved, Duration: 2 * time.Millisecond})
	}

	recent := l.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "a4", recent[0].ActionID)
	assert.Equal(t, "a2", recent[2].ActionID)
	assert.Len(t, l.Recent(2), 2)

	stats := l.Stats()
	assert.EqualValues(t, 5, stats.Total)
	assert.EqualValues(t, 5, stats.Approved)
	assert.InDelta(t, 2.0, stats.AvgDurationMs, 0.001)
}

func TestLogCountsByStatus(t *testing.T) {
	l := NewLog(0)
	for _, st := range []Status{StatusApproved, StatusBlocked, StatusBlocked, StatusWarning, StatusRequiresEscalation} {
		l.Add(Result{OverallStatus: st})
	}
	assert.Equal(t, Stats{Total: 5, Approved: 1, Blocked: 2, Warnings: 1, Escalations: 1}, l.Stats())
	assert.Len(t, l.Recent(10), 5)
}

func TestLedgerHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger, err := governance.NewLedger(context.Background(), nil, governance.WithLedgerClock(func() time.Time { return now }))
	require.NoError(t, err)

	require.NoError(t, ledger.LogGovernanceEvent(context.Background(), governance.Event{
		Type: governance.EventBypassAttempt, Severity: governance.SeverityCritical, Description: "bypass attempt detected",
	}))
	require.NoError(t, ledger.LogGovernanceEvent(context.Background(), governance.Event{
		Type: governance.EventGitHubMutation, Severity: governance.SeverityLow, Description: "merged",
	}))

	h := LedgerHistory{Ledger: ledger, Window: time.Hour, Clock: func() time.Time { return now.Add(30 * time.Minute) }}
	got, err := h.RecentViolations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp_bypass_attempt: bypass attempt detected"}, got)

	h.Clock = func() time.Time { return now.Add(2 * time.Hour) }
	got, err = h.RecentViolations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = LedgerHistory{}.RecentViolations(context.Background())
	require.ErrorIs(t, err, governance.ErrNoMemory)
}
