package autonomy

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionGuard_FollowsState(t *testing.T) {
	m := NewStateModel(ForwardExecution)
	g := NewExecutionGuard(m)

	st := g.BlockStatus()
	assert.False(t, st.Blocked)
	assert.Equal(t, string(ForwardExecution), st.Mode)
	require.NoError(t, g.AssertAllowed("merge_pr"))

	_, err := m.Transition(context.Background(), CorrectionMode, "violation", "builder", "tests red")
	require.NoError(t, err)

	st = g.BlockStatus()
	assert.True(t, st.Blocked)
	assert.Equal(t, "tests red", st.Reason)
	assert.Equal(t, string(CorrectionMode), st.Mode)

	var blocked *BlockedError
	require.ErrorAs(t, g.AssertAllowed("merge_pr"), &blocked)
	assert.Equal(t, "merge_pr", blocked.Operation)
}

func TestExecutionGuard_DefaultReason(t *testing.T) {
	g := NewExecutionGuard(NewStateModel(CorrectionMode))
	st := g.BlockStatus()
	assert.True(t, st.Blocked)
	assert.Contains(t, st.Reason, "CORRECTION_MODE")
}

func TestExecutionGuard_ManualBlockTakesPrecedence(t *testing.T) {
	m := NewStateModel(ForwardExecution)
	g := NewExecutionGuard(m)

	require.Error(t, g.Block("", "owner"))
	require.NoError(t, g.Block("audit sink unavailable", "owner"))

	st := g.BlockStatus()
	assert.True(t, st.Blocked)
	assert.Equal(t, ModeManualBlock, st.Mode)
	assert.Equal(t, ForwardExecution, m.CurrentState(), "manual block does not move state")

	assert.True(t, g.Unblock("owner"))
	assert.False(t, g.Unblock("owner"))
	assert.True(t, g.ExecutionAllowed())
}

func TestExecutionGuard_ConcurrentReadsDuringTransitions(t *testing.T) {
	m := NewStateModel(ForwardExecution)
	g := NewExecutionGuard(m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				st := g.BlockStatus()
				if st.Blocked == (st.Mode == string(ForwardExecution)) {
					t.Errorf("torn read: %+v", st)
					return
				}
			}
		}()
	}
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, _ = m.Transition(ctx, CorrectionMode, "c", "a", "")
		_, _ = m.Transition(ctx, WaitingForApproval, "c", "a", "")
		_, _ = m.Transition(ctx, ForwardExecution, "c", "a", "")
	}
	wg.Wait()
}
