package supervision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

type stubGuard struct{ status autonomy.BlockStatus }

func (g stubGuard) BlockStatus() autonomy.BlockStatus { return g.status }

type stubHistory struct {
	violations []string
	err        error
}

func (h stubHistory) RecentViolations(context.Context) ([]string, error) { return h.violations, h.err }

type stubIncidents struct{ open []string }

func (s stubIncidents) UnresolvedIncidents(context.Context) ([]string, error) { return s.open, nil }

func openDeps() Dependencies {
	return Dependencies{
		Guard:          stubGuard{status: autonomy.BlockStatus{Mode: "FORWARD_EXECUTION"}},
		History:        stubHistory{},
		Incidents:      stubIncidents{},
		Approvals:      NewApprovalRegistry(),
		ProtectedPaths: []string{"constitution/**", ".github/workflows/*"},
	}
}

func newSupervisor(t *testing.T, cfg Config, deps Dependencies, opts ...Option) *Supervisor {
	t.Helper()
	g, err := NewGraph(cfg)
	require.NoError(t, err)
	evals, err := DefaultEvaluators(deps)
	require.NoError(t, err)
	s, err := NewSupervisor(g, evals, deps.Approvals, opts...)
	require.NoError(t, err)
	return s
}

func mergeAction() Action {
	return Action{
		ID:          "act-1",
		Type:        "merge_pr",
		Description: "merge PR #12",
		Context:     ActionContext{MutatesState: true, TargetPaths: []string{"pkg/app/main.go"}},
	}
}

func TestValidate_AllApproved(t *testing.T) {
	s := newSupervisor(t, DefaultConfig(), openDeps())

	res := s.Validate(context.Background(), mergeAction())
	assert.Equal(t, StatusApproved, res.OverallStatus)
	assert.True(t, res.Approved)
	assert.True(t, res.ExecutionAllowed)
	assert.Empty(t, res.BlockingNodes)
	assert.Empty(t, res.EdgeViolations)
	assert.Len(t, res.NodeResults, len(KnownNodes))
	assert.Equal(t, "act-1", res.ActionID)
}

func TestValidate_AnySingleBlockFailsClosed(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Action, *Dependencies)
		node   NodeID
	}{
		"protected path": {func(a *Action, _ *Dependencies) { a.Context.TargetPaths = []string{"constitution/rules.yaml"} }, NodeGuardrails},
		"qic violation":  {func(a *Action, _ *Dependencies) { a.Context.QICViolations = []string{"coverage dropped"} }, NodeQIC},
		"qiel failure":   {func(a *Action, _ *Dependencies) { a.Context.QIELFailures = []string{"flaky suite"} }, NodeQIEL},
		"drift":          {func(a *Action, _ *Dependencies) { a.Context.DriftScore = 0.9 }, NodeDriftDetector},
		"guard blocked": {func(_ *Action, d *Dependencies) {
			d.Guard = stubGuard{status: autonomy.BlockStatus{Blocked: true, Mode: "CORRECTION_MODE", Reason: "violation"}}
		}, NodeMutationGovernor},
		"builder without red QA": {func(a *Action, _ *Dependencies) {
			a.Context.MutatesState = false
			a.Context.TriggersBuilder = true
		}, NodeBuilderProtocolKernel},
		"history unavailable": {func(_ *Action, d *Dependencies) { d.History = stubHistory{err: errors.New("db down")} }, NodeGovernanceMemory},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			action := mergeAction()
			deps := openDeps()
			tc.mutate(&action, &deps)
			s := newSupervisor(t, DefaultConfig(), deps)

			res := s.Validate(context.Background(), action)
			assert.Equal(t, StatusBlocked, res.OverallStatus)
			assert.False(t, res.Approved)
			assert.False(t, res.ExecutionAllowed)
			assert.Contains(t, res.BlockingNodes, tc.node)
		})
	}
}

func TestValidate_WarningsAllowUnlessConfigured(t *testing.T) {
	action := mergeAction()
	action.Context.PerformanceBudgetBreach = true

	res := newSupervisor(t, DefaultConfig(), openDeps()).Validate(context.Background(), action)
	assert.Equal(t, StatusWarning, res.OverallStatus)
	assert.False(t, res.Approved)
	assert.True(t, res.ExecutionAllowed)
	assert.Equal(t, []NodeID{NodePerformanceEngine}, res.WarningNodes)

	strict := DefaultConfig()
	strict.BlockOnWarning = true
	res = newSupervisor(t, strict, openDeps()).Validate(context.Background(), action)
	assert.Equal(t, StatusWarning, res.OverallStatus)
	assert.False(t, res.ExecutionAllowed)
}

func TestValidate_EscalationNeverExecutes(t *testing.T) {
	action := mergeAction()
	action.Context.IsArchitectureChange = true

	res := newSupervisor(t, DefaultConfig(), openDeps()).Validate(context.Background(), action)
	assert.Equal(t, StatusRequiresEscalation, res.OverallStatus)
	assert.True(t, res.EscalationRequired)
	assert.False(t, res.ExecutionAllowed)
	assert.Equal(t, []NodeID{NodeArchitectureApproval}, res.EscalationNodes)
}

func TestResolveEscalation_RerunsWholeGraph(t *testing.T) {
	deps := openDeps()
	s := newSupervisor(t, DefaultConfig(), deps)

	action := mergeAction()
	action.Context.IsArchitectureChange = true
	action.Context.DriftScore = 0.85

	_, err := s.ResolveEscalation(context.Background(), action, NodeArchitectureApproval, "", "ok")
	require.ErrorIs(t, err, ErrInvalidResolution)
	_, err = s.ResolveEscalation(context.Background(), action, NodeID("nope"), "owner-1", "ok")
	require.ErrorIs(t, err, ErrInvalidResolution)

	res, err := s.ResolveEscalation(context.Background(), action, NodeArchitectureApproval, "owner-1", "reviewed design doc")
	require.NoError(t, err)
	assert.Empty(t, res.EscalationNodes)
	assert.Equal(t, StatusBlocked, res.OverallStatus, "drift still blocks after the escalation is resolved")

	action.Context.DriftScore = 0
	res = s.Validate(context.Background(), action)
	assert.True(t, res.Approved)
}

func TestValidate_NodeTimeoutBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeTimeoutMs = 20
	g, err := NewGraph(cfg)
	require.NoError(t, err)
	evals, err := DefaultEvaluators(openDeps())
	require.NoError(t, err)
	evals[NodeQIC] = func(context.Context, Action) (NodeResult, error) {
		time.Sleep(300 * time.Millisecond)
		return approved(NodeQIC, "late"), nil
	}
	evals[NodeQIEL] = func(context.Context, Action) (NodeResult, error) {
		panic("evaluator bug")
	}
	s, err := NewSupervisor(g, evals, nil)
	require.NoError(t, err)

	res := s.Validate(context.Background(), mergeAction())
	assert.Equal(t, StatusBlocked, res.OverallStatus)
	assert.Contains(t, res.BlockingNodes, NodeQIC)
	assert.Contains(t, res.BlockingNodes, NodeQIEL)
	assert.Len(t, res.NodeResults, len(KnownNodes), "all node results are reported")
}

func TestValidate_UnknownStatusBlocks(t *testing.T) {
	g, err := NewGraph(DefaultConfig())
	require.NoError(t, err)
	evals, err := DefaultEvaluators(openDeps())
	require.NoError(t, err)
	evals[NodeDriftDetector] = func(context.Context, Action) (NodeResult, error) {
		return NodeResult{Status: "fine"}, nil
	}
	s, err := NewSupervisor(g, evals, nil)
	require.NoError(t, err)

	res := s.Validate(context.Background(), mergeAction())
	assert.Equal(t, []NodeID{NodeDriftDetector}, res.BlockingNodes)
}

func TestNewGraph_ForbiddenEntryRejected(t *testing.T) {
	cfg := DefaultConfig()
	// Move the mutation governor to the front; ENTRY -> mutation_governor is forbidden.
	for i := range cfg.Nodes {
		if cfg.Nodes[i].ID == NodeMutationGovernor {
			cfg.Nodes[i].Priority = 200
		}
	}
	cfg.Edges = append(cfg.Edges, Edge{From: NodeMutationGovernor, To: NodeGuardrails, FlowType: FlowAllowed})
	_, err := NewGraph(cfg)
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, ierr.Error(), "no entry edge")
}

func TestValidate_MissingEdgeBlocks(t *testing.T) {
	cfg := DefaultConfig()
	// Disabling a node without re-linking its neighbours leaves a gap.
	for i := range cfg.Nodes {
		if cfg.Nodes[i].ID == NodeIncidentLoop {
			cfg.Nodes[i].Enabled = false
		}
	}
	s := newSupervisor(t, cfg, openDeps())

	res := s.Validate(context.Background(), mergeAction())
	assert.Equal(t, StatusBlocked, res.OverallStatus)
	require.Len(t, res.EdgeViolations, 1)
	assert.Contains(t, res.EdgeViolations[0], "architecture_approval -> performance_engine")
	assert.Empty(t, res.BlockingNodes)
}

func TestValidate_ConditionalEdge(t *testing.T) {
	cfg := DefaultConfig()
	for i := range cfg.Nodes {
		if cfg.Nodes[i].ID == NodeMutationGovernor {
			cfg.Nodes[i].Enabled = false
		}
	}
	cfg.Edges = append(cfg.Edges, Edge{
		From: NodeDriftDetector, To: NodeModelEscalationGovernor, FlowType: FlowConditional,
		Condition: "!action.context.mutatesState",
	})
	s := newSupervisor(t, cfg, openDeps())

	readOnly := mergeAction()
	readOnly.Context.MutatesState = false
	assert.True(t, s.Validate(context.Background(), readOnly).Approved)

	res := s.Validate(context.Background(), mergeAction())
	assert.Equal(t, StatusBlocked, res.OverallStatus)
	require.Len(t, res.EdgeViolations, 1)
	assert.Contains(t, res.EdgeViolations[0], "condition not satisfied")
}

func TestValidate_RecordsToGovernance(t *testing.T) {
	ledger, err := governance.NewLedger(context.Background(), nil)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.LogAllActions = false
	s := newSupervisor(t, cfg, openDeps(), WithRecorder(governance.NewRecorder(ledger)))

	s.Validate(context.Background(), mergeAction())
	assert.Equal(t, 0, ledger.Len(), "approved actions are not logged unless configured")

	blockedAction := mergeAction()
	blockedAction.Context.QICViolations = []string{"x"}
	s.Validate(context.Background(), blockedAction)
	records := ledger.Query(governance.Filter{Type: governance.EventSupervision})
	require.Len(t, records, 1)
	assert.Equal(t, governance.SeverityHigh, records[0].Severity)
}

func TestValidate_ConcurrentCallsShareGraph(t *testing.T) {
	s := newSupervisor(t, DefaultConfig(), openDeps())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := mergeAction()
			a.ID = ""
			if i%2 == 0 {
				a.Context.QICViolations = []string{"v"}
			}
			res := s.Validate(context.Background(), a)
			assert.Equal(t, i%2 != 0, res.ExecutionAllowed)
			assert.NotEmpty(t, res.ActionID)
		}()
	}
	wg.Wait()

	stats := s.Log().Stats()
	assert.EqualValues(t, 20, stats.Total)
	assert.EqualValues(t, 10, stats.Approved)
	assert.EqualValues(t, 10, stats.Blocked)
}

func TestNewSupervisor_RequiresEvaluators(t *testing.T) {
	g, err := NewGraph(DefaultConfig())
	require.NoError(t, err)
	_, err = NewSupervisor(g, map[NodeID]Evaluator{}, nil)
	require.Error(t, err)
}
