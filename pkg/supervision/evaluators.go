package supervision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

// Evaluator judges an action for one node. Evaluators must not mutate shared
// state; an error is treated as a blocked verdict.
type Evaluator func(ctx context.Context, action Action) (NodeResult, error)

// Drift thresholds for the drift detector.
const (
	DriftWarnThreshold  = 0.3
	DriftBlockThreshold = 0.8
)

// BlockStatusProvider is the read side of the execution guard.
type BlockStatusProvider interface {
	BlockStatus() autonomy.BlockStatus
}

// ViolationHistory lists recent governance violations.
type ViolationHistory interface {
	RecentViolations(ctx context.Context) ([]string, error)
}

// Dependencies are the collaborators the built-in evaluators read from. Nil
// collaborators make their node fail closed, except Approvals and ProtectedPaths.
type Dependencies struct {
	Guard          BlockStatusProvider
	History        ViolationHistory
	Incidents      autonomy.IncidentSource
	Approvals      *ApprovalRegistry
	ProtectedPaths []string
}

// DefaultEvaluators builds the evaluator for every known node.
func DefaultEvaluators(deps Dependencies) (map[NodeID]Evaluator, error) {
	protected := make([]pathPattern, 0, len(deps.ProtectedPaths))
	for _, p := range deps.ProtectedPaths {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid protected path pattern %q: %w", p, err)
		}
		protected = append(protected, pathPattern{raw: p, g: g})
	}

	return map[NodeID]Evaluator{
		NodeGuardrails:              guardrails(protected),
		NodeQIC:                     qic,
		NodeQIEL:                    qiel,
		NodeGovernanceMemory:        governanceMemory(deps.History),
		NodeArchitectureApproval:    architectureApproval(deps.Approvals),
		NodeIncidentLoop:            incidentLoop(deps.Incidents),
		NodePerformanceEngine:       performanceEngine,
		NodeDriftDetector:           driftDetector,
		NodeMutationGovernor:        mutationGovernor(deps.Guard),
		NodeModelEscalationGovernor: modelEscalationGovernor(deps.Approvals),
		NodeBuilderProtocolKernel:   builderProtocolKernel,
	}, nil
}

type pathPattern struct {
	raw string
	g   glob.Glob
}

func guardrails(protected []pathPattern) Evaluator {
	return func(_ context.Context, a Action) (NodeResult, error) {
		var hits []string
		for _, path := range a.Context.TargetPaths {
			clean := strings.TrimPrefix(path, "./")
			for _, p := range protected {
				if p.g.Match(clean) {
					hits = append(hits, fmt.Sprintf("%s matches protected pattern %s", path, p.raw))
					break
				}
			}
		}
		if len(hits) > 0 {
			return blocked(NodeGuardrails, "action touches protected paths", hits...), nil
		}
		return approved(NodeGuardrails, "no protected paths touched"), nil
	}
}

func qic(_ context.Context, a Action) (NodeResult, error) {
	if v := a.Context.QICViolations; len(v) > 0 {
		return blocked(NodeQIC, fmt.Sprintf("%d quality integrity violation(s)", len(v)), v...), nil
	}
	return approved(NodeQIC, "quality integrity contract satisfied"), nil
}

func qiel(_ context.Context, a Action) (NodeResult, error) {
	if f := a.Context.QIELFailures; len(f) > 0 {
		return blocked(NodeQIEL, fmt.Sprintf("%d QA enforcement failure(s)", len(f)), f...), nil
	}
	return approved(NodeQIEL, "QA enforcement passed"), nil
}

func governanceMemory(history ViolationHistory) Evaluator {
	return func(ctx context.Context, a Action) (NodeResult, error) {
		if history == nil {
			return NodeResult{}, fmt.Errorf("governance history unavailable")
		}
		recent, err := history.RecentViolations(ctx)
		if err != nil {
			return NodeResult{}, fmt.Errorf("read governance history: %w", err)
		}
		if len(recent) == 0 {
			return approved(NodeGovernanceMemory, "no recent governance violations"), nil
		}
		msg := fmt.Sprintf("%d recent governance violation(s)", len(recent))
		if a.Context.IsGovernanceAction {
			return blocked(NodeGovernanceMemory, msg+" block governance actions", recent...), nil
		}
		return warning(NodeGovernanceMemory, msg, recent...), nil
	}
}

func architectureApproval(approvals *ApprovalRegistry) Evaluator {
	return func(_ context.Context, a Action) (NodeResult, error) {
		if !a.Context.IsArchitectureChange && !a.Context.AffectsConstitution {
			return approved(NodeArchitectureApproval, "not an architecture change"), nil
		}
		if ap, ok := approvals.Lookup(a.ID, NodeArchitectureApproval); ok {
			return approved(NodeArchitectureApproval, "approved by "+ap.ApproverID), nil
		}
		return escalate(NodeArchitectureApproval, "architecture change requires human approval"), nil
	}
}

func incidentLoop(incidents autonomy.IncidentSource) Evaluator {
	return func(ctx context.Context, _ Action) (NodeResult, error) {
		if incidents == nil {
			return NodeResult{}, fmt.Errorf("incident source unavailable")
		}
		open, err := incidents.UnresolvedIncidents(ctx)
		if err != nil {
			return NodeResult{}, fmt.Errorf("list incidents: %w", err)
		}
		if len(open) > 0 {
			return warning(NodeIncidentLoop, fmt.Sprintf("%d open incident(s)", len(open)), open...), nil
		}
		return approved(NodeIncidentLoop, "no open incidents"), nil
	}
}

func performanceEngine(_ context.Context, a Action) (NodeResult, error) {
	if a.Context.PerformanceBudgetBreach {
		return warning(NodePerformanceEngine, "performance budget exceeded"), nil
	}
	return approved(NodePerformanceEngine, "within performance budget"), nil
}

func driftDetector(_ context.Context, a Action) (NodeResult, error) {
	score := a.Context.DriftScore
	switch {
	case score >= DriftBlockThreshold:
		return blocked(NodeDriftDetector, fmt.Sprintf("drift score %.2f at or above %.2f", score, DriftBlockThreshold)), nil
	case score >= DriftWarnThreshold:
		return warning(NodeDriftDetector, fmt.Sprintf("drift score %.2f", score)), nil
	}
	return approved(NodeDriftDetector, "no significant drift"), nil
}

func mutationGovernor(guard BlockStatusProvider) Evaluator {
	return func(_ context.Context, a Action) (NodeResult, error) {
		c := a.Context
		if c.MutatesState && c.AffectsConstitution {
			return blocked(NodeMutationGovernor, "constitutional state cannot be mutated autonomously"), nil
		}
		if !c.MutatesState && !c.TriggersBuilder {
			return approved(NodeMutationGovernor, "no mutation"), nil
		}
		if guard == nil {
			return NodeResult{}, fmt.Errorf("execution guard unavailable")
		}
		if st := guard.BlockStatus(); st.Blocked {
			return blocked(NodeMutationGovernor, fmt.Sprintf("autonomous execution blocked (%s): %s", st.Mode, st.Reason)), nil
		}
		return approved(NodeMutationGovernor, "forward execution permitted"), nil
	}
}

func modelEscalationGovernor(approvals *ApprovalRegistry) Evaluator {
	return func(_ context.Context, a Action) (NodeResult, error) {
		if !a.Context.RequiresModelEscalation {
			return approved(NodeModelEscalationGovernor, "no model escalation"), nil
		}
		if ap, ok := approvals.Lookup(a.ID, NodeModelEscalationGovernor); ok {
			return approved(NodeModelEscalationGovernor, "escalation approved by "+ap.ApproverID), nil
		}
		msg := "model escalation requires human approval"
		if a.Context.ModelTier != "" {
			msg += " (tier " + a.Context.ModelTier + ")"
		}
		return escalate(NodeModelEscalationGovernor, msg), nil
	}
}

func builderProtocolKernel(_ context.Context, a Action) (NodeResult, error) {
	if a.Context.TriggersBuilder && !a.Context.HasRedQA {
		return blocked(NodeBuilderProtocolKernel, "builders may only be triggered against a red QA suite"), nil
	}
	return approved(NodeBuilderProtocolKernel, "builder protocol respected"), nil
}

// LedgerHistory reads recent violations from a governance ledger.
type LedgerHistory struct {
	Ledger *governance.Ledger
	Window time.Duration
	Clock  func() time.Time
}

var violationEvents = []governance.EventType{
	governance.EventSafetyViolation,
	governance.EventBypassAttempt,
	governance.EventDirtyApproval,
}

// RecentViolations implements ViolationHistory.
func (h LedgerHistory) RecentViolations(context.Context) ([]string, error) {
	if h.Ledger == nil {
		return nil, governance.ErrNoMemory
	}
	now := time.Now
	if h.Clock != nil {
		now = h.Clock
	}
	window := h.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := now().Add(-window)

	var out []string
	for _, t := range violationEvents {
		for _, r := range h.Ledger.Query(governance.Filter{Type: t, Since: since}) {
			out = append(out, fmt.Sprintf("%s: %s", r.Type, r.Description))
		}
	}
	return out, nil
}
