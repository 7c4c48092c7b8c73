package supervision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/foreman/pkg/governance"
	"github.com/Mindburn-Labs/foreman/pkg/observability"
)

// ErrInvalidResolution is returned when an escalation resolution is incomplete
// or names a node that is not part of the graph.
var ErrInvalidResolution = errors.New("invalid escalation resolution")

// Supervisor runs actions through the graph. It is safe for concurrent use;
// validations share only the read-only graph.
type Supervisor struct {
	graph      *Graph
	evaluators map[NodeID]Evaluator
	approvals  *ApprovalRegistry
	recorder   *governance.Recorder
	obs        *observability.Provider
	log        *Log
	logger     *slog.Logger
	clock      func() time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRecorder sends verdicts to governance memory.
func WithRecorder(r *governance.Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithObservability traces validations and counts verdicts.
func WithObservability(p *observability.Provider) Option {
	return func(s *Supervisor) { s.obs = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithLog replaces the default result log.
func WithLog(l *Log) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithSupervisorClock overrides time.Now.
func WithSupervisorClock(clock func() time.Time) Option {
	return func(s *Supervisor) { s.clock = clock }
}

// NewSupervisor binds evaluators to graph. Every enabled node needs an evaluator.
func NewSupervisor(graph *Graph, evaluators map[NodeID]Evaluator, approvals *ApprovalRegistry, opts ...Option) (*Supervisor, error) {
	if graph == nil {
		return nil, errors.New("supervision graph is required")
	}
	var missing []string
	for _, n := range graph.nodes {
		if evaluators[n.ID] == nil {
			missing = append(missing, string(n.ID))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no evaluator for enabled node(s): %s", strings.Join(missing, ", "))
	}
	if approvals == nil {
		approvals = NewApprovalRegistry()
	}

	s := &Supervisor{
		graph:      graph,
		evaluators: evaluators,
		approvals:  approvals,
		log:        NewLog(DefaultLogSize),
		logger:     slog.Default(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Graph returns the graph the supervisor enforces.
func (s *Supervisor) Graph() *Graph { return s.graph }

// Log returns the result log.
func (s *Supervisor) Log() *Log { return s.log }

// Validate evaluates every enabled node concurrently, then walks the edges in
// priority order from ENTRY. Nothing here returns an error: every failure mode
// ends in a blocked verdict.
func (s *Supervisor) Validate(ctx context.Context, action Action) Result {
	if action.ID == "" {
		action.ID = "act_" + uuid.NewString()
	}
	start := s.clock()
	ctx, done := s.obs.TrackOperation(ctx, "supervision.validate", observability.ActionAttrs(action.ID, action.Type)...)

	results := s.evaluateAll(ctx, action)
	violations := s.walkEdges(action, results)
	res := s.aggregate(action.ID, results, violations)
	res.Duration = s.clock().Sub(start)
	res.Timestamp = start.UTC()

	s.log.Add(res)
	s.obs.RecordVerdict(ctx, string(res.OverallStatus))
	s.record(ctx, action, res)

	var verr error
	if !res.ExecutionAllowed {
		verr = fmt.Errorf("action %s %s", action.ID, res.OverallStatus)
	}
	done(verr)
	return res
}

// ResolveEscalation records a human approval for node on action and re-runs
// the full graph. The approval never bypasses other nodes.
func (s *Supervisor) ResolveEscalation(ctx context.Context, action Action, node NodeID, approverID, reason string) (Result, error) {
	switch {
	case action.ID == "":
		return Result{}, fmt.Errorf("%w: action id is required", ErrInvalidResolution)
	case strings.TrimSpace(approverID) == "":
		return Result{}, fmt.Errorf("%w: approver is required", ErrInvalidResolution)
	case strings.TrimSpace(reason) == "":
		return Result{}, fmt.Errorf("%w: reason is required", ErrInvalidResolution)
	}
	if !s.enabled(node) {
		return Result{}, fmt.Errorf("%w: node %q is not enabled", ErrInvalidResolution, node)
	}

	s.approvals.Record(Approval{
		ActionID:   action.ID,
		NodeID:     node,
		ApproverID: approverID,
		Reason:     reason,
		ApprovedAt: s.clock().UTC(),
	})
	if s.recorder != nil {
		_ = s.recorder.Record(ctx, governance.Event{
			Type:        governance.EventSupervision,
			Severity:    governance.SeverityMedium,
			Description: fmt.Sprintf("escalation at %s resolved for action %s", node, action.ID),
			Metadata: map[string]any{
				"actionId":   action.ID,
				"nodeId":     string(node),
				"approverId": approverID,
				"reason":     reason,
			},
		})
	}
	return s.Validate(ctx, action), nil
}

func (s *Supervisor) enabled(id NodeID) bool {
	for _, n := range s.graph.nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

func (s *Supervisor) evaluateAll(ctx context.Context, action Action) []NodeResult {
	results := make([]NodeResult, len(s.graph.nodes))
	var g errgroup.Group
	for i, n := range s.graph.nodes {
		g.Go(func() error {
			results[i] = s.runNode(ctx, n.ID, action)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type nodeOutcome struct {
	res NodeResult
	err error
}

// runNode evaluates one node under the node timeout. A timeout, panic, error
// or unrecognized status is a blocked verdict.
func (s *Supervisor) runNode(ctx context.Context, id NodeID, action Action) NodeResult {
	start := s.clock()
	nctx, cancel := context.WithTimeout(ctx, s.graph.nodeTimeout)
	defer cancel()

	ch := make(chan nodeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- nodeOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := s.evaluators[id](nctx, action)
		ch <- nodeOutcome{res: res, err: err}
	}()

	var res NodeResult
	select {
	case out := <-ch:
		switch {
		case out.err != nil:
			res = blocked(id, fmt.Sprintf("evaluation failed: %v", out.err))
		case !validStatus(out.res.Status):
			res = blocked(id, fmt.Sprintf("evaluator returned unknown status %q", out.res.Status))
		default:
			res = out.res
		}
	case <-nctx.Done():
		res = blocked(id, fmt.Sprintf("evaluation timed out after %s", s.graph.nodeTimeout))
	}
	res.NodeID = id
	res.Duration = s.clock().Sub(start)
	if res.Status == StatusBlocked {
		s.logger.Warn("supervision node blocked action",
			"node", id, "action_id", action.ID, "message", res.Message)
	}
	return res
}

func validStatus(st Status) bool {
	switch st {
	case StatusApproved, StatusBlocked, StatusWarning, StatusRequiresEscalation:
		return true
	}
	return false
}

// walkEdges checks each step of the priority-ordered traversal. It stops at
// the first edge violation or blocked node.
func (s *Supervisor) walkEdges(action Action, results []NodeResult) []string {
	input, err := actionInput(action)
	if err != nil {
		return []string{fmt.Sprintf("action not evaluable: %v", err)}
	}
	prev := EntryNode
	for i, n := range s.graph.nodes {
		if err := s.graph.checkEdge(prev, n.ID, input); err != nil {
			return []string{err.Error()}
		}
		if results[i].Status == StatusBlocked {
			return nil
		}
		prev = n.ID
	}
	return nil
}

func (s *Supervisor) aggregate(actionID string, results []NodeResult, edgeViolations []string) Result {
	res := Result{
		ActionID:        actionID,
		NodeResults:     results,
		EdgeViolations:  edgeViolations,
		BlockingNodes:   []NodeID{},
		WarningNodes:    []NodeID{},
		EscalationNodes: []NodeID{},
	}
	for _, r := range results {
		switch r.Status {
		case StatusBlocked:
			res.BlockingNodes = append(res.BlockingNodes, r.NodeID)
		case StatusWarning:
			res.WarningNodes = append(res.WarningNodes, r.NodeID)
		case StatusRequiresEscalation:
			res.EscalationNodes = append(res.EscalationNodes, r.NodeID)
		}
	}

	isBlocked := len(res.BlockingNodes) > 0 || len(edgeViolations) > 0
	res.EscalationRequired = len(res.EscalationNodes) > 0
	switch {
	case isBlocked:
		res.OverallStatus = StatusBlocked
	case res.EscalationRequired:
		res.OverallStatus = StatusRequiresEscalation
	case len(res.WarningNodes) > 0:
		res.OverallStatus = StatusWarning
	default:
		res.OverallStatus = StatusApproved
	}
	res.Approved = res.OverallStatus == StatusApproved
	res.ExecutionAllowed = !isBlocked && !res.EscalationRequired &&
		(len(res.WarningNodes) == 0 || !s.graph.blockOnWarning)
	return res
}

func (s *Supervisor) record(ctx context.Context, action Action, res Result) {
	if s.recorder == nil || (res.Approved && !s.graph.logAllActions) {
		return
	}
	sev := governance.SeverityLow
	switch res.OverallStatus {
	case StatusBlocked:
		sev = governance.SeverityHigh
	case StatusRequiresEscalation:
		sev = governance.SeverityMedium
	}
	_ = s.recorder.Record(ctx, governance.Event{
		Type:        governance.EventSupervision,
		Severity:    sev,
		Description: fmt.Sprintf("action %s (%s): %s", action.ID, action.Type, res.OverallStatus),
		Metadata: map[string]any{
			"actionId":         action.ID,
			"actionType":       action.Type,
			"overallStatus":    string(res.OverallStatus),
			"executionAllowed": res.ExecutionAllowed,
			"blockingNodes":    nodeIDs(res.BlockingNodes),
			"warningNodes":     nodeIDs(res.WarningNodes),
			"escalationNodes":  nodeIDs(res.EscalationNodes),
			"edgeViolations":   res.EdgeViolations,
			"durationMs":       res.Duration.Milliseconds(),
		},
	})
}

func nodeIDs(ids []NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
