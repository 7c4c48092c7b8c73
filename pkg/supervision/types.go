// Package supervision evaluates proposed autonomous actions against the
// constitutional supervision graph: an ordered set of independent policy
// nodes joined by allowed, forbidden and conditional edges.
package supervision

import (
	"time"
)

// NodeID identifies a supervision node.
type NodeID string

const (
	NodeGuardrails              NodeID = "guardrails"
	NodeQIC                     NodeID = "qic"
	NodeQIEL                    NodeID = "qiel"
	NodeGovernanceMemory        NodeID = "governance_memory"
	NodeArchitectureApproval    NodeID = "architecture_approval"
	NodeIncidentLoop            NodeID = "incident_loop"
	NodePerformanceEngine       NodeID = "performance_engine"
	NodeDriftDetector           NodeID = "drift_detector"
	NodeMutationGovernor        NodeID = "mutation_governor"
	NodeModelEscalationGovernor NodeID = "model_escalation_governor"
	NodeBuilderProtocolKernel   NodeID = "builder_protocol_kernel"

	// EntryNode is the virtual node every traversal starts from.
	EntryNode NodeID = "ENTRY"
)

// KnownNodes is the fixed set of nodes a graph may contain.
var KnownNodes = []NodeID{
	NodeGuardrails,
	NodeQIC,
	NodeQIEL,
	NodeGovernanceMemory,
	NodeArchitectureApproval,
	NodeIncidentLoop,
	NodePerformanceEngine,
	NodeDriftDetector,
	NodeMutationGovernor,
	NodeModelEscalationGovernor,
	NodeBuilderProtocolKernel,
}

// FlowType classifies an edge.
type FlowType string

const (
	FlowAllowed     FlowType = "allowed"
	FlowForbidden   FlowType = "forbidden"
	FlowConditional FlowType = "conditional"
)

// Status is a node or aggregate verdict.
type Status string

const (
	StatusApproved           Status = "approved"
	StatusBlocked            Status = "blocked"
	StatusWarning            Status = "warning"
	StatusRequiresEscalation Status = "requires_escalation"
)

// Node is one constitutional policy check.
type Node struct {
	ID          NodeID `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Priority    int    `json:"priority" yaml:"priority"`
}

// Edge constrains which node may be evaluated after which.
type Edge struct {
	From        NodeID   `json:"from" yaml:"from"`
	To          NodeID   `json:"to" yaml:"to"`
	FlowType    FlowType `json:"flowType" yaml:"flowType"`
	Condition   string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// ActionContext carries the facts nodes judge an action by.
type ActionContext struct {
	IsArchitectureChange    bool     `json:"isArchitectureChange"`
	IsGovernanceAction      bool     `json:"isGovernanceAction"`
	AffectsConstitution     bool     `json:"affectsConstitution"`
	MutatesState            bool     `json:"mutatesState"`
	TriggersBuilder         bool     `json:"triggersBuilder"`
	RequiresModelEscalation bool     `json:"requiresModelEscalation"`
	HasRedQA                bool     `json:"hasRedQA"`
	TargetPaths             []string `json:"targetPaths,omitempty"`
	QICViolations           []string `json:"qicViolations,omitempty"`
	QIELFailures            []string `json:"qielFailures,omitempty"`
	DriftScore              float64  `json:"driftScore"`
	PerformanceBudgetBreach bool     `json:"performanceBudgetBreach"`
	ModelTier               string   `json:"modelTier,omitempty"`
}

// Action is a proposed autonomous action.
type Action struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Context     ActionContext `json:"context"`
}

// NodeResult is one node's verdict.
type NodeResult struct {
	NodeID   NodeID        `json:"nodeId"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Blockers []string      `json:"blockers,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the aggregate verdict for one action.
type Result struct {
	ActionID           string        `json:"actionId"`
	OverallStatus      Status        `json:"overallStatus"`
	Approved           bool          `json:"approved"`
	BlockingNodes      []NodeID      `json:"blockingNodes"`
	WarningNodes       []NodeID      `json:"warningNodes"`
	EscalationNodes    []NodeID      `json:"escalationNodes,omitempty"`
	EdgeViolations     []string      `json:"edgeViolations,omitempty"`
	EscalationRequired bool          `json:"escalationRequired"`
	ExecutionAllowed   bool          `json:"executionAllowed"`
	NodeResults        []NodeResult  `json:"nodeResults"`
	Duration           time.Duration `json:"duration"`
	Timestamp          time.Time     `json:"timestamp"`
}

func approved(id NodeID, msg string) NodeResult {
	return NodeResult{NodeID: id, Status: StatusApproved, Message: msg}
}

func blocked(id NodeID, msg string, blockers ...string) NodeResult {
	if len(blockers) == 0 {
		blockers = []string{msg}
	}
	return NodeResult{NodeID: id, Status: StatusBlocked, Message: msg, Blockers: blockers}
}

func warning(id NodeID, msg string, warnings ...string) NodeResult {
	if len(warnings) == 0 {
		warnings = []string{msg}
	}
	return NodeResult{NodeID: id, Status: StatusWarning, Message: msg, Warnings: warnings}
}

func escalate(id NodeID, msg string) NodeResult {
	return NodeResult{NodeID: id, Status: StatusRequiresEscalation, Message: msg}
}
