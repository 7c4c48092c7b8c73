package supervision

import (
	"sync"
	"time"
)

// Approval is a human resolution of an escalation for one action and node.
type Approval struct {
	ActionID   string    `json:"actionId"`
	NodeID     NodeID    `json:"nodeId"`
	ApproverID string    `json:"approverId"`
	Reason     string    `json:"reason"`
	ApprovedAt time.Time `json:"approvedAt"`
}

type approvalKey struct {
	action string
	node   NodeID
}

// ApprovalRegistry remembers escalation resolutions. Approvals are never revoked.
type ApprovalRegistry struct {
	mu        sync.RWMutex
	approvals map[approvalKey]Approval
}

// NewApprovalRegistry returns an empty registry.
func NewApprovalRegistry() *ApprovalRegistry {
	return &ApprovalRegistry{approvals: make(map[approvalKey]Approval)}
}

// Record stores a. The first approval for a key wins.
func (r *ApprovalRegistry) Record(a Approval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := approvalKey{a.ActionID, a.NodeID}
	if _, ok := r.approvals[k]; !ok {
		r.approvals[k] = a
	}
}

// Lookup returns the approval for actionID at node, if any.
func (r *ApprovalRegistry) Lookup(actionID string, node NodeID) (Approval, bool) {
	if r == nil {
		return Approval{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.approvals[approvalKey{actionID, node}]
	return a, ok
}
