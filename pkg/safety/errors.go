package safety

import (
	"fmt"
	"strings"
)

// GovernanceViolationError is a policy refusal. It is never retried.
type GovernanceViolationError struct {
	Reason string
	Fields []string
}

func (e *GovernanceViolationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("governance violation: %s (%s)", e.Reason, strings.Join(e.Fields, ", "))
	}
	return "governance violation: " + e.Reason
}

// ComplianceViolationError is a compliance refusal such as a leaked secret.
// It is never retried.
type ComplianceViolationError struct {
	Reason  string
	Details []string
}

func (e *ComplianceViolationError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("compliance violation: %s: %s", e.Reason, strings.Join(e.Details, "; "))
	}
	return "compliance violation: " + e.Reason
}
