package mutation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor recorded on every mutation event.
const Actor = "foreman"

// Mutation results. Refused and cancelled calls are failures; the finer
// outcome stays in the event metadata.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Resource types.
const (
	ResourcePullRequest = "pull_request"
	ResourceIssue       = "issue"
)

// Target is the GitHub resource a mutation acts on.
type Target struct {
	Owner        string `json:"owner,omitempty"`
	Repo         string `json:"repo,omitempty"`
	ResourceType string `json:"resourceType"`
	ResourceID   int    `json:"resourceId"`
}

// Details is the mutation block of a MutationEvent.
type Details struct {
	Operation string `json:"operation"`
	Result    string `json:"result"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// MutationEvent is the governance record written once per Execute call.
type MutationEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	EventType string         `json:"eventType"`
	Target    Target         `json:"target"`
	Mutation  Details        `json:"mutation"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ResourceType reports the kind of resource t mutates.
func (t Type) ResourceType() string {
	if t == TypeMergePR {
		return ResourcePullRequest
	}
	return ResourceIssue
}

// EventType names the audit event for t. A failed merge has its own name.
func (t Type) EventType(result string) string {
	switch t {
	case TypeMergePR:
		if result == ResultFailure {
			return "pr_merge_failed"
		}
		return "pr_merged"
	case TypeCloseIssue:
		return "issue_closed"
	case TypeReopenIssue:
		return "issue_reopened"
	case TypeAddLabels:
		return "issue_labeled"
	case TypeRemoveLabels:
		return "issue_unlabeled"
	case TypeComment:
		return "issue_commented"
	default:
		return string(t)
	}
}

func newEvent(op Operation, log attemptLog, elapsed time.Duration, err error, now time.Time) MutationEvent {
	result := ResultSuccess
	if err != nil || log.outcome != OutcomeSucceeded {
		result = ResultFailure
	}
	target := op.Target
	if target.ResourceType == "" {
		target.ResourceType = op.Type.ResourceType()
	}
	ev := MutationEvent{
		ID:        "mut_" + uuid.NewString(),
		Timestamp: now.UTC(),
		Actor:     Actor,
		EventType: op.Type.EventType(result),
		Target:    target,
		Mutation: Details{
			Operation: string(op.Type),
			Result:    result,
			Attempts:  log.attempts,
		},
		Metadata: map[string]any{
			"outcome":    log.outcome,
			"resource":   op.Resource,
			"durationMs": elapsed.Milliseconds(),
		},
	}
	if log.check != "" {
		ev.Metadata["safetyCheck"] = log.check
	}
	if err != nil {
		ev.Mutation.Error = err.Error()
	}
	return ev
}

// fields flattens ev into governance event metadata.
func (ev MutationEvent) fields() (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeEvent reads a MutationEvent back from governance event metadata.
func DecodeEvent(meta map[string]any) (MutationEvent, error) {
	var ev MutationEvent
	raw, err := json.Marshal(meta)
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("decode mutation event: %w", err)
	}
	return ev, nil
}
