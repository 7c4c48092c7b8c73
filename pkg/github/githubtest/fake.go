// Package githubtest provides an in-memory github.Client for tests.
package githubtest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Mindburn-Labs/foreman/pkg/github"
)

// Fake is a scriptable github.Client. Zero value is usable: every repository
// is reachable and every read returns empty data.
type Fake struct {
	mu sync.Mutex

	PullRequests map[int]*github.PullRequest
	Statuses     map[string]string // ref -> combined state
	Protection   *github.BranchProtection
	Approvals    int
	Issues       []github.Issue

	// Errors maps a method name to the error it returns. FailTimes bounds how
	// many calls fail before succeeding; zero means always.
	Errors    map[string]error
	FailTimes map[string]int

	// Hook runs at the start of every mutating call, outside the lock.
	Hook func(method string, number int)

	calls []string
	count map[string]int
}

// Calls returns every recorded call in order, formatted "Method #n".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count[method]
}

// Fail makes method return err for its next n calls (n <= 0: forever).
func (f *Fake) Fail(method string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Errors == nil {
		f.Errors = map[string]error{}
		f.FailTimes = map[string]int{}
	}
	f.Errors[method] = err
	if f.FailTimes == nil {
		f.FailTimes = map[string]int{}
	}
	f.FailTimes[method] = n
}

func (f *Fake) enter(ctx context.Context, method string, number int) error {
	f.mu.Lock()
	if f.count == nil {
		f.count = map[string]int{}
	}
	f.count[method]++
	f.calls = append(f.calls, fmt.Sprintf("%s #%d", method, number))
	var err error
	if e, ok := f.Errors[method]; ok {
		err = e
		if n := f.FailTimes[method]; n > 0 {
			if n == 1 {
				delete(f.Errors, method)
			}
			f.FailTimes[method] = n - 1
		}
	}
	hook := f.Hook
	f.mu.Unlock()

	if hook != nil {
		hook(method, number)
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (f *Fake) GetRepository(ctx context.Context, _, _ string) error {
	return f.enter(ctx, "GetRepository", 0)
}

func (f *Fake) GetPullRequest(ctx context.Context, _, _ string, number int) (*github.PullRequest, error) {
	if err := f.enter(ctx, "GetPullRequest", number); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.PullRequests[number]
	if !ok {
		return nil, &github.HTTPError{StatusCode: http.StatusNotFound, Method: http.MethodGet, Path: fmt.Sprintf("/pulls/%d", number)}
	}
	cp := *pr
	cp.Labels = append([]string(nil), pr.Labels...)
	return &cp, nil
}

func (f *Fake) GetCombinedStatus(ctx context.Context, _, _, ref string) (string, error) {
	if err := f.enter(ctx, "GetCombinedStatus", 0); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.Statuses[ref]; ok {
		return st, nil
	}
	return github.StatusPending, nil
}

func (f *Fake) GetBranchProtection(ctx context.Context, _, _, _ string) (*github.BranchProtection, error) {
	if err := f.enter(ctx, "GetBranchProtection", 0); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Protection, nil
}

func (f *Fake) CountApprovedReviews(ctx context.Context, _, _ string, number int) (int, error) {
	if err := f.enter(ctx, "CountApprovedReviews", number); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Approvals, nil
}

func (f *Fake) ListOpenIssues(ctx context.Context, _, _ string, _ []string) ([]github.Issue, error) {
	if err := f.enter(ctx, "ListOpenIssues", 0); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]github.Issue(nil), f.Issues...), nil
}

func (f *Fake) MergePullRequest(ctx context.Context, _, _ string, number int, _, _ string) (string, error) {
	if err := f.enter(ctx, "MergePullRequest", number); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PullRequests[number]; ok {
		pr.Merged = true
		pr.State = "closed"
	}
	return fmt.Sprintf("sha-%d", number), nil
}

func (f *Fake) SetIssueState(ctx context.Context, _, _ string, number int, state string) error {
	return f.enter(ctx, "SetIssueState", number)
}

func (f *Fake) AddLabels(ctx context.Context, _, _ string, number int, _ []string) error {
	return f.enter(ctx, "AddLabels", number)
}

func (f *Fake) RemoveLabel(ctx context.Context, _, _ string, number int, _ string) error {
	return f.enter(ctx, "RemoveLabel", number)
}

func (f *Fake) CreateComment(ctx context.Context, _, _ string, number int, _ string) error {
	return f.enter(ctx, "CreateComment", number)
}

// ReadyPR returns an open, mergeable PR carrying both approval labels.
func ReadyPR(number int, sha string) *github.PullRequest {
	mergeable := true
	return &github.PullRequest{
		Number:         number,
		State:          "open",
		Mergeable:      &mergeable,
		MergeableState: "clean",
		HeadSHA:        sha,
		BaseRef:        "main",
		Labels:         []string{"qa-approved", "compliance-approved"},
	}
}

var _ github.Client = (*Fake)(nil)
