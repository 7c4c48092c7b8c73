// Package github is the boundary to the GitHub API. Authentication is opaque:
// callers hand in a token obtained elsewhere.
package github

import (
	"context"
	"errors"
	"fmt"
)

// PullRequest is the subset of PR state safety checks need.
type PullRequest struct {
	Number         int      `json:"number"`
	State          string   `json:"state"`
	Draft          bool     `json:"draft"`
	Merged         bool     `json:"merged"`
	Mergeable      *bool    `json:"mergeable"`
	MergeableState string   `json:"mergeableState"`
	HeadSHA        string   `json:"headSha"`
	BaseRef        string   `json:"baseRef"`
	Labels         []string `json:"labels"`
}

// HasLabel reports whether name is set on the PR.
func (pr *PullRequest) HasLabel(name string) bool {
	for _, l := range pr.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// BranchProtection is the subset of protection rules that gate a merge.
type BranchProtection struct {
	RequiredApprovingReviews int      `json:"requiredApprovingReviews"`
	RequiredStatusChecks     []string `json:"requiredStatusChecks,omitempty"`
}

// Issue is an open issue, used as an incident feed.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	State  string   `json:"state"`
	Labels []string `json:"labels"`
}

// Combined commit status values.
const (
	StatusSuccess = "success"
	StatusPending = "pending"
	StatusFailure = "failure"
)

// Client is every GitHub call the governance core makes.
type Client interface {
	GetRepository(ctx context.Context, owner, repo string) error
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	GetCombinedStatus(ctx context.Context, owner, repo, ref string) (string, error)
	// GetBranchProtection returns nil, nil when the branch is unprotected.
	GetBranchProtection(ctx context.Context, owner, repo, branch string) (*BranchProtection, error)
	CountApprovedReviews(ctx context.Context, owner, repo string, number int) (int, error)
	ListOpenIssues(ctx context.Context, owner, repo string, labels []string) ([]Issue, error)

	MergePullRequest(ctx context.Context, owner, repo string, number int, method, commitTitle string) (string, error)
	SetIssueState(ctx context.Context, owner, repo string, number int, state string) error
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
}

// HTTPError is a non-2xx API response.
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github %s %s: %d", e.Method, e.Path, e.StatusCode)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// IncidentIssues exposes open issues carrying incident labels as unresolved incidents.
type IncidentIssues struct {
	Client Client
	Owner  string
	Repo   string
	Labels []string
}

// UnresolvedIncidents lists open incident issues as "#n title".
func (s IncidentIssues) UnresolvedIncidents(ctx context.Context) ([]string, error) {
	issues, err := s.Client.ListOpenIssues(ctx, s.Owner, s.Repo, s.Labels)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(issues))
	for _, is := range issues {
		out = append(out, fmt.Sprintf("#%d %s", is.Number, is.Title))
	}
	return out, nil
}

// BranchStatus reports the combined commit status of a branch head as the
// repository's CI state.
type BranchStatus struct {
	Client Client
	Owner  string
	Repo   string
	Branch string
}

// CIStatus returns the combined status of the branch.
func (s BranchStatus) CIStatus(ctx context.Context) (string, error) {
	return s.Client.GetCombinedStatus(ctx, s.Owner, s.Repo, s.Branch)
}
