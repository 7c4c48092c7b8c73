package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com"

// RESTClient implements Client over the GitHub REST API.
type RESTClient struct {
	baseURL   string
	token     string
	http      *http.Client
	userAgent string
}

// NewRESTClient creates a client. An empty baseURL selects DefaultBaseURL.
func NewRESTClient(baseURL, token string) *RESTClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &RESTClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		http:      &http.Client{Timeout: 30 * time.Second},
		userAgent: "foreman",
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *RESTClient) WithHTTPClient(h *http.Client) *RESTClient {
	c.http = h
	return c
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github: marshal request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		return &HTTPError{StatusCode: resp.StatusCode, Method: method, Path: path, Message: apiErr.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github: decode %s %s: %w", method, path, err)
	}
	return nil
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

type apiLabel struct {
	Name string `json:"name"`
}

func labelNames(ls []apiLabel) []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Name)
	}
	return out
}

// GetRepository succeeds when the repository is reachable with the token.
func (c *RESTClient) GetRepository(ctx context.Context, owner, repo string) error {
	return c.do(ctx, http.MethodGet, repoPath(owner, repo), nil, nil)
}

func (c *RESTClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var raw struct {
		Number         int        `json:"number"`
		State          string     `json:"state"`
		Draft          bool       `json:"draft"`
		Merged         bool       `json:"merged"`
		Mergeable      *bool      `json:"mergeable"`
		MergeableState string     `json:"mergeable_state"`
		Labels         []apiLabel `json:"labels"`
		Head           struct {
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/pulls/%d", repoPath(owner, repo), number), nil, &raw); err != nil {
		return nil, err
	}
	return &PullRequest{
		Number:         raw.Number,
		State:          raw.State,
		Draft:          raw.Draft,
		Merged:         raw.Merged,
		Mergeable:      raw.Mergeable,
		MergeableState: raw.MergeableState,
		HeadSHA:        raw.Head.SHA,
		BaseRef:        raw.Base.Ref,
		Labels:         labelNames(raw.Labels),
	}, nil
}

func (c *RESTClient) GetCombinedStatus(ctx context.Context, owner, repo, ref string) (string, error) {
	var raw struct {
		State string `json:"state"`
	}
	path := fmt.Sprintf("%s/commits/%s/status", repoPath(owner, repo), url.PathEscape(ref))
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return "", err
	}
	return raw.State, nil
}

func (c *RESTClient) GetBranchProtection(ctx context.Context, owner, repo, branch string) (*BranchProtection, error) {
	var raw struct {
		RequiredPullRequestReviews *struct {
			RequiredApprovingReviewCount int `json:"required_approving_review_count"`
		} `json:"required_pull_request_reviews"`
		RequiredStatusChecks *struct {
			Contexts []string `json:"contexts"`
		} `json:"required_status_checks"`
	}
	path := fmt.Sprintf("%s/branches/%s/protection", repoPath(owner, repo), url.PathEscape(branch))
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		if StatusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	bp := &BranchProtection{}
	if raw.RequiredPullRequestReviews != nil {
		bp.RequiredApprovingReviews = raw.RequiredPullRequestReviews.RequiredApprovingReviewCount
	}
	if raw.RequiredStatusChecks != nil {
		bp.RequiredStatusChecks = raw.RequiredStatusChecks.Contexts
	}
	return bp, nil
}

func (c *RESTClient) CountApprovedReviews(ctx context.Context, owner, repo string, number int) (int, error) {
	var raw []struct {
		State string `json:"state"`
	}
	path := fmt.Sprintf("%s/pulls/%d/reviews?per_page=100", repoPath(owner, repo), number)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range raw {
		if r.State == "APPROVED" {
			n++
		}
	}
	return n, nil
}

func (c *RESTClient) ListOpenIssues(ctx context.Context, owner, repo string, labels []string) ([]Issue, error) {
	q := url.Values{"state": {"open"}, "per_page": {"100"}}
	if len(labels) > 0 {
		q.Set("labels", strings.Join(labels, ","))
	}
	var raw []struct {
		Number      int        `json:"number"`
		Title       string     `json:"title"`
		State       string     `json:"state"`
		Labels      []apiLabel `json:"labels"`
		PullRequest *struct{}  `json:"pull_request"`
	}
	if err := c.do(ctx, http.MethodGet, repoPath(owner, repo)+"/issues?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(raw))
	for _, r := range raw {
		if r.PullRequest != nil {
			continue
		}
		out = append(out, Issue{Number: r.Number, Title: r.Title, State: r.State, Labels: labelNames(r.Labels)})
	}
	return out, nil
}

func (c *RESTClient) MergePullRequest(ctx context.Context, owner, repo string, number int, method, commitTitle string) (string, error) {
	body := map[string]string{}
	if method != "" {
		body["merge_method"] = method
	}
	if commitTitle != "" {
		body["commit_title"] = commitTitle
	}
	var raw struct {
		SHA    string `json:"sha"`
		Merged bool   `json:"merged"`
	}
	path := fmt.Sprintf("%s/pulls/%d/merge", repoPath(owner, repo), number)
	if err := c.do(ctx, http.MethodPut, path, body, &raw); err != nil {
		return "", err
	}
	if !raw.Merged {
		return "", &HTTPError{StatusCode: http.StatusConflict, Method: http.MethodPut, Path: path, Message: "pull request not merged"}
	}
	return raw.SHA, nil
}

func (c *RESTClient) SetIssueState(ctx context.Context, owner, repo string, number int, state string) error {
	path := fmt.Sprintf("%s/issues/%d", repoPath(owner, repo), number)
	return c.do(ctx, http.MethodPatch, path, map[string]string{"state": state}, nil)
}

func (c *RESTClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	path := fmt.Sprintf("%s/issues/%d/labels", repoPath(owner, repo), number)
	return c.do(ctx, http.MethodPost, path, map[string][]string{"labels": labels}, nil)
}

func (c *RESTClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	path := fmt.Sprintf("%s/issues/%d/labels/%s", repoPath(owner, repo), number, url.PathEscape(label))
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if StatusOf(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *RESTClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("%s/issues/%d/comments", repoPath(owner, repo), number)
	return c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
}
