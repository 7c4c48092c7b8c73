// Package safety runs the GitHub-specific checks every mutation must pass
// before it is attempted.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/foreman/pkg/github"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
	"github.com/Mindburn-Labs/foreman/pkg/observability"
)

// DefaultCheckTimeout bounds each individual check.
const DefaultCheckTimeout = 10 * time.Second

// Check names reported in SafetyCheckResult.Checks.
const (
	CheckReachability       = "reachability"
	CheckCIGreen            = "ciGreen"
	CheckBranchProtection   = "branchProtection"
	CheckQAApproval         = "qaApproval"
	CheckComplianceApproval = "complianceApproval"
	CheckMergeReady         = "mergeReady"
	CheckClosureReason      = "closureReason"
	CheckLinkedPR           = "linkedPullRequest"
	CheckSecretScan         = "secretScan"
	CheckLabels             = "labels"
)

// Governance labels.
const (
	LabelQAApproved         = "qa-approved"
	LabelQABlocked          = "qa-blocked"
	LabelComplianceApproved = "compliance-approved"
	LabelComplianceBlocked  = "compliance-blocked"
	LabelGovernanceApproved = "governance-approved"
)

// approvalLabels mark human sign-off and can never be set autonomously.
var approvalLabels = map[string]bool{
	LabelQAApproved:         true,
	LabelComplianceApproved: true,
	LabelGovernanceApproved: true,
}

// blockingLabels can never be removed autonomously.
var blockingLabels = map[string]bool{
	LabelQABlocked:         true,
	LabelComplianceBlocked: true,
}

// CheckOutcome is one check's verdict.
type CheckOutcome struct {
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

// SafetyCheckResult is the verdict for one proposed mutation.
type SafetyCheckResult struct {
	Passed          bool                    `json:"passed"`
	Checks          map[string]CheckOutcome `json:"checks"`
	SecretsDetected bool                    `json:"secretsDetected"`
	BlockingReasons []string                `json:"blockingReasons"`
}

func newResult() *SafetyCheckResult {
	return &SafetyCheckResult{Checks: map[string]CheckOutcome{}, BlockingReasons: []string{}}
}

func (r *SafetyCheckResult) set(name string, passed bool, details string) {
	r.Checks[name] = CheckOutcome{Passed: passed, Details: details}
}

// finish derives Passed and the blocking reasons in stable check order.
func (r *SafetyCheckResult) finish() SafetyCheckResult {
	names := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if c := r.Checks[name]; !c.Passed {
			r.BlockingReasons = append(r.BlockingReasons, name+": "+c.Details)
		}
	}
	r.Passed = len(r.BlockingReasons) == 0 && len(r.Checks) > 0
	return *r
}

// MergeRequest identifies a pull request to merge.
type MergeRequest struct {
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	PRNumber int    `json:"prNumber"`
}

func (r MergeRequest) target() string { return issueTarget(r.Owner, r.Repo, r.PRNumber) }

func issueTarget(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// IssueCloseRequest describes an issue closure.
type IssueCloseRequest struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issueNumber"`
	Reason      string `json:"reason"`
	LinkedPRs   []int  `json:"linkedPRs,omitempty"`
}

// CommentRequest describes a comment on an issue or PR.
type CommentRequest struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
	Body   string `json:"body"`
}

// LabelRequest describes adding or removing labels.
type LabelRequest struct {
	Owner  string   `json:"owner"`
	Repo   string   `json:"repo"`
	Number int      `json:"number"`
	Labels []string `json:"labels"`
	Remove bool     `json:"remove"`
}

// Validator runs safety checks against GitHub.
type Validator struct {
	client   github.Client
	config   MCPConfig
	timeout  time.Duration
	recorder *governance.Recorder
	obs      *observability.Provider
	logger   *slog.Logger
}

// NewValidator creates a validator. recorder may be nil.
func NewValidator(client github.Client, cfg MCPConfig, recorder *governance.Recorder) *Validator {
	return &Validator{
		client:   client,
		config:   cfg,
		timeout:  DefaultCheckTimeout,
		recorder: recorder,
		logger:   slog.Default(),
	}
}

// WithTimeout sets the per-check timeout.
func (v *Validator) WithTimeout(d time.Duration) *Validator {
	if d > 0 {
		v.timeout = d
	}
	return v
}

// WithObservability traces validations.
func (v *Validator) WithObservability(p *observability.Provider) *Validator {
	v.obs = p
	return v
}

// Config returns the active configuration.
func (v *Validator) Config() MCPConfig { return v.config }

var bypassMarkers = []string{"bypass", "skip", "force", "override", "nocheck", "no_check", "unsafe"}

// DetectBypass lists every key in input, at any depth, that asks to weaken a check.
func DetectBypass(input map[string]any) []string {
	var found []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			lk := strings.ToLower(k)
			for _, marker := range bypassMarkers {
				if strings.Contains(lk, marker) {
					found = append(found, path)
					break
				}
			}
			if nested, ok := val.(map[string]any); ok {
				walk(path, nested)
			}
		}
	}
	walk("", input)
	sort.Strings(found)
	return found
}

// RejectBypass returns a GovernanceViolationError when input carries a bypass
// flag. The attempt is recorded as a critical governance event.
func (v *Validator) RejectBypass(ctx context.Context, operation string, input map[string]any) error {
	fields := DetectBypass(input)
	if len(fields) == 0 {
		return nil
	}
	v.logger.Error("bypass attempt detected", "operation", operation, "fields", fields)
	v.record(ctx, governance.Event{
		Type:        governance.EventBypassAttempt,
		Severity:    governance.SeverityCritical,
		Description: fmt.Sprintf("bypass attempt detected on %s", operation),
		Metadata:    map[string]any{"operation": operation, "fields": fields},
	}, true)
	return &GovernanceViolationError{Reason: "bypass attempt detected", Fields: fields}
}

// ValidateMergeInput is the entry point for loosely typed callers such as tool
// invocations. Bypass flags are rejected before any check runs.
func (v *Validator) ValidateMergeInput(ctx context.Context, input map[string]any) (SafetyCheckResult, error) {
	if err := v.RejectBypass(ctx, "merge_pr", input); err != nil {
		return SafetyCheckResult{}, err
	}
	req := MergeRequest{}
	req.Owner, _ = input["owner"].(string)
	req.Repo, _ = input["repo"].(string)
	switch n := input["prNumber"].(type) {
	case int:
		req.PRNumber = n
	case float64:
		req.PRNumber = int(n)
	}
	return v.ValidateMergeSafety(ctx, req), nil
}

type namedCheck struct {
	name string
	run  func(ctx context.Context) (bool, string)
}

type outcome struct {
	name    string
	passed  bool
	details string
}

// runChecks evaluates checks concurrently. A check that times out or panics fails.
func (v *Validator) runChecks(ctx context.Context, res *SafetyCheckResult, checks []namedCheck) {
	outcomes := make([]outcome, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			outcomes[i] = v.runCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	for _, o := range outcomes {
		res.set(o.name, o.passed, o.details)
	}
}

func (v *Validator) runCheck(ctx context.Context, c namedCheck) outcome {
	cctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{name: c.name, details: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		ok, details := c.run(cctx)
		ch <- outcome{name: c.name, passed: ok, details: details}
	}()

	select {
	case o := <-ch:
		return o
	case <-cctx.Done():
		return outcome{name: c.name, details: fmt.Sprintf("check timed out after %s", v.timeout)}
	}
}

// ValidateMergeSafety runs every merge check. Reachability and the PR fetch
// run first; the remaining checks then run concurrently against that PR.
func (v *Validator) ValidateMergeSafety(ctx context.Context, req MergeRequest) SafetyCheckResult {
	ctx, done := v.obs.TrackOperation(ctx, "safety.merge", observability.SafetyAttrs("merge_pr")...)
	defer done(nil)
	res := newResult()

	if req.Owner == "" || req.Repo == "" || req.PRNumber <= 0 {
		res.set(CheckReachability, false, "owner, repo and a positive PR number are required")
		return v.conclude(ctx, "merge_pr", req.target(), res)
	}
	if !v.config.Enabled {
		res.set(CheckReachability, false, "MCP safety layer is disabled")
		return v.conclude(ctx, "merge_pr", req.target(), res)
	}

	var fetched atomic.Pointer[github.PullRequest]
	v.runChecks(ctx, res, []namedCheck{
		{CheckReachability, func(c context.Context) (bool, string) {
			if err := v.client.GetRepository(c, req.Owner, req.Repo); err != nil {
				return false, fmt.Sprintf("repository unreachable: %v", err)
			}
			return true, "repository reachable"
		}},
		{CheckMergeReady, func(c context.Context) (bool, string) {
			got, err := v.client.GetPullRequest(c, req.Owner, req.Repo, req.PRNumber)
			if err != nil {
				return false, fmt.Sprintf("pull request unavailable: %v", err)
			}
			fetched.Store(got)
			return mergeReady(got)
		}},
	})
	pr := fetched.Load()
	if pr == nil {
		return v.conclude(ctx, "merge_pr", req.target(), res)
	}

	checks := v.mergeChecks(req, pr, res)
	v.runChecks(ctx, res, checks)
	return v.conclude(ctx, "merge_pr", req.target(), res)
}

func (v *Validator) mergeChecks(req MergeRequest, pr *github.PullRequest, res *SafetyCheckResult) []namedCheck {
	cfg := v.config.SafetyChecks
	var checks []namedCheck

	if cfg.RequireQAApproval {
		checks = append(checks, namedCheck{CheckQAApproval, func(context.Context) (bool, string) {
			return labelGate(pr, LabelQAApproved, LabelQABlocked, "QA")
		}})
	} else {
		res.set(CheckQAApproval, true, "not required by configuration")
	}
	if cfg.RequireComplianceApproval {
		checks = append(checks, namedCheck{CheckComplianceApproval, func(context.Context) (bool, string) {
			return labelGate(pr, LabelComplianceApproved, LabelComplianceBlocked, "compliance")
		}})
	} else {
		res.set(CheckComplianceApproval, true, "not required by configuration")
	}
	if cfg.RequireCIGreen {
		checks = append(checks, namedCheck{CheckCIGreen, func(c context.Context) (bool, string) {
			state, err := v.client.GetCombinedStatus(c, req.Owner, req.Repo, pr.HeadSHA)
			switch {
			case err != nil:
				return false, fmt.Sprintf("CI status unavailable: %v", err)
			case state != github.StatusSuccess:
				return false, "CI status is " + state
			}
			return true, "all checks passed"
		}})
	} else {
		res.set(CheckCIGreen, true, "not required by configuration")
	}
	if cfg.RespectBranchProtection {
		checks = append(checks, namedCheck{CheckBranchProtection, func(c context.Context) (bool, string) {
			return v.branchProtection(c, req, pr)
		}})
	} else {
		res.set(CheckBranchProtection, true, "not required by configuration")
	}
	return checks
}

func mergeReady(pr *github.PullRequest) (bool, string) {
	switch {
	case pr.Merged:
		return false, "pull request is already merged"
	case pr.State != "open":
		return false, "pull request is " + pr.State
	case pr.Draft:
		return false, "pull request is a draft"
	case pr.Mergeable != nil && !*pr.Mergeable, pr.MergeableState == "dirty":
		return false, "pull request has merge conflicts"
	case pr.Mergeable == nil:
		return false, "mergeability not yet computed"
	}
	return true, "open and mergeable"
}

func labelGate(pr *github.PullRequest, approvedLabel, blockedLabel, what string) (bool, string) {
	switch {
	case pr.HasLabel(blockedLabel):
		return false, fmt.Sprintf("%s blocked label present", what)
	case !pr.HasLabel(approvedLabel):
		return false, fmt.Sprintf("%s approval label missing", what)
	}
	return true, what + " approved"
}

func (v *Validator) branchProtection(ctx context.Context, req MergeRequest, pr *github.PullRequest) (bool, string) {
	bp, err := v.client.GetBranchProtection(ctx, req.Owner, req.Repo, pr.BaseRef)
	if err != nil {
		return false, fmt.Sprintf("branch protection unavailable: %v", err)
	}
	if bp == nil {
		return true, "no branch protection rules"
	}
	if bp.RequiredApprovingReviews <= 0 {
		return true, "no review requirements"
	}
	approvals, err := v.client.CountApprovedReviews(ctx, req.Owner, req.Repo, req.PRNumber)
	if err != nil {
		return false, fmt.Sprintf("reviews unavailable: %v", err)
	}
	if approvals < bp.RequiredApprovingReviews {
		return false, fmt.Sprintf("insufficient reviews: %d/%d", approvals, bp.RequiredApprovingReviews)
	}
	return true, fmt.Sprintf("%d approving review(s), %d required", approvals, bp.RequiredApprovingReviews)
}

// ValidateIssueCloseSafety requires a closure reason and a linked PR, and
// scans the reason, which is posted as a comment, for secrets.
func (v *Validator) ValidateIssueCloseSafety(ctx context.Context, req IssueCloseRequest) SafetyCheckResult {
	res := newResult()
	if strings.TrimSpace(req.Reason) == "" {
		res.set(CheckClosureReason, false, "closure reason is required")
	} else {
		res.set(CheckClosureReason, true, "reason provided")
	}
	linked := 0
	for _, n := range req.LinkedPRs {
		if n > 0 {
			linked++
		}
	}
	if linked == 0 {
		res.set(CheckLinkedPR, false, "closure must reference the pull request that resolved it")
	} else {
		res.set(CheckLinkedPR, true, fmt.Sprintf("%d linked pull request(s)", linked))
	}
	v.scan(res, req.Reason)
	return v.conclude(ctx, "close_issue", issueTarget(req.Owner, req.Repo, req.IssueNumber), res)
}

// ValidateReopenSafety requires a reason and scans it for secrets.
func (v *Validator) ValidateReopenSafety(ctx context.Context, req IssueCloseRequest) SafetyCheckResult {
	res := newResult()
	if strings.TrimSpace(req.Reason) == "" {
		res.set(CheckClosureReason, false, "reopen reason is required")
	} else {
		res.set(CheckClosureReason, true, "reason provided")
	}
	v.scan(res, req.Reason)
	return v.conclude(ctx, "reopen_issue", issueTarget(req.Owner, req.Repo, req.IssueNumber), res)
}

// ValidateCommentSafety scans the body for secrets. Any match blocks.
func (v *Validator) ValidateCommentSafety(ctx context.Context, req CommentRequest) SafetyCheckResult {
	res := newResult()
	v.scan(res, req.Body)
	return v.conclude(ctx, "comment", issueTarget(req.Owner, req.Repo, req.Number), res)
}

// ValidateLabelSafety refuses to set approval labels or clear blocking labels.
func (v *Validator) ValidateLabelSafety(ctx context.Context, req LabelRequest) SafetyCheckResult {
	res := newResult()
	var refused []string
	for _, l := range req.Labels {
		name := strings.ToLower(strings.TrimSpace(l))
		switch {
		case name == "":
			refused = append(refused, "empty label")
		case !req.Remove && approvalLabels[name]:
			refused = append(refused, l+" is a human approval label")
		case req.Remove && blockingLabels[name]:
			refused = append(refused, l+" can only be cleared by a reviewer")
		}
	}
	switch {
	case len(req.Labels) == 0:
		res.set(CheckLabels, false, "no labels given")
	case len(refused) > 0:
		res.set(CheckLabels, false, strings.Join(refused, "; "))
	default:
		res.set(CheckLabels, true, "labels permitted")
	}
	return v.conclude(ctx, "labels", issueTarget(req.Owner, req.Repo, req.Number), res)
}

func (v *Validator) scan(res *SafetyCheckResult, text string) {
	if found := DetectSecrets(text); len(found) > 0 {
		res.SecretsDetected = true
		res.set(CheckSecretScan, false, "secrets detected: "+strings.Join(found, ", "))
		return
	}
	res.set(CheckSecretScan, true, "no secrets detected")
}

// conclude finalizes res and records it.
func (v *Validator) conclude(ctx context.Context, operation, target string, res *SafetyCheckResult) SafetyCheckResult {
	out := res.finish()
	if !out.Passed {
		v.logger.Warn("safety check failed", "operation", operation, "reasons", out.BlockingReasons)
		sev := governance.SeverityHigh
		if out.SecretsDetected {
			sev = governance.SeverityCritical
		}
		v.record(ctx, governance.Event{
			Type:        governance.EventSafetyViolation,
			Severity:    sev,
			Description: fmt.Sprintf("safety validation failed for %s", operation),
			Metadata: map[string]any{
				"operation":       operation,
				"target":          target,
				"blockingReasons": out.BlockingReasons,
				"secretsDetected": out.SecretsDetected,
			},
		}, false)
	} else if v.config.AuditLogging.LogAllActions {
		v.record(ctx, governance.Event{
			Type:        governance.EventSafetyCheck,
			Severity:    governance.SeverityLow,
			Description: fmt.Sprintf("safety validation passed for %s", operation),
			Metadata:    map[string]any{"operation": operation, "target": target, "passed": true},
		}, false)
	}
	return out
}

func (v *Validator) record(ctx context.Context, ev governance.Event, always bool) {
	if v.recorder == nil || (!always && !v.config.AuditLogging.LogToGovernanceMemory) {
		return
	}
	_ = v.recorder.Record(ctx, ev)
}
