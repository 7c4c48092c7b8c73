package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/foreman/pkg/api"
	"github.com/Mindburn-Labs/foreman/pkg/archive"
	"github.com/Mindburn-Labs/foreman/pkg/auth"
	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/config"
	"github.com/Mindburn-Labs/foreman/pkg/github"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
	"github.com/Mindburn-Labs/foreman/pkg/mutation"
	"github.com/Mindburn-Labs/foreman/pkg/observability"
	"github.com/Mindburn-Labs/foreman/pkg/safety"
	"github.com/Mindburn-Labs/foreman/pkg/store"
	"github.com/Mindburn-Labs/foreman/pkg/supervision"
)

// systemActor is the actor id used for transitions foreman makes on its own.
const systemActor = "foreman"

type lockInspector interface {
	mutation.Locker
	autonomy.LockInspector
}

// app is the wired service graph behind `foreman serve`.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	obs        *observability.Provider
	store      *store.Store
	ledger     *governance.Ledger
	recorder   *governance.Recorder
	model      *autonomy.StateModel
	guard      *autonomy.ExecutionGuard
	validator  *autonomy.SystemValidator
	reauth     *autonomy.ReauthorizationEngine
	supervisor *supervision.Supervisor
	mutator    *mutation.Mutator
	tokens     *auth.TokenService
	archiver   *archive.Archiver
	limiter    *api.RateLimiter

	closers []func(context.Context) error
}

// openStore opens the configured database and loads the audit chain.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, *governance.Ledger, error) {
	dialect, err := store.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := governance.NewLedger(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("load governance ledger: %w", err)
	}
	return st, ledger, nil
}

// incidentSource watches the configured repository. Without one, incident
// tracking is off and reports nothing open.
func incidentSource(cfg *config.Config, client github.Client, logger *slog.Logger) autonomy.IncidentSource {
	owner, repo, ok := cfg.Repo()
	if !ok {
		logger.Warn("FOREMAN_GITHUB_REPO not set; incident tracking disabled")
		return noIncidents{}
	}
	return github.IncidentIssues{Client: client, Owner: owner, Repo: repo, Labels: cfg.IncidentLabels}
}

type noIncidents struct{}

func (noIncidents) UnresolvedIncidents(context.Context) ([]string, error) { return nil, nil }

// ciSource reads the default branch status from GitHub when a repository is
// configured, else the ci-status.json file CI writes into the status dir.
func ciSource(cfg *config.Config, client github.Client) autonomy.CIStatusSource {
	if owner, repo, ok := cfg.Repo(); ok {
		return github.BranchStatus{Client: client, Owner: owner, Repo: repo, Branch: cfg.DefaultBranch}
	}
	return autonomy.StatusFile{Path: filepath.Join(cfg.StatusDir, "ci-status.json")}
}

func newSystemValidator(cfg *config.Config, client github.Client, incidents autonomy.IncidentSource, locks autonomy.LockInspector) (*autonomy.SystemValidator, error) {
	debt, err := autonomy.TestDebtCheck(cfg.WorkDir, nil, nil)
	if err != nil {
		return nil, err
	}
	return autonomy.NewSystemValidator(cfg.SafetyCheckTimeout,
		autonomy.UncommittedChangesCheck(autonomy.GitWorkingTree{Dir: cfg.WorkDir}),
		autonomy.TestsPassingCheck(filepath.Join(cfg.StatusDir, "test-results")),
		debt,
		autonomy.CIStableCheck(ciSource(cfg, client)),
		autonomy.IncidentsResolvedCheck(incidents),
		autonomy.BuildGreenCheck(filepath.Join(cfg.StatusDir, "build-status.json")),
		autonomy.LintCleanCheck(filepath.Join(cfg.StatusDir, "lint-status.json")),
		autonomy.ProgramCompleteCheck(filepath.Join(cfg.StatusDir, "programs")),
		autonomy.StaleLocksCheck(locks, cfg.StaleLockAge),
	), nil
}

func loadGraph(cfg *config.Config) (*supervision.Graph, error) {
	gcfg := supervision.DefaultConfig()
	if cfg.GraphConfigPath != "" {
		loaded, err := supervision.LoadConfig(cfg.GraphConfigPath)
		if err != nil {
			return nil, err
		}
		gcfg = loaded
	}
	if gcfg.NodeTimeoutMs == 0 {
		gcfg.NodeTimeoutMs = int(cfg.NodeTimeout.Milliseconds())
	}
	return supervision.NewGraph(gcfg)
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if cfg.Telemetry != nil {
		cfg.Telemetry.ServiceVersion = version
	}
	a.obs, err = observability.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.closers = append(a.closers, a.obs.Shutdown)

	a.store, a.ledger, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	a.model = autonomy.NewStateModel(autonomy.ForwardExecution,
		autonomy.WithTransitionStore(a.store), autonomy.WithLogger(logger))
	if err := a.model.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore autonomy state: %w", err)
	}
	a.guard = autonomy.NewExecutionGuard(a.model)

	a.recorder = governance.NewRecorder(a.ledger).OnFailure(a.auditFailed)
	a.model.OnTransition(a.recordTransition)

	var locker lockInspector = mutation.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rl := mutation.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, 0)
		a.closers = append(a.closers, func(context.Context) error { return rl.Close() })
		locker = rl
	}

	client := github.NewRESTClient(cfg.GitHubAPIURL, cfg.MCP.GitHubToken)
	incidents := incidentSource(cfg, client, logger)

	if a.validator, err = newSystemValidator(cfg, client, incidents, locker); err != nil {
		return nil, err
	}
	a.reauth = autonomy.NewReauthorizationEngine(a.model, a.validator, a.store, a.recorder)
	if err := a.reauth.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore reauthorization requests: %w", err)
	}

	graph, err := loadGraph(cfg)
	if err != nil {
		return nil, fmt.Errorf("supervision graph: %w", err)
	}
	approvals := supervision.NewApprovalRegistry()
	evals, err := supervision.DefaultEvaluators(supervision.Dependencies{
		Guard:          a.guard,
		History:        supervision.LedgerHistory{Ledger: a.ledger},
		Incidents:      incidents,
		Approvals:      approvals,
		ProtectedPaths: cfg.ProtectedPaths,
	})
	if err != nil {
		return nil, err
	}
	a.supervisor, err = supervision.NewSupervisor(graph, evals, approvals,
		supervision.WithRecorder(a.recorder),
		supervision.WithObservability(a.obs),
		supervision.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	report := cfg.MCP.Validate()
	for _, w := range report.Warnings {
		logger.Warn("mcp configuration", "warning", w)
	}
	validator := safety.NewValidator(client, cfg.MCP, a.recorder).
		WithTimeout(cfg.SafetyCheckTimeout).
		WithObservability(a.obs)
	engine := mutation.NewEngine(
		mutation.WithMaxRetries(cfg.MutationMaxRetries),
		mutation.WithBaseDelay(cfg.MutationBaseDelay),
		mutation.WithLocker(locker),
		mutation.WithGuard(a.guard),
		mutation.WithRecorder(a.recorder),
		mutation.WithObservability(a.obs),
		mutation.WithLogger(logger),
		mutation.WithEscalation(cfg.EscalateAfter, a.escalate),
	)
	a.mutator = mutation.NewMutator(engine, client, validator)

	if cfg.OwnerSecret != "" {
		keys, err := auth.DeriveKeySet(cfg.OwnerSecret)
		if err != nil {
			return nil, err
		}
		a.tokens = auth.NewTokenService(keys)
	} else {
		logger.Warn("FOREMAN_OWNER_SECRET not set; owner and mutation endpoints will refuse every request")
	}

	objects, err := archive.Open(ctx, archiveConfig(cfg))
	if err != nil {
		return nil, err
	}
	if objects != nil {
		a.archiver = archive.New(objects, logger)
	}

	a.limiter = api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	return a, nil
}

func archiveConfig(cfg *config.Config) archive.Config {
	return archive.Config{
		Backend:  cfg.ArchiveBackend,
		Bucket:   cfg.ArchiveBucket,
		Prefix:   cfg.ArchivePrefix,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
	}
}

// auditFailed blocks autonomous execution when governance memory refuses a write.
func (a *app) auditFailed(ctx context.Context, ev governance.Event, err error) {
	a.obs.RecordAuditFailure(ctx, string(ev.Type))
	if berr := a.guard.Block("governance memory write failed: "+err.Error(), systemActor); berr != nil {
		a.logger.Error("failed to block after audit failure", "error", berr)
	}
}

func (a *app) recordTransition(t autonomy.Transition) {
	sev := governance.SeverityMedium
	if t.To == autonomy.CorrectionMode {
		sev = governance.SeverityHigh
	}
	_ = a.recorder.Record(context.Background(), governance.Event{
		Type:        governance.EventStateTransition,
		Severity:    sev,
		Description: fmt.Sprintf("autonomy %s -> %s (%s)", t.From, t.To, t.Cause),
		Metadata: map[string]any{
			"transitionId": t.ID,
			"sequence":     t.Sequence,
			"from":         string(t.From),
			"to":           string(t.To),
			"cause":        t.Cause,
			"actorId":      t.ActorID,
			"reason":       t.Reason,
			"contentHash":  t.ContentHash,
		},
	})
}

// escalate drops into correction mode after repeated mutation failures.
func (a *app) escalate(ctx context.Context, op mutation.Operation, failures int, err error) {
	reason := fmt.Sprintf("%d consecutive failures of %s on %s: %v", failures, op.Type, op.Resource, err)
	if _, terr := a.model.EnterCorrectionMode(ctx, "repeated_mutation_failures", systemActor, reason); terr != nil {
		a.logger.Error("failed to enter correction mode", "error", terr, "reason", reason)
	}
}

func (a *app) handler() http.Handler {
	deps := api.Deps{
		Model:          a.model,
		Guard:          a.guard,
		Validator:      a.validator,
		Reauth:         a.reauth,
		Supervisor:     a.supervisor,
		Ledger:         a.ledger,
		Recorder:       a.recorder,
		Mutator:        a.mutator,
		RequireOwner:   auth.RequireOwner(a.tokens),
		OwnerID:        auth.OwnerID,
		RequireBuilder: auth.RequireRole(a.tokens, auth.RoleOwner, auth.RoleBuilder),
		Subject:        auth.Subject,
		RateLimiter:    a.limiter,
		Idempotency:    a.store,
		Health:         a.store.Ping,
		Logger:         a.logger,
	}
	return a.obs.HTTPMiddleware("foreman.api", api.NewServer(deps).Handler())
}

// purgeIdempotency drops replay entries older than the replay window.
func (a *app) purgeIdempotency(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := a.store.PurgeIdempotency(ctx, now.Add(-api.DefaultIdempotencyTTL))
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("idempotency keys purged", "count", n)
			}
		}
	}
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
