package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/foreman/pkg/auth"
	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/config"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

const testSecret = "correct horse battery staple"

// testEnv points foreman at a throwaway sqlite database.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, k := range []string{
		"FOREMAN_GITHUB_REPO", "REDIS_ADDR", "FOREMAN_ARCHIVE_BACKEND", "FOREMAN_ARCHIVE_BUCKET",
		"FOREMAN_GRAPH_CONFIG", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_ENABLED", "GITHUB_TOKEN", "GITHUB_MCP_TOKEN",
		"MCP_LOG_TO_GOVERNANCE_MEMORY", "FOREMAN_PORT", "PORT", "FOREMAN_STATUS_DIR", "FOREMAN_DEFAULT_BRANCH",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("FOREMAN_DB_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "foreman.db"))
	t.Setenv("FOREMAN_OWNER_SECRET", testSecret)
	t.Setenv("FOREMAN_WORKDIR", dir)
	t.Setenv("FOREMAN_LOG_LEVEL", "ERROR")
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// seedLedger appends n events to the configured database.
func seedLedger(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Load()
	st, ledger, err := openStore(ctx, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()
	for i := 0; i < n; i++ {
		sev := governance.SeverityLow
		if i%2 == 1 {
			sev = governance.SeverityHigh
		}
		require.NoError(t, ledger.LogGovernanceEvent(ctx, governance.Event{
			Type:        governance.EventManualBlock,
			Severity:    sev,
			Description: "seeded",
			Metadata:    map[string]any{"i": i},
		}))
	}
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "foreman dev\n", out)
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := run(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestGraphCheck_Default(t *testing.T) {
	testEnv(t)
	code, out, errOut := run(t, "graph", "check")
	require.Equal(t, 0, code, errOut)

	var sum struct {
		Nodes []json.RawMessage `json:"nodes"`
		Edges []json.RawMessage `json:"edges"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.NotEmpty(t, sum.Nodes)
	assert.NotEmpty(t, sum.Edges)
	assert.Contains(t, errOut, "ok:")
}

func TestGraphCheck_RejectsBrokenConfig(t *testing.T) {
	dir := testEnv(t)
	path := filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: [not a string\n"), 0o600))

	code, _, errOut := run(t, "graph", "check", "--config", path)
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, errOut)
}

func TestTokenIssue(t *testing.T) {
	testEnv(t)

	code, out, errOut := run(t, "token", "issue", "--subject", "bot-1", "--role", "builder", "--ttl", "5m")
	require.Equal(t, 0, code, errOut)

	keys, err := auth.DeriveKeySet(testSecret)
	require.NoError(t, err)
	tokens := auth.NewTokenService(keys)
	claims, err := tokens.ValidateRole(strings.TrimSpace(out), auth.RoleBuilder)
	require.NoError(t, err)
	assert.Equal(t, "bot-1", claims.Subject)
	_, err = tokens.Validate(strings.TrimSpace(out))
	assert.Error(t, err, "a builder token is not an owner token")
}

func TestTokenIssue_Refusals(t *testing.T) {
	testEnv(t)

	code, _, errOut := run(t, "token", "issue")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "subject")

	code, _, errOut = run(t, "token", "issue", "--subject", "x", "--role", "admin")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown role")

	t.Setenv("FOREMAN_OWNER_SECRET", "")
	code, _, errOut = run(t, "token", "issue", "--subject", "x")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "FOREMAN_OWNER_SECRET")
}

func TestAuditVerifyExportAndVerifyBundle(t *testing.T) {
	dir := testEnv(t)
	seedLedger(t, 4)

	code, out, errOut := run(t, "audit", "verify")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "ledger ok: 4 records")

	bundlePath := filepath.Join(dir, "bundle.json")
	code, out, errOut = run(t, "audit", "export", "--out", bundlePath, "--min-severity", "high")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "exported 2 records")

	code, out, errOut = run(t, "audit", "verify-bundle", bundlePath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "2 records")

	raw, err := os.ReadFile(bundlePath)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"seeded"`, `"edited"`, 1)
	require.NoError(t, os.WriteFile(bundlePath, []byte(tampered), 0o600))
	code, _, errOut = run(t, "audit", "verify-bundle", bundlePath)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "mismatch")
}

func TestAuditExport_ToArchive(t *testing.T) {
	dir := testEnv(t)
	archiveDir := filepath.Join(dir, "archive")
	t.Setenv("FOREMAN_ARCHIVE_BACKEND", "fs")
	t.Setenv("FOREMAN_ARCHIVE_BUCKET", archiveDir)
	t.Setenv("FOREMAN_ARCHIVE_PREFIX", "gov")
	seedLedger(t, 2)

	code, out, errOut := run(t, "audit", "export", "--archive")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "archived")

	matches, err := filepath.Glob(filepath.Join(archiveDir, "gov", "bundles", "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestAuditExport_Refusals(t *testing.T) {
	testEnv(t)
	seedLedger(t, 1)

	code, _, errOut := run(t, "audit", "export")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "nothing to do")

	code, _, errOut = run(t, "audit", "export", "--archive")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "FOREMAN_ARCHIVE_BACKEND")

	code, _, errOut = run(t, "audit", "export", "--out", "x.json", "--min-severity", "apocalyptic")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown severity")
}

func TestValidate_ReadsStatusFiles(t *testing.T) {
	dir := testEnv(t)
	status := filepath.Join(dir, "memory", "governance")
	require.NoError(t, os.MkdirAll(filepath.Join(status, "programs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(status, "lint-status.json"), []byte(`{"errors":3,"warnings":0}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(status, "build-status.json"), []byte(`{"status":"passing"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(status, "programs", "wave-9.json"), []byte(`{"status":"in_progress"}`), 0o600))

	code, out, errOut := run(t, "validate", "--program", "wave-9")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "system is not clean")

	var res autonomy.ValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	passed := map[string]bool{}
	for _, c := range res.Checks {
		passed[c.Name] = c.Passed
	}
	for _, name := range []string{"tests_passing", "zero_test_debt", "ci_stable", "incidents_resolved", "build_green", "stale_locks"} {
		assert.True(t, passed[name], name)
	}
	assert.False(t, passed["lint_clean"])
	assert.False(t, passed["program_complete"])
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseWhen("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseWhen("24h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), got)

	got, err = parseWhen("2026-02-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = parseWhen("last tuesday", now)
	assert.Error(t, err)
}

func TestBuildApp_ServesAndAuditsTransitions(t *testing.T) {
	testEnv(t)
	cfg, err := loadConfig()
	require.NoError(t, err)
	logger := newLogger(io.Discard, "ERROR")

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	require.NoError(t, err)
	defer a.close(ctx)

	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = a.model.EnterCorrectionMode(ctx, "qa_regression", "qa-bot", "suite went red")
	require.NoError(t, err)
	events := a.ledger.Query(governance.Filter{Type: governance.EventStateTransition})
	require.Len(t, events, 1)
	assert.Equal(t, governance.SeverityHigh, events[0].Severity)
	assert.Equal(t, string(autonomy.CorrectionMode), events[0].Metadata["to"])

	code, out, errOut := run(t, "status", "--addr", srv.URL)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, string(autonomy.CorrectionMode))

	// Mutations are read-only without a GitHub token.
	resp, err = http.Get(srv.URL + "/api/v1/mutations/types")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var types struct {
		ReadOnly bool `json:"readOnly"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&types))
	assert.True(t, types.ReadOnly)
}

func TestBuildApp_RestoresStateAcrossRestarts(t *testing.T) {
	testEnv(t)
	cfg, err := loadConfig()
	require.NoError(t, err)
	ctx := context.Background()
	logger := newLogger(io.Discard, "ERROR")

	first, err := buildApp(ctx, cfg, logger)
	require.NoError(t, err)
	_, err = first.model.EnterCorrectionMode(ctx, "incident", "pager", "sev1 open")
	require.NoError(t, err)
	first.close(ctx)

	second, err := buildApp(ctx, cfg, logger)
	require.NoError(t, err)
	defer second.close(ctx)
	assert.Equal(t, autonomy.CorrectionMode, second.model.CurrentState())
	assert.Equal(t, 1, second.ledger.Len())
}
