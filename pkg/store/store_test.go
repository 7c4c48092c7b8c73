package store

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/foreman/pkg/api"
	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

func openSQLite(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foreman.db")
	s, err := Open(context.Background(), SQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	d, err = ParseDialect("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)
	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := New(nil, Postgres)
	assert.Equal(t, "VALUES ($1, $2, $3)", pg.rebind("VALUES (?, ?, ?)"))
	lite := New(nil, SQLite)
	assert.Equal(t, "VALUES (?, ?)", lite.rebind("VALUES (?, ?)"))
}

func TestSQLite_StateModelSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s, path := openSQLite(t)

	model := autonomy.NewStateModel(autonomy.ForwardExecution, autonomy.WithTransitionStore(s))
	require.NoError(t, model.Restore(ctx))
	_, err := model.Transition(ctx, autonomy.CorrectionMode, "violation", "supervisor", "drift")
	require.NoError(t, err)
	_, err = model.Transition(ctx, autonomy.WaitingForApproval, autonomy.CauseReauthRequested, "builder", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, SQLite, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	restored := autonomy.NewStateModel(autonomy.ForwardExecution, autonomy.WithTransitionStore(reopened))
	require.NoError(t, restored.Restore(ctx))

	assert.Equal(t, autonomy.WaitingForApproval, restored.CurrentState())
	want, got := model.History(), restored.History()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ContentHash, got[i].ContentHash)
		assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp))
	}
}

func TestSQLite_DuplicateTransitionSequenceRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := openSQLite(t)
	tr := autonomy.Transition{ID: "t1", Sequence: 1, From: autonomy.ForwardExecution, To: autonomy.CorrectionMode,
		Cause: "c", ActorID: "a", Timestamp: time.Now(), ContentHash: "sha256:x"}

	require.NoError(t, s.AppendTransition(ctx, tr))
	tr.ID = "t2"
	assert.Error(t, s.AppendTransition(ctx, tr))
}

func TestSQLite_RequestsUpsert(t *testing.T) {
	ctx := context.Background()
	s, _ := openSQLite(t)
	raised := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	req := autonomy.Request{ID: "req-1", Reason: "resume", RaisedAt: raised, RaisedBy: "builder", Status: autonomy.RequestPending}
	require.NoError(t, s.SaveRequest(ctx, req))
	decided := raised.Add(time.Hour)
	req.Status = autonomy.RequestApproved
	req.DecidedBy = "owner"
	req.DecidedAt = &decided
	require.NoError(t, s.SaveRequest(ctx, req))
	require.NoError(t, s.SaveRequest(ctx, autonomy.Request{ID: "req-0", Reason: "older", RaisedAt: raised.Add(-time.Hour), RaisedBy: "builder", Status: autonomy.RequestCancelled}))

	got, err := s.LoadRequests(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "req-0", got[0].ID)
	assert.Equal(t, autonomy.RequestApproved, got[1].Status)
	assert.Equal(t, "owner", got[1].DecidedBy)
	require.NotNil(t, got[1].DecidedAt)
	assert.True(t, decided.Equal(*got[1].DecidedAt))
}

func TestSQLite_LedgerChainSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s, path := openSQLite(t)

	ledger, err := governance.NewLedger(ctx, s)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.LogGovernanceEvent(ctx, governance.Event{
			Type:        governance.EventGitHubMutation,
			Severity:    governance.SeverityLow,
			Description: "merge_pr on acme/widgets#7 succeeded",
			Metadata:    map[string]any{"attempts": i + 1, "fields": []string{"a", "b"}},
		}))
	}
	require.NoError(t, ledger.LogGovernanceEvent(ctx, governance.Event{
		Type: governance.EventManualBlock, Severity: governance.SeverityHigh, Description: "blocked",
	}))
	head := ledger.Head()
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, SQLite, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	restored, err := governance.NewLedger(ctx, reopened)
	require.NoError(t, err)

	assert.Equal(t, 4, restored.Len())
	assert.Equal(t, head, restored.Head())
	assert.NoError(t, restored.VerifyChain())
}

func TestSQLite_TamperedRecordDetected(t *testing.T) {
	ctx := context.Background()
	s, _ := openSQLite(t)
	ledger, err := governance.NewLedger(ctx, s)
	require.NoError(t, err)
	require.NoError(t, ledger.LogGovernanceEvent(ctx, governance.Event{
		Type: governance.EventSafetyViolation, Severity: governance.SeverityHigh, Description: "ci red",
	}))

	_, err = s.DB().ExecContext(ctx, `UPDATE governance_records SET description = 'ci green'`)
	require.NoError(t, err)

	_, err = governance.NewLedger(ctx, s)
	assert.ErrorIs(t, err, governance.ErrChainBroken)
}

func TestPostgres_AppendRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := New(db, Postgres)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO governance_records")).
		WithArgs(int64(1), "rec-1", ts.Format(time.RFC3339Nano), "github_mutation", "low", "done",
			sqlmock.AnyArg(), "genesis", "sha256:abc").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.AppendRecord(context.Background(), governance.Record{
		ID: "rec-1", Sequence: 1, Timestamp: ts, Type: governance.EventGitHubMutation,
		Severity: governance.SeverityLow, Description: "done", Metadata: map[string]any{"attempts": 1},
		PreviousHash: "genesis", Hash: "sha256:abc",
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadTransitions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := New(db, Postgres)

	rows := sqlmock.NewRows([]string{"sequence", "id", "from_state", "to_state", "cause", "actor_id", "reason", "ts", "content_hash"}).
		AddRow(int64(1), "t1", "FORWARD_EXECUTION", "CORRECTION_MODE", "violation", "supervisor", "", "2026-03-01T09:00:00Z", "sha256:1")
	mock.ExpectQuery("SELECT (.+) FROM autonomy_transitions ORDER BY sequence").WillReturnRows(rows)

	got, err := s.LoadTransitions(context.Background())

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, autonomy.CorrectionMode, got[0].To)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveRequestUsesUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := New(db, Postgres)

	mock.ExpectExec(`INSERT INTO reauthorization_requests .+ VALUES \(\$1, \$2, \$3, \$4\)\s+ON CONFLICT \(id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveRequest(context.Background(), autonomy.Request{ID: "req-1", Status: autonomy.RequestPending}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_IdempotencyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := openSQLite(t)

	miss, err := s.LookupResponse(ctx, "/approve|k1", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, s.SaveResponse(ctx, "/approve|k1", api.CachedResponse{
		StatusCode: 200, ContentType: "application/json", Body: []byte(`{"state":"FORWARD_EXECUTION"}`), CachedAt: time.Now(),
	}))
	hit, err := s.LookupResponse(ctx, "/approve|k1", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, 200, hit.StatusCode)
	assert.Equal(t, "application/json", hit.ContentType)
	assert.JSONEq(t, `{"state":"FORWARD_EXECUTION"}`, string(hit.Body))

	require.NoError(t, s.SaveResponse(ctx, "/approve|old", api.CachedResponse{
		StatusCode: 200, Body: []byte(`{}`), CachedAt: time.Now().Add(-2 * time.Hour),
	}))
	expired, err := s.LookupResponse(ctx, "/approve|old", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, expired)

	require.NoError(t, s.SaveResponse(ctx, "/approve|older", api.CachedResponse{
		StatusCode: 201, Body: []byte(`{}`), CachedAt: time.Now().Add(-3 * time.Hour),
	}))
	n, err := s.PurgeIdempotency(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
