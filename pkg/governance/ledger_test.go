package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecordStore struct {
	mu      sync.Mutex
	records []Record
	failErr error
}

func (m *memRecordStore) AppendRecord(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecordStore) LoadRecords(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func logN(t *testing.T, l *Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := l.LogGovernanceEvent(context.Background(), Event{
			Type:        EventGitHubMutation,
			Severity:    SeverityLow,
			Description: "merge_pr succeeded",
			Metadata:    map[string]any{"attempts": i + 1, "resource": "pr/42"},
		})
		require.NoError(t, err)
	}
}

func TestLedger_AppendChainsRecords(t *testing.T) {
	l, err := NewLedger(context.Background(), nil, WithLedgerClock(fixedClock()))
	require.NoError(t, err)

	logN(t, l, 3)

	records := l.Query(Filter{})
	require.Len(t, records, 3)
	assert.Equal(t, genesisHash, records[0].PreviousHash)
	assert.Equal(t, records[0].Hash, records[1].PreviousHash)
	assert.Equal(t, records[2].Hash, l.Head())
	assert.Equal(t, uint64(3), records[2].Sequence)
	require.NoError(t, l.VerifyChain())
}

func TestLedger_RejectsIncompleteEvent(t *testing.T) {
	l, err := NewLedger(context.Background(), nil)
	require.NoError(t, err)

	err = l.LogGovernanceEvent(context.Background(), Event{Type: EventSupervision})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, 0, l.Len())
}

func TestLedger_DetectsTampering(t *testing.T) {
	l, err := NewLedger(context.Background(), nil)
	require.NoError(t, err)
	logN(t, l, 3)

	l.records[1].Description = "rewritten"
	assert.ErrorIs(t, l.VerifyChain(), ErrChainBroken)
}

func TestLedger_ReloadsPersistedChain(t *testing.T) {
	store := &memRecordStore{}
	first, err := NewLedger(context.Background(), store, WithLedgerClock(fixedClock()))
	require.NoError(t, err)
	logN(t, first, 2)

	second, err := NewLedger(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, first.Head(), second.Head())
	assert.Equal(t, 2, second.Len())

	logN(t, second, 1)
	require.NoError(t, second.VerifyChain())
	assert.Len(t, store.records, 3)
}

func TestLedger_RefusesBrokenPersistedChain(t *testing.T) {
	store := &memRecordStore{}
	l, err := NewLedger(context.Background(), store)
	require.NoError(t, err)
	logN(t, l, 2)

	store.records[0].Severity = SeverityCritical

	_, err = NewLedger(context.Background(), store)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestLedger_FailedPersistDoesNotAdvance(t *testing.T) {
	store := &memRecordStore{}
	l, err := NewLedger(context.Background(), store)
	require.NoError(t, err)
	logN(t, l, 1)
	head := l.Head()

	store.failErr = errors.New("disk full")
	err = l.LogGovernanceEvent(context.Background(), Event{Type: EventSupervision, Severity: SeverityLow, Description: "x"})
	require.Error(t, err)
	assert.Equal(t, head, l.Head())
	assert.Equal(t, 1, l.Len())
}

func TestLedger_QueryFilters(t *testing.T) {
	l, err := NewLedger(context.Background(), nil, WithLedgerClock(fixedClock()))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, l.LogGovernanceEvent(ctx, Event{Type: EventSupervision, Severity: SeverityLow, Description: "a"}))
	require.NoError(t, l.LogGovernanceEvent(ctx, Event{Type: EventGitHubMutation, Severity: SeverityHigh, Description: "b"}))
	require.NoError(t, l.LogGovernanceEvent(ctx, Event{Type: EventGitHubMutation, Severity: SeverityLow, Description: "c"}))

	assert.Len(t, l.Query(Filter{Type: EventGitHubMutation}), 2)
	assert.Len(t, l.Query(Filter{MinSeverity: SeverityHigh}), 1)
	assert.Len(t, l.Query(Filter{Limit: 1}), 1)
}

func TestLedger_ExportAndVerifyBundle(t *testing.T) {
	l, err := NewLedger(context.Background(), nil)
	require.NoError(t, err)
	logN(t, l, 4)

	b, err := l.ExportBundle(Filter{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.StartSeq)
	assert.Equal(t, uint64(4), b.EndSeq)
	require.NoError(t, VerifyBundle(b))

	b.Records[2].Description = "forged"
	assert.Error(t, VerifyBundle(b))
}

func TestLedger_ExportEmpty(t *testing.T) {
	l, err := NewLedger(context.Background(), nil)
	require.NoError(t, err)
	_, err = l.ExportBundle(Filter{})
	assert.Error(t, err)
}

func TestContentHash_KeyOrderIndependent(t *testing.T) {
	a, err := ContentHash(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := ContentHash(map[string]any{"a": "x", "b": 1.0})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
