package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

func testBundle(t *testing.T) *governance.Bundle {
	t.Helper()
	ctx := context.Background()
	l, err := governance.NewLedger(ctx, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.LogGovernanceEvent(ctx, governance.Event{
			Type:        governance.EventManualBlock,
			Severity:    governance.SeverityHigh,
			Description: "blocked",
			Metadata:    map[string]any{"attempt": i},
		}))
	}
	b, err := l.ExportBundle(governance.Filter{})
	require.NoError(t, err)
	return b
}

func TestFileStore_WriteOnce(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "bundles/a.json", []byte("one")))
	require.NoError(t, s.Put(ctx, "bundles/a.json", []byte("one")), "identical content is idempotent")
	assert.ErrorIs(t, s.Put(ctx, "bundles/a.json", []byte("two")), ErrConflict)

	got, err := s.Get(ctx, "bundles/a.json")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	ok, err := s.Exists(ctx, "bundles/a.json")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, "bundles/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err = s.Exists(ctx, "bundles/missing.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "/etc/passwd", "../escape", "a//b", "a/./b"} {
		assert.Error(t, s.Put(context.Background(), key, []byte("x")), key)
	}
}

func TestArchiver_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	a := New(s, nil)
	b := testBundle(t)

	r, err := a.PutBundle(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, BundleKey(b.BundleID), r.Key)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, r.Digest)
	assert.FileExists(t, filepath.Join(dir, "bundles", b.BundleID+".json"))

	_, err = a.PutBundle(ctx, b)
	require.NoError(t, err)

	got, err := a.GetBundle(ctx, b.BundleID)
	require.NoError(t, err)
	assert.Equal(t, b.BundleHash, got.BundleHash)
	assert.Len(t, got.Records, 3)
}

func TestArchiver_RefusesTamperedBundle(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	a := New(s, nil)
	b := testBundle(t)
	b.Records[1].Description = "edited"

	_, err = a.PutBundle(ctx, b)
	require.Error(t, err)
	ok, err := s.Exists(ctx, BundleKey(b.BundleID))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchiver_DetectsTamperingAtRest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	a := New(s, nil)
	b := testBundle(t)
	_, err = a.PutBundle(ctx, b)
	require.NoError(t, err)

	b.Records[0].Description = "rewritten"
	raw, err := json.MarshalIndent(b, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundles", b.BundleID+".json"), raw, 0o600))

	_, err = a.GetBundle(ctx, b.BundleID)
	assert.ErrorContains(t, err, "hash mismatch")
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	dir := t.TempDir()
	s, err = Open(ctx, Config{Backend: "fs", Bucket: dir, Prefix: "governance/"})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k.json", []byte("{}")))
	assert.FileExists(t, filepath.Join(dir, "governance", "k.json"))

	_, err = Open(ctx, Config{Backend: "s3"})
	assert.ErrorContains(t, err, "requires a bucket")
	_, err = Open(ctx, Config{Backend: "ftp"})
	assert.ErrorContains(t, err, "unknown backend")
}
