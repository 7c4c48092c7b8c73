package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "foreman", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "supervision.validate", ActionAttrs("a-1", "merge_pr")...)
	require.NotNil(t, ctx)
	done(nil)

	_, done = p.TrackOperation(context.Background(), "mutation.execute", MutationAttrs("merge_pr", "acme/app#1")...)
	done(errors.New("boom"))
}

func TestNilProviderIsUsable(t *testing.T) {
	var p *Provider

	ctx, done := p.TrackOperation(context.Background(), "noop")
	require.NotNil(t, ctx)
	done(errors.New("ignored"))

	p.RecordVerdict(context.Background(), "approved")
	p.RecordAuditFailure(context.Background(), "github_mutation")
	require.NoError(t, p.Shutdown(context.Background()))
	require.NotNil(t, p.Tracer())
}

func TestHTTPMiddlewarePassesStatus(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)

	h := p.HTTPMiddleware("/api/v1/autonomy/status", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/autonomy/status", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
