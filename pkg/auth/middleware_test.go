package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/foreman/pkg/auth"
)

func newService(t *testing.T, secret string) *auth.TokenService {
	t.Helper()
	ks, err := auth.DeriveKeySet(secret)
	require.NoError(t, err)
	return auth.NewTokenService(ks)
}

func serve(t *testing.T, svc *auth.TokenService, header string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var owner string
	h := auth.RequireOwner(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, _ = auth.OwnerID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/autonomy/reauthorization/approve", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, owner
}

func TestDeriveKeySet_Deterministic(t *testing.T) {
	a, err := auth.DeriveKeySet("s3cret")
	require.NoError(t, err)
	b, err := auth.DeriveKeySet("s3cret")
	require.NoError(t, err)
	c, err := auth.DeriveKeySet("other")
	require.NoError(t, err)

	assert.Equal(t, a.KID(), b.KID())
	assert.NotEqual(t, a.KID(), c.KID())

	_, err = auth.DeriveKeySet("")
	assert.Error(t, err)
}

func TestRequireOwner_ValidToken(t *testing.T) {
	svc := newService(t, "s3cret")
	token, err := svc.IssueOwnerToken("alice", time.Hour)
	require.NoError(t, err)

	// A token issued before a restart still validates.
	w, owner := serve(t, newService(t, "s3cret"), "Bearer "+token)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", owner)
}

func TestRequireOwner_Rejections(t *testing.T) {
	svc := newService(t, "s3cret")
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expired, err := newService(t, "s3cret").WithClock(func() time.Time { return clock }).IssueOwnerToken("alice", time.Minute)
	require.NoError(t, err)
	foreign, err := newService(t, "other").IssueOwnerToken("alice", time.Hour)
	require.NoError(t, err)

	ks, err := auth.DeriveKeySet("s3cret")
	require.NoError(t, err)
	builder, err := ks.Sign(auth.OwnerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: auth.Issuer, Subject: "bot", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "builder",
	})
	require.NoError(t, err)
	noExpiry, err := ks.Sign(auth.OwnerClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: auth.Issuer, Subject: "alice"},
		Role:             auth.RoleOwner,
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		svc    *auth.TokenService
		header string
	}{
		{"missing header", svc, ""},
		{"not bearer", svc, "Basic abc"},
		{"expired", svc, "Bearer " + expired},
		{"other secret", svc, "Bearer " + foreign},
		{"wrong role", svc, "Bearer " + builder},
		{"no expiry", svc, "Bearer " + noExpiry},
		{"garbage", svc, "Bearer not.a.jwt"},
		{"unconfigured", nil, "Bearer whatever"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, owner := serve(t, tt.svc, tt.header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			assert.Empty(t, owner)
		})
	}
}

func TestIssueOwnerToken_Validation(t *testing.T) {
	svc := newService(t, "s3cret")

	_, err := svc.IssueOwnerToken("", time.Hour)
	assert.Error(t, err)
	_, err = svc.IssueOwnerToken("alice", 0)
	assert.Error(t, err)

	var nilSvc *auth.TokenService
	_, err = nilSvc.IssueOwnerToken("alice", time.Hour)
	assert.Error(t, err)
}

func TestRequireRole_BuilderCannotActAsOwner(t *testing.T) {
	svc := newService(t, "s3cret")
	builder, err := svc.IssueToken("bot-7", auth.RoleBuilder, time.Hour)
	require.NoError(t, err)
	_, err = svc.IssueToken("bot-7", "admin", time.Hour)
	assert.Error(t, err)

	var subject, owner string
	h := auth.RequireRole(svc, auth.RoleOwner, auth.RoleBuilder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = auth.Subject(r.Context())
		owner, _ = auth.OwnerID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mutations/comment", nil)
	req.Header.Set("Authorization", "Bearer "+builder)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bot-7", subject)
	assert.Empty(t, owner, "a builder is never an owner")

	w, _ = serve(t, svc, "Bearer "+builder)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
