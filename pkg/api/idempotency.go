package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/foreman/pkg/mutation"
)

// IdempotencyHeader names the client-chosen replay key.
const IdempotencyHeader = "Idempotency-Key"

// CachedResponse is a stored response replayed for a repeated key.
type CachedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	CachedAt    time.Time
}

// IdempotencyStore persists responses by key. Lookup returns nil on a miss
// or an expired entry.
type IdempotencyStore interface {
	LookupResponse(ctx context.Context, key string, ttl time.Duration) (*CachedResponse, error)
	SaveResponse(ctx context.Context, key string, resp CachedResponse) error
}

// MemoryIdempotencyStore keeps responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]CachedResponse
	now     func() time.Time
}

// NewMemoryIdempotencyStore returns an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]CachedResponse), now: time.Now}
}

// LookupResponse implements IdempotencyStore.
func (s *MemoryIdempotencyStore) LookupResponse(_ context.Context, key string, ttl time.Duration) (*CachedResponse, error) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().Sub(cached.CachedAt) > ttl {
		return nil, nil
	}
	return &cached, nil
}

// SaveResponse implements IdempotencyStore.
func (s *MemoryIdempotencyStore) SaveResponse(_ context.Context, key string, resp CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = resp
	return nil
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first 2xx response recorded for a POST
// carrying an Idempotency-Key. Keys are scoped by path. Concurrent requests
// with the same key are serialized so the handler runs once.
func IdempotencyMiddleware(store IdempotencyStore, ttl time.Duration) func(http.Handler) http.Handler {
	inflight := mutation.NewLocalLocker()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if store == nil || r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 255 {
				WriteBadRequest(w, "Idempotency-Key must be at most 255 characters")
				return
			}
			scoped := r.URL.Path + "|" + key

			release, err := inflight.Acquire(r.Context(), scoped)
			if err != nil {
				WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "request cancelled while waiting for an identical request")
				return
			}
			defer release()

			cached, err := store.LookupResponse(r.Context(), scoped, ttl)
			if err != nil {
				slog.Warn("idempotency lookup failed", "error", err, "request_id", RequestID(r.Context()))
			}
			if cached != nil {
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				err := store.SaveResponse(r.Context(), scoped, CachedResponse{
					StatusCode:  capture.statusCode,
					ContentType: w.Header().Get("Content-Type"),
					Body:        capture.body.Bytes(),
					CachedAt:    time.Now(),
				})
				if err != nil {
					slog.Warn("idempotency save failed", "error", err, "request_id", RequestID(r.Context()))
				}
			}
		})
	}
}
