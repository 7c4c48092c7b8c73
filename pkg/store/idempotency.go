package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/foreman/pkg/api"
)

var _ api.IdempotencyStore = (*Store)(nil)

// cachedAtLayout is fixed width so cached_at compares correctly as text.
const cachedAtLayout = "2006-01-02T15:04:05.000000000Z"

func formatCachedAt(t time.Time) string { return t.UTC().Format(cachedAtLayout) }

// LookupResponse returns the cached response for key, or nil when it is
// missing or older than ttl. Expired rows are deleted on read.
func (s *Store) LookupResponse(ctx context.Context, key string, ttl time.Duration) (*api.CachedResponse, error) {
	var (
		resp     api.CachedResponse
		body     string
		cachedAt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT status_code, content_type, body, cached_at
		FROM idempotency_keys WHERE key = ?`), key).Scan(&resp.StatusCode, &resp.ContentType, &body, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if resp.CachedAt, err = parseTime(cachedAt); err != nil {
		return nil, err
	}
	if time.Since(resp.CachedAt) > ttl {
		if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM idempotency_keys WHERE key = ?`), key); err != nil {
			return nil, fmt.Errorf("expire idempotency key: %w", err)
		}
		return nil, nil
	}
	resp.Body = []byte(body)
	return &resp, nil
}

// SaveResponse stores resp under key, replacing any previous entry.
func (s *Store) SaveResponse(ctx context.Context, key string, resp api.CachedResponse) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO idempotency_keys (key, status_code, content_type, body, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET status_code = excluded.status_code, content_type = excluded.content_type,
			body = excluded.body, cached_at = excluded.cached_at`),
		key, resp.StatusCode, resp.ContentType, string(resp.Body), formatCachedAt(resp.CachedAt))
	if err != nil {
		return fmt.Errorf("failed to save idempotency key: %w", err)
	}
	return nil
}

// PurgeIdempotency removes entries cached before cutoff.
func (s *Store) PurgeIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM idempotency_keys WHERE cached_at < ?`), formatCachedAt(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
