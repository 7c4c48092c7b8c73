package mutation

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/github"
	"github.com/Mindburn-Labs/foreman/pkg/safety"
)

// Retry defaults.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// IsRetryable reports whether a failed attempt may succeed if repeated.
// Policy refusals, cancellation and client errors are final; throttling,
// gateway errors, timeouts and dropped connections are transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var gv *safety.GovernanceViolationError
	var cv *safety.ComplianceViolationError
	var blocked *autonomy.BlockedError
	if errors.As(err, &gv) || errors.As(err, &cv) || errors.As(err, &blocked) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrReadOnly) {
		return false
	}

	switch github.StatusOf(err) {
	case 0:
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout")
}

// Backoff returns base×2^attempt capped at limit. Execute passes the
// one-based number of the attempt that failed, so retries wait 2×base,
// then 4×base.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(int64(1)<<attempt)
	if limit > 0 && (d > limit || d <= 0) {
		return limit
	}
	return d
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
