package nntp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/javi11/nntppool/v4"
)

const (
	defaultFetchTimeout  = 30 * time.Second
	defaultFetchAttempts = 10
)

// ErrArticleNotFound indicates no provider carries the article. It is fatal
// for the segment and must not be retried.
var ErrArticleNotFound = nntppool.ErrArticleNotFound

// PoolGetter resolves the current connection pool. Resolution happens per
// attempt so a pool swap mid-download is picked up transparently.
type PoolGetter func() (*nntppool.Client, error)

// Fetcher downloads decoded article bodies through the pool with retry on
// transient pool unavailability.
type Fetcher struct {
	poolGetter PoolGetter
	timeout    time.Duration
	attempts   uint
	log        *slog.Logger
}

// NewFetcher creates a fetcher on top of a pool manager.
func NewFetcher(m Manager) *Fetcher {
	return &Fetcher{
		poolGetter: m.GetPool,
		timeout:    defaultFetchTimeout,
		attempts:   defaultFetchAttempts,
		log:        slog.Default().With("component", "nntp-fetcher"),
	}
}

// GetDecodedArticle fetches and yEnc-decodes one article body.
// Missing articles fail immediately with ErrArticleNotFound; pool
// unavailability and attempt timeouts are retried with backoff.
func (f *Fetcher) GetDecodedArticle(ctx context.Context, messageID string) ([]byte, error) {
	var resultBytes []byte
	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			cp, err := f.poolGetter()
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if _, err := cp.BodyStream(attemptCtx, messageID, &buf); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					f.log.DebugContext(ctx, "Article download attempt timed out", "message_id", messageID)
				}
				return err
			}

			resultBytes = buf.Bytes()
			return nil
		},
		retry.Attempts(f.attempts),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			if errors.Is(err, nntppool.ErrArticleNotFound) {
				return false
			}
			return isPoolUnavailableError(err) || errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			f.log.DebugContext(ctx, "Pool unavailable or timeout, retrying article download",
				"attempt", n+1,
				"message_id", messageID,
				"error", err)
		}),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return resultBytes, nil
}

// isPoolUnavailableError checks if the error indicates the pool is unavailable or shutdown
func isPoolUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection pool is shutdown") ||
		strings.Contains(errStr, "connection pool not available") ||
		strings.Contains(errStr, "NNTP connection pool not available")
}
