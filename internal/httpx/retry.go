package httpx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
)

// RetryPolicy controls DoWithRetry.
type RetryPolicy struct {
	MaxRetries int
	Min        time.Duration
	Max        time.Duration
	Logger     *slog.Logger
}

func DefaultRetryPolicy(logger *slog.Logger) RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Min: time.Second, Max: 10 * time.Second, Logger: logger}
}

// DoWithRetry executes a request with jittered exponential backoff for
// network failures and retryable statuses. buildReq is called once per
// attempt so request bodies can be replayed.
func DoWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), p RetryPolicy) (*http.Response, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := b.Duration()
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if Retryable(resp.StatusCode) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", p.MaxRetries, lastErr)
}
