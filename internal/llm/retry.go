package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig bounds how a Client retries transient failures.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// transient reports whether a response status is worth another attempt:
// rate limiting and upstream trouble, never client errors.
func transient(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500 && statusCode != http.StatusNotImplemented
}

// backoff doubles from InitialBackoff per attempt up to MaxBackoff. A
// Retry-After header in seconds takes precedence, under the same cap.
func (r RetryConfig) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs >= 0 {
			return min(time.Duration(secs)*time.Second, r.MaxBackoff)
		}
	}
	d := r.InitialBackoff
	for i := 0; i < attempt && d < r.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, r.MaxBackoff)
}

// send runs attempt until it yields a non-transient response, the retry
// budget is spent or ctx ends. Non-transient responses, including errors
// such as 401, are handed back unread.
func (c *Client) send(ctx context.Context, attempt func() (*http.Response, error)) (*http.Response, error) {
	var lastErr error

	for n := 0; ; n++ {
		resp, err := attempt()
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			lastErr = err
		case !transient(resp.StatusCode):
			return resp, nil
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}

		if n == c.retry.MaxRetries {
			return nil, fmt.Errorf("request failed after %d retries: %w", c.retry.MaxRetries, lastErr)
		}

		wait := c.retry.backoff(n, resp)
		c.logger.Warn().
			Int("attempt", n+1).
			Int("max_retries", c.retry.MaxRetries).
			Dur("backoff", wait).
			Err(lastErr).
			Msg("Completion request failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
