package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Options configure a rate limited, retrying HTTP client.
type Options struct {
	Timeout         time.Duration
	RequestsPerSec  float64
	Burst           int
	MaxRetries      int
	MaxRetryElapsed time.Duration
	UserAgent       string
}

// Client wraps http.Client with a token bucket and exponential backoff.
type Client struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter

	opts Options
}

// New creates a client. Zero options fall back to conservative defaults.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RequestsPerSec)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	if opts.MaxRetryElapsed <= 0 {
		opts.MaxRetryElapsed = opts.Timeout
	}

	limiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst)
	return &Client{
		HTTPClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: &limitedTransport{limiter: limiter, base: http.DefaultTransport, userAgent: opts.UserAgent},
		},
		Limiter: limiter,
		opts:    opts,
	}
}

// Standard returns the underlying *http.Client for libraries that bring their own
// request logic. Requests made through it share the limiter but are not retried.
func (c *Client) Standard() *http.Client {
	return c.HTTPClient
}

// Get issues a GET and returns the body of a 2xx response, retrying transport errors,
// 429 and 5xx responses with exponential backoff.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(payload, 256)}
			if retryable(resp.StatusCode) {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		body = payload
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = 200 * time.Millisecond
	strategy.MaxElapsedTime = c.opts.MaxRetryElapsed

	var policy backoff.BackOff = strategy
	if c.opts.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(strategy, uint64(c.opts.MaxRetries))
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// StatusError represents a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("unexpected status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == status
}

type limitedTransport struct {
	limiter   *rate.Limiter
	base      http.RoundTripper
	userAgent string
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
