package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	maxJitter         = 500 * time.Millisecond
)

// Client is the shared HTTP front for connectors: every request passes the
// per-source rate limiter, and transient failures (network errors, 5xx, 429)
// are retried with exponential backoff plus uniform jitter. Other 4xx fail
// immediately.
type Client struct {
	http       *http.Client
	limiter    *RateLimiter
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client around the given limiter with default retry
// policy (3 retries, 1 s base delay).
func NewClient(limiter *RateLimiter) *Client {
	return &Client{
		http:       &http.Client{Timeout: 60 * time.Second},
		limiter:    limiter,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		logger:     log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		sleep:      sleepCtx,
	}
}

// GetJSON fetches url and decodes the body into out, applying rate limiting
// and backoff. headers are added verbatim to each attempt.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	body, err := c.get(ctx, url, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

// Probe issues a single unretried GET to check endpoint reachability. Any
// HTTP response counts as reachable; only transport failures are errors. The
// probe spends a rate-limiter slot like any other request.
func (c *Client) Probe(ctx context.Context, url string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint unreachable: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay*(1<<uint(attempt-1)) + time.Duration(rand.Int63n(int64(maxJitter)))
			c.logger.Printf("retry %d/%d for %s in %v (%v)", attempt, c.maxRetries, url, delay.Round(time.Millisecond), lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.attempt(ctx, url, headers)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Transient() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("retries exhausted for %s: %w", url, lastErr)
}

func (c *Client) attempt(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url}
	}
	return io.ReadAll(resp.Body)
}
