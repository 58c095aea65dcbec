// Package httpretry provides an HTTP client with automatic retry,
// bounded-jitter backoff, and deadline awareness for outbound calls
// to feeds, catalogs, and model providers.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer with retry logic. Between attempts it
// sleeps a random duration drawn uniformly from [jitterMin, jitterMax].
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	jitterMin  time.Duration
	jitterMax  time.Duration
}

// NewRetryClient creates a RetryClient wrapping the given HTTPDoer.
// If client is nil, a default http.Client with a 15s timeout is used.
// maxRetries is the number of retries after the initial request (default 2).
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		jitterMin:  200 * time.Millisecond,
		jitterMax:  500 * time.Millisecond,
	}
}

// SetJitter overrides the retry delay window.
func (rc *RetryClient) SetJitter(min, max time.Duration) {
	if min > 0 && max > min {
		rc.jitterMin = min
		rc.jitterMax = max
	}
}

// Do executes the HTTP request, retrying on transient failures.
// Retries: network/timeout errors and status 429/500/502/503/504.
// Client errors (4xx other than 429) return immediately. On the final
// attempt the response is returned as-is so the caller can inspect it.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := rc.retryDelay()
			log.Printf("httpretry: retry %d/%d for %s %s%s (waiting %s)",
				attempt, rc.maxRetries, req.Method, req.URL.Host, req.URL.Path, delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if attempt == rc.maxRetries {
			return resp, nil
		}

		// Drain for connection reuse before retrying.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// retryDelay draws a uniform random delay from the jitter window.
func (rc *RetryClient) retryDelay() time.Duration {
	span := rc.jitterMax - rc.jitterMin
	return rc.jitterMin + time.Duration(rand.Int63n(int64(span)))
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
