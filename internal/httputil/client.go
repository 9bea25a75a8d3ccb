// Package httputil contains shared HTTP helpers for the outbound API clients and JSON responses.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = time.Second
)

// Retrier retries requests answered with 429 or a 5xx status, honouring
// Retry-After and otherwise backing off exponentially with jitter. Requests
// must not carry a body.
type Retrier struct {
	Client         *http.Client
	MaxRetries     int
	InitialBackoff time.Duration
}

func (r *Retrier) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *Retrier) Do(req *http.Request) (*http.Response, error) {
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	backoff := r.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultInitialBackoff
	}

	for attempt := 0; ; attempt++ {
		resp, err := r.client().Do(req)
		if err != nil {
			return nil, err
		}

		if !retryable(resp.StatusCode) || attempt == maxRetries {
			return resp, nil
		}

		wait := retryAfter(resp.Header.Get("Retry-After"))
		if wait == 0 {
			wait = backoff * time.Duration(1<<uint(attempt))
		}
		wait += time.Duration(float64(wait) * rand.Float64() * 0.5)

		_ = resp.Body.Close()
		log.Printf("%s %s returned %d (attempt %d/%d), retrying in %v",
			req.Method, req.URL.Redacted(), resp.StatusCode, attempt+1, maxRetries, wait.Round(time.Millisecond))

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func retryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}

	return 0
}

// APIError is returned by DecodeJSON for non-2xx responses.
type APIError struct {
	URL        string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s - %s (URL: %s)", e.Status, e.Body, e.URL)
}

// DecodeJSON closes the response body and decodes it into v.
func DecodeJSON(resp *http.Response, v any) error {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
		if resp.Request != nil {
			apiErr.URL = resp.Request.URL.Redacted()
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
