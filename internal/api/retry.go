package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default retry configuration values
const (
	DefaultMaxRateLimitRetries     = 3
	DefaultMax5xxRetries           = 1
	DefaultRateLimitBaseDelay      = 1 * time.Second
	DefaultServerErrorRetryDelay   = 1 * time.Second
	DefaultMaxRetryAfter           = 30 * time.Second
	DefaultCircuitBreakerThreshold = 5
	DefaultCircuitBreakerResetTime = 30 * time.Second
)

// RetryConfig holds configuration for retry behavior and circuit breaker.
type RetryConfig struct {
	MaxRateLimitRetries   int
	Max5xxRetries         int
	RateLimitBaseDelay    time.Duration
	ServerErrorRetryDelay time.Duration
	// MaxRetryAfter caps how long a rate-limited request waits before its
	// next attempt. A longer server hint fails the request instead, so a
	// queued message is not held in "sending" for minutes. Zero means no cap.
	MaxRetryAfter           time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerResetTime time.Duration
}

// DefaultRetryConfig returns a RetryConfig populated from environment variables
// with fallback to default values.
//
// Environment variables:
//   - CRMSYNC_MAX_RATE_LIMIT_RETRIES: max retries for 429 errors (default: 3)
//   - CRMSYNC_MAX_5XX_RETRIES: max retries for 5xx errors (default: 1)
//   - CRMSYNC_RATE_LIMIT_DELAY: base delay for rate limit retries (default: "1s")
//   - CRMSYNC_SERVER_ERROR_DELAY: delay for server error retries (default: "1s")
//   - CRMSYNC_MAX_RETRY_AFTER: longest Retry-After honored (default: "30s")
//   - CRMSYNC_CIRCUIT_BREAKER_THRESHOLD: failures before circuit opens (default: 5)
//   - CRMSYNC_CIRCUIT_BREAKER_RESET_TIME: time before circuit resets (default: "30s")
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRateLimitRetries:     getEnvInt("CRMSYNC_MAX_RATE_LIMIT_RETRIES", DefaultMaxRateLimitRetries),
		Max5xxRetries:           getEnvInt("CRMSYNC_MAX_5XX_RETRIES", DefaultMax5xxRetries),
		RateLimitBaseDelay:      getEnvDuration("CRMSYNC_RATE_LIMIT_DELAY", DefaultRateLimitBaseDelay),
		ServerErrorRetryDelay:   getEnvDuration("CRMSYNC_SERVER_ERROR_DELAY", DefaultServerErrorRetryDelay),
		MaxRetryAfter:           getEnvDuration("CRMSYNC_MAX_RETRY_AFTER", DefaultMaxRetryAfter),
		CircuitBreakerThreshold: getEnvInt("CRMSYNC_CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold),
		CircuitBreakerResetTime: getEnvDuration("CRMSYNC_CIRCUIT_BREAKER_RESET_TIME", DefaultCircuitBreakerResetTime),
	}
}

// getEnvInt reads an integer from an environment variable with a default fallback.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

// getEnvDuration reads a duration from an environment variable with a default fallback.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

// requestPolicy says which failed responses of one request may be repeated.
type requestPolicy struct {
	// rateLimited: a 429 is refused before the request is handled, so
	// repeating it cannot deliver a message twice. Always true.
	rateLimited bool
	// serverError: a 5xx may arrive after the server acted (a send may
	// already be out), so only reads and keyed writes repeat it.
	serverError bool
}

func policyFor(method, idempotencyKey string) requestPolicy {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return requestPolicy{rateLimited: true, serverError: true}
	}
	return requestPolicy{rateLimited: true, serverError: idempotencyKey != ""}
}

// rateLimitDelay returns the wait before retry number attempt (0-based) of a
// rate-limited request, and false when the wait exceeds cfg.MaxRetryAfter.
func rateLimitDelay(cfg RetryConfig, h http.Header, attempt int) (time.Duration, bool) {
	delay, ok := retryAfterDuration(h)
	if !ok {
		delay = cfg.RateLimitBaseDelay * time.Duration(1<<attempt)
	}
	if cfg.MaxRetryAfter > 0 && delay > cfg.MaxRetryAfter {
		return delay, false
	}
	return delay, true
}

// sleepWithContext waits for the duration or returns early on context cancellation.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfterDuration parses Retry-After header values (seconds or HTTP date).
func retryAfterDuration(h http.Header) (time.Duration, bool) {
	value := strings.TrimSpace(h.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(secs, 0)) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	// circuitHalfOpen lets requests through after the reset time; the next
	// result closes or re-opens the circuit.
	circuitHalfOpen
)

// circuitBreaker rejects requests after threshold consecutive server
// failures until resetTime has passed.
type circuitBreaker struct {
	mu          sync.Mutex
	state       circuitState
	failures    int
	lastFailure time.Time
	threshold   int
	resetTime   time.Duration
}

// recordSuccess closes the circuit.
func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = circuitClosed
}

// recordFailure counts a server failure and returns true if the circuit just
// opened, or re-opened from half-open with a fresh reset timer.
func (cb *circuitBreaker) recordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case circuitHalfOpen:
		cb.state = circuitOpen
		return true
	case circuitOpen:
		return false
	}
	threshold := cb.threshold
	if threshold <= 0 {
		threshold = DefaultCircuitBreakerThreshold
	}
	if cb.failures >= threshold {
		cb.state = circuitOpen
		return true
	}
	return false
}

// isOpen reports whether requests must be rejected. An open circuit whose
// reset time has passed moves to half-open and lets requests through.
func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != circuitOpen {
		return false
	}
	resetTime := cb.resetTime
	if resetTime <= 0 {
		resetTime = DefaultCircuitBreakerResetTime
	}
	if time.Since(cb.lastFailure) >= resetTime {
		cb.state = circuitHalfOpen
		return false
	}
	return true
}

// reset clears all failure state and closes the circuit.
func (cb *circuitBreaker) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = circuitClosed
	cb.failures = 0
	cb.lastFailure = time.Time{}
}
