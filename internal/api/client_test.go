package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatwoot/crmsync/internal/chat"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := New(server.URL, "test-token", 1)
	c.SetRetryConfig(RetryConfig{
		MaxRateLimitRetries:     2,
		Max5xxRetries:           1,
		RateLimitBaseDelay:      time.Millisecond,
		ServerErrorRetryDelay:   time.Millisecond,
		CircuitBreakerThreshold: 5,
		CircuitBreakerResetTime: time.Minute,
	})
	return c
}

func TestAccountPath(t *testing.T) {
	c := New("https://crm.example.com/", "tok", 7)
	if got := c.accountPath("conversations"); got != "https://crm.example.com/api/v1/accounts/7/conversations" {
		t.Errorf("accountPath = %q", got)
	}
}

func TestBaseURLValidation(t *testing.T) {
	c := New("ftp://crm.example.com", "tok", 1)
	if _, err := c.GetDefaultPipelineID(context.Background()); err == nil {
		t.Fatal("expected invalid scheme to fail")
	}
}

func TestRequestHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api_access_token") != "test-token" {
			t.Errorf("api_access_token = %q", r.Header.Get("api_access_token"))
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		if r.Header.Get("User-Agent") != "crmsync" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte(`{"id":12}`))
	})
	id, err := c.GetDefaultPipelineID(context.Background())
	if err != nil {
		t.Fatalf("GetDefaultPipelineID: %v", err)
	}
	if id != "12" {
		t.Errorf("numeric id decoded as %q, want 12", id)
	}
}

func TestGetRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"p1"}`))
	})
	if _, err := c.GetDefaultPipelineID(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestSendNotRetriedOn5xx(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.SendMessage(context.Background(), chat.SendRequest{To: "+1", Text: "hi", ConversationID: "C1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if chat.StatusOf(err) != http.StatusBadGateway {
		t.Errorf("StatusOf = %d", chat.StatusOf(err))
	}
}

func TestSendRetriedOn429WithoutKey(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"srv1"}`))
	})
	if _, err := c.SendMessage(context.Background(), chat.SendRequest{To: "+1", Text: "hi"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestRetryAfterAboveCapFails(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	cfg := c.RetryConfig
	cfg.MaxRetryAfter = time.Minute
	c.SetRetryConfig(cfg)

	_, err := c.SendMessage(context.Background(), chat.SendRequest{To: "+1", Text: "hi"})
	if !IsRateLimitError(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		method string
		key    string
		want   requestPolicy
	}{
		{http.MethodGet, "", requestPolicy{rateLimited: true, serverError: true}},
		{http.MethodPost, "", requestPolicy{rateLimited: true}},
		{http.MethodPost, "key-1", requestPolicy{rateLimited: true, serverError: true}},
		{http.MethodDelete, "", requestPolicy{rateLimited: true}},
	}
	for _, tt := range tests {
		if got := policyFor(tt.method, tt.key); got != tt.want {
			t.Errorf("policyFor(%s, %q) = %+v, want %+v", tt.method, tt.key, got, tt.want)
		}
	}
}

func TestSendRetriedWithIdempotencyKey(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") != "key-1" {
			t.Errorf("Idempotency-Key = %q", r.Header.Get("Idempotency-Key"))
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"srv1","timestamp":"2026-03-01T09:00:00Z"}`))
	})
	c.IdempotencyKeyFunc = func() string { return "key-1" }
	res, err := c.SendMessage(context.Background(), chat.SendRequest{To: "+1", Text: "hi"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.MessageID != "srv1" {
		t.Errorf("MessageID = %q, want fallback to id", res.MessageID)
	}
}

func TestSendErrorsClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"conflict", http.StatusConflict, chat.IsSendConflict},
		{"validation", http.StatusUnprocessableEntity, func(err error) bool {
			var apiErr *chat.APIError
			return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			})
			_, err := c.SendMessage(context.Background(), chat.SendRequest{To: "+1", Text: "hi"})
			if !tt.check(chat.ClassifySendError(err)) {
				t.Errorf("unexpected classification of %v", err)
			}
		})
	}
}

func TestNetworkFailureHasNoStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := New(url, "tok", 1)
	_, err := c.SendMessage(context.Background(), chat.SendRequest{To: "+1", Text: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !chat.IsNetworkTimeout(chat.ClassifySendError(err)) {
		t.Errorf("connection failure should classify as network timeout, got %v", err)
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	c.SetRetryConfig(RetryConfig{Max5xxRetries: 0, CircuitBreakerThreshold: 2, CircuitBreakerResetTime: time.Minute})

	for i := 0; i < 2; i++ {
		_ = c.DeleteConversation(context.Background(), "C1")
	}
	err := c.DeleteConversation(context.Background(), "C1")
	if !IsCircuitBreakerError(err) {
		t.Fatalf("expected circuit breaker error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if chat.StatusOf(err) != http.StatusServiceUnavailable {
		t.Errorf("open circuit should report 503")
	}

	c.ResetCircuitBreaker()
	_ = c.DeleteConversation(context.Background(), "C1")
	if calls.Load() != 3 {
		t.Errorf("reset should let requests through")
	}
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	cb := &circuitBreaker{threshold: 1, resetTime: 10 * time.Millisecond}
	cb.recordFailure()
	if !cb.isOpen() {
		t.Fatal("circuit should be open after 1 failure")
	}
	time.Sleep(15 * time.Millisecond)
	if cb.isOpen() {
		t.Fatal("circuit should allow a probe after reset time")
	}
	if !cb.recordFailure() {
		t.Error("failed probe should re-open the circuit")
	}
	cb.recordSuccess()
	if cb.isOpen() {
		t.Error("success should close the circuit")
	}
}

func TestAPIErrorSanitized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req-9")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid","errors":{"status":["is unknown"]}}`))
	})
	stage := "nope"
	err := c.EditConversation(context.Background(), "C1", chat.ConversationPatch{StageID: &stage})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Body != "invalid\nValidation errors:\n  status: is unknown" {
		t.Errorf("Body = %q", apiErr.Body)
	}
	if apiErr.RequestID != "req-9" {
		t.Errorf("RequestID = %q", apiErr.RequestID)
	}
}

func TestSanitizeErrorBodyRedactsNonJSON(t *testing.T) {
	if got := sanitizeErrorBody("<html>secret</html>"); got != "API request failed (response body redacted for security)" {
		t.Errorf("got %q", got)
	}
}

func TestRateLimitInfoRecorded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Reset", "30")
		_, _ = w.Write([]byte(`{"id":"p1"}`))
	})
	if c.LastRateLimit() != nil {
		t.Fatal("expected no rate limit info before a request")
	}
	if _, err := c.GetDefaultPipelineID(context.Background()); err != nil {
		t.Fatal(err)
	}
	info := c.LastRateLimit()
	if info == nil || info.Limit != 100 || info.Remaining != 42 || info.ResetAt.IsZero() {
		t.Errorf("unexpected rate limit info %+v", info)
	}
}

func TestRetryAfterDuration(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	if d, ok := retryAfterDuration(h); !ok || d != 3*time.Second {
		t.Errorf("got %v %v", d, ok)
	}
	h.Set("Retry-After", "garbage")
	if _, ok := retryAfterDuration(h); ok {
		t.Error("garbage should not parse")
	}
}

func TestDefaultRetryConfigFromEnv(t *testing.T) {
	t.Setenv("CRMSYNC_MAX_5XX_RETRIES", "4")
	t.Setenv("CRMSYNC_RATE_LIMIT_DELAY", "250ms")
	cfg := DefaultRetryConfig()
	if cfg.Max5xxRetries != 4 {
		t.Errorf("Max5xxRetries = %d", cfg.Max5xxRetries)
	}
	if cfg.RateLimitBaseDelay != 250*time.Millisecond {
		t.Errorf("RateLimitBaseDelay = %v", cfg.RateLimitBaseDelay)
	}
	if cfg.MaxRateLimitRetries != DefaultMaxRateLimitRetries {
		t.Errorf("unset values keep defaults")
	}
}
