package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatwoot/crmsync/internal/debug"
)

const DefaultTimeout = 30 * time.Second

// Client is the CRM backend client. It implements chat.API.
//
// The circuit breaker tracks server failures across requests for the lifetime
// of the client. Use ResetCircuitBreaker when reusing a client after a known
// outage.
type Client struct {
	BaseURL            string
	APIToken           string
	AccountID          int
	HTTP               *http.Client
	UserAgent          string
	IdempotencyKeyFunc func() string
	RetryConfig        RetryConfig
	circuitBreaker     *circuitBreaker
	validatedBaseURL   bool
	validateMu         sync.Mutex
	rateLimitMu        sync.Mutex
	lastRateLimit      *RateLimitInfo
}

var _ Requester = (*Client)(nil)

// New creates a client for the account-scoped API under baseURL.
func New(baseURL, token string, accountID int) *Client {
	baseTransport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		baseTransport = &http.Transport{}
	}
	transport := baseTransport.Clone()
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{}
	} else {
		transport.TLSClientConfig = transport.TLSClientConfig.Clone()
	}
	transport.TLSClientConfig.MinVersion = tls.VersionTLS12

	retryCfg := DefaultRetryConfig()
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIToken:    token,
		AccountID:   accountID,
		RetryConfig: retryCfg,
		UserAgent:   "crmsync",
		HTTP: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: transport,
		},
		circuitBreaker: &circuitBreaker{
			threshold: retryCfg.CircuitBreakerThreshold,
			resetTime: retryCfg.CircuitBreakerResetTime,
		},
	}
}

// ResetCircuitBreaker clears failure counts and closes the circuit.
func (c *Client) ResetCircuitBreaker() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.reset()
	}
}

// SetRetryConfig updates the retry configuration and aligns circuit breaker settings.
func (c *Client) SetRetryConfig(cfg RetryConfig) {
	c.RetryConfig = cfg
	if c.circuitBreaker != nil {
		c.circuitBreaker.threshold = cfg.CircuitBreakerThreshold
		c.circuitBreaker.resetTime = cfg.CircuitBreakerResetTime
	}
}

func (c *Client) ensureBaseURLValidated() error {
	c.validateMu.Lock()
	defer c.validateMu.Unlock()
	if c.validatedBaseURL {
		return nil
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base URL %q: scheme must be http or https", c.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base URL %q: missing host", c.BaseURL)
	}
	c.validatedBaseURL = true
	return nil
}

// accountPath returns the full URL for an account-scoped path.
func (c *Client) accountPath(path string) string {
	if path != "" && path[0] != '/' {
		path = "/" + path
	}
	return fmt.Sprintf("%s/api/v1/accounts/%d%s", c.BaseURL, c.AccountID, path)
}

// do performs an HTTP request and decodes the response
func (c *Client) do(ctx context.Context, method, url string, body any, result any) error {
	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	respBody, _, err := c.execute(ctx, method, url, jsonBody, "application/json")
	if err != nil {
		return err
	}
	return decodeResult(respBody, result)
}

func decodeResult(respBody []byte, result any) error {
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unexpected API response format (JSON decode failed): %w", err)
		}
	}
	return nil
}

// execute sends the request with retry and circuit breaker logic. It returns
// the response body and status code.
func (c *Client) execute(ctx context.Context, method, url string, body []byte, contentType string) ([]byte, int, error) {
	if c.circuitBreaker != nil && c.circuitBreaker.isOpen() {
		return nil, 0, &CircuitBreakerError{}
	}
	if err := c.ensureBaseURLValidated(); err != nil {
		return nil, 0, err
	}

	var idempotencyKey string
	if c.IdempotencyKeyFunc != nil {
		idempotencyKey = c.IdempotencyKeyFunc()
	}
	policy := policyFor(method, idempotencyKey)

	var retries429, retries5xx int
	attempt := 0

	for {
		attempt++
		start := time.Now()
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		if c.APIToken != "" {
			req.Header.Set("api_access_token", c.APIToken)
		}
		if c.UserAgent != "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		if idempotencyKey != "" && method != http.MethodGet {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if debug.IsEnabled(ctx) {
				slog.Debug("request failed", "method", method, "url", url, "attempt", attempt, "error", err)
			}
			return nil, 0, fmt.Errorf("request failed: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read response: %w", err)
		}
		c.recordRateLimit(resp.Header)
		if debug.IsEnabled(ctx) {
			slog.Debug("request complete", "method", method, "url", url, "status", resp.StatusCode, "attempt", attempt, "duration", time.Since(start))
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter, withinCap := rateLimitDelay(c.RetryConfig, resp.Header, retries429)
			if !policy.rateLimited || !withinCap || retries429 >= c.RetryConfig.MaxRateLimitRetries {
				return nil, resp.StatusCode, &RateLimitError{RetryAfter: retryAfter}
			}
			slog.Info("rate limited, retrying", "delay", retryAfter, "attempt", retries429+1)
			if err := sleepWithContext(ctx, retryAfter); err != nil {
				return nil, 0, err
			}
			retries429++
			continue
		}

		if resp.StatusCode >= 500 {
			if c.circuitBreaker != nil {
				c.circuitBreaker.recordFailure()
			}
			if policy.serverError && retries5xx < c.RetryConfig.Max5xxRetries {
				slog.Info("server error, retrying", "status", resp.StatusCode)
				if err := sleepWithContext(ctx, c.RetryConfig.ServerErrorRetryDelay); err != nil {
					return nil, 0, err
				}
				retries5xx++
				continue
			}
		}

		if resp.StatusCode >= 400 {
			return respBody, resp.StatusCode, &APIError{
				StatusCode: resp.StatusCode,
				Body:       sanitizeErrorBody(string(respBody)),
				RequestID:  requestIDFromHeader(resp.Header),
			}
		}

		if c.circuitBreaker != nil {
			c.circuitBreaker.recordSuccess()
		}
		return respBody, resp.StatusCode, nil
	}
}

// postFile uploads one file as multipart form field "file".
func (c *Client) postFile(ctx context.Context, path, filename, contentType string, data []byte, result any) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create form file %s: %w", filename, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write file content %s: %w", filename, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	respBody, _, err := c.execute(ctx, http.MethodPost, c.accountPath(path), body.Bytes(), writer.FormDataContentType())
	if err != nil {
		return err
	}
	return decodeResult(respBody, result)
}

func requestIDFromHeader(header http.Header) string {
	if header == nil {
		return ""
	}
	return header.Get("X-Request-Id")
}

// sanitizeErrorBody extracts a safe error message from an API response
// without echoing arbitrary response content.
func sanitizeErrorBody(body string) string {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Errors  any    `json:"errors"`
	}
	if err := json.Unmarshal([]byte(body), &errResp); err != nil {
		return "API request failed (response body redacted for security)"
	}

	validationErrors := formatValidationErrors(errResp.Errors)
	result := errResp.Error
	if result == "" {
		result = errResp.Message
	}
	if validationErrors != "" {
		if result != "" {
			return result + "\nValidation errors:\n" + validationErrors
		}
		return "Validation errors:\n" + validationErrors
	}
	if result != "" {
		return result
	}
	return "API request failed (response body redacted for security)"
}

// formatValidationErrors handles {"field": "msg"} and {"field": ["msg", ...]}.
func formatValidationErrors(errors any) string {
	errMap, ok := errors.(map[string]any)
	if !ok || len(errMap) == 0 {
		return ""
	}
	var lines []string
	for field, value := range errMap {
		switch v := value.(type) {
		case string:
			lines = append(lines, fmt.Sprintf("  %s: %s", field, v))
		case []any:
			for _, msg := range v {
				if s, ok := msg.(string); ok {
					lines = append(lines, fmt.Sprintf("  %s: %s", field, s))
				}
			}
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// HealthCheck reports whether GET /health answers 200.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK, nil
}
