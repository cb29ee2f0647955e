package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/metrics"
)

// MaxResponseSize is the largest response body the client will read.
const MaxResponseSize int64 = 1 << 20

// APIVersion is the server API version this client speaks. Servers with a
// different major version, or an older minor version, are rejected.
const APIVersion = "v1.2.0"

// ErrResponseTooLarge is returned when a response exceeds MaxResponseSize.
var ErrResponseTooLarge = errors.New("response exceeds maximum size")

// ErrIncompatibleServer is returned by CheckCompatibility.
var ErrIncompatibleServer = errors.New("incompatible server version")

// errRetryableStatus marks a gateway response so the breaker counts it as a
// failure while the response itself is still returned to the caller.
var errRetryableStatus = errors.New("retryable status")

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxRetries   = 3
	defaultRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff     = 5 * time.Second
)

// Client handles communication with the collaboration server
type Client struct {
	baseURL      string
	httpClient   *http.Client
	maxRetries   int
	retryBackoff time.Duration
	breaker      *gobreaker.CircuitBreaker[*http.Response]
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the initial backoff between retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryBackoff = d
		}
	}
}

// WithBreaker enables a circuit breaker that opens after maxFailures
// consecutive transient failures and probes again after openTimeout.
func WithBreaker(maxFailures uint32, openTimeout time.Duration) Option {
	return func(c *Client) {
		if maxFailures == 0 {
			return
		}
		c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "api",
			MaxRequests: 1,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				c.metrics.SetBreakerState(name, int(to))
			},
		})
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records request metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// HealthResponse represents the server health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
}

// NewClient creates a new API client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks if the server is healthy
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// CheckCompatibility verifies the server's reported API version. A server
// that reports no version is accepted.
func CheckCompatibility(h *HealthResponse) error {
	if h == nil || h.Version == "" {
		return nil
	}
	v := h.Version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: unparseable version %q", ErrIncompatibleServer, h.Version)
	}
	if semver.Major(v) != semver.Major(APIVersion) {
		return fmt.Errorf("%w: server %s, client %s", ErrIncompatibleServer, v, APIVersion)
	}
	if semver.Compare(semver.MajorMinor(v), semver.MajorMinor(APIVersion)) < 0 {
		return fmt.Errorf("%w: server %s is older than %s", ErrIncompatibleServer, v, semver.MajorMinor(APIVersion))
	}
	return nil
}

// newRequest builds a request against the base URL. A non-nil body is sent
// as JSON and can be replayed on retry.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	req, err := newReplayableRequest(ctx, method, c.baseURL+path, data)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func newReplayableRequest(ctx context.Context, method, url string, data []byte) (*http.Request, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}
	return req, nil
}

// doJSON sends a request and decodes a 2xx JSON body into out. Non-2xx
// responses are classified through apierr.
func (c *Client) doJSON(ctx context.Context, method, path string, header http.Header, in, out any) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.retryableRequest(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	body, err := readLimitedResponse(resp.Body, MaxResponseSize)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierr.FromStatus(resp.StatusCode, detailMessage(body))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// detailMessage extracts {"detail": "..."} or {"error": "..."} when present.
func detailMessage(body []byte) []byte {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Detail != "" {
			return []byte(payload.Detail)
		}
		if payload.Error != "" {
			return []byte(payload.Error)
		}
	}
	return body
}

// retryableRequest sends req, retrying network errors and gateway statuses
// (502, 503, 504) with exponential backoff. The last response is returned
// as-is when retries are exhausted; transport failures become apierr network
// errors.
func (c *Client) retryableRequest(req *http.Request) (*http.Response, error) {
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.NewString())
	}

	canReplay := req.Body == nil || req.GetBody != nil
	ctx := req.Context()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if !canReplay {
				break
			}
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return nil, apierr.Network(err)
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("failed to reset request body: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := c.send(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apierr.Network(ctx.Err())
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, &apierr.Error{Kind: apierr.ErrNetwork, Message: "server temporarily unavailable", Err: err}
			}
			lastErr = err
			c.logger.Debug("request failed, retrying",
				zap.String("method", req.Method),
				zap.String("url", req.URL.Path),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if !isRetryableStatus(resp.StatusCode) || attempt == c.maxRetries || !canReplay {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
		_ = resp.Body.Close()
		c.logger.Debug("retryable status, retrying",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1))
	}

	return nil, apierr.Network(lastErr)
}

// send performs a single attempt through the breaker when one is configured.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	start := time.Now()
	attempt := func() (*http.Response, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errRetryableStatus
		}
		return resp, nil
	}

	var (
		resp *http.Response
		err  error
	)
	if c.breaker != nil {
		resp, err = c.breaker.Execute(attempt)
	} else {
		resp, err = attempt()
	}
	if errors.Is(err, errRetryableStatus) {
		err = nil
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.metrics.ObserveHTTPRequest(req.Method, status, time.Since(start).Seconds())

	return resp, err
}

func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.retryBackoff) * math.Pow(2, float64(attempt-1)))
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// readLimitedResponse reads at most maxSize bytes and fails if more remain.
func readLimitedResponse(r io.Reader, maxSize int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}
