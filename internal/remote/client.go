// Package remote talks to the authoritative stats store over HTTP.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/scorekeeper-sync/internal/domain"
	"github.com/park285/scorekeeper-sync/internal/projection"
	"github.com/park285/scorekeeper-sync/internal/statqueue"
)

// HeaderProvider allows injecting per-request headers
type HeaderProvider func() map[string]string

type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

// WithRetry bounds in-client retries for reads. Applies are never retried here.
func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithDial replaces the transport dialer (tests use an in-memory listener).
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type applyRequest struct {
	TeamID   string            `json:"teamId"`
	PlayerID string            `json:"playerId"`
	Deltas   domain.StatDeltas `json:"statDeltas"`
}

type applyResponse struct {
	Success      bool              `json:"success"`
	AppliedValue domain.StatDeltas `json:"appliedValue,omitempty"`
	Error        *errorBody        `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ApplyDelta posts one operation. The op ID travels as Idempotency-Key so a store that
// deduplicates can absorb a replay after a lost response.
func (c *Client) ApplyDelta(ctx context.Context, op domain.QueuedOperation) (*statqueue.ApplyResult, error) {
	path := "/matches/" + url.PathEscape(op.MatchID) + "/deltas"
	body := applyRequest{TeamID: op.TeamID, PlayerID: op.PlayerID, Deltas: op.Deltas}
	var resp applyResponse
	status, raw, err := c.do(ctx, fasthttp.MethodPost, path, body, map[string]string{"Idempotency-Key": op.ID}, false)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if jerr := json.Unmarshal(raw, &resp); jerr != nil && status >= 200 && status < 300 {
			return nil, domain.Permanent(fmt.Errorf("decode response: %w", jerr))
		}
	}
	if status < 200 || status >= 300 || resp.Error != nil {
		return nil, classify(status, resp.Error, raw)
	}
	if !resp.Success {
		return nil, &domain.ApplyError{Code: "REJECTED", Message: "remote store rejected delta", Status: status}
	}
	return &statqueue.ApplyResult{Success: true, AppliedValue: resp.AppliedValue}, nil
}

// FetchSnapshot reads the authoritative per-player and per-team totals for a match.
func (c *Client) FetchSnapshot(ctx context.Context, matchID string) (projection.Snapshot, error) {
	path := "/matches/" + url.PathEscape(matchID) + "/stats"
	status, raw, err := c.do(ctx, fasthttp.MethodGet, path, nil, nil, true)
	if err != nil {
		return projection.Snapshot{}, err
	}
	if status < 200 || status >= 300 {
		return projection.Snapshot{}, fmt.Errorf("remote api error: status=%d body=%s", status, truncate(string(raw), 512))
	}
	var snap projection.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return projection.Snapshot{}, fmt.Errorf("decode response: %w", err)
	}
	if snap.MatchID == "" {
		snap.MatchID = matchID
	}
	return snap, nil
}

// Health returns nil when the remote answers 2xx on /health.
func (c *Client) Health(ctx context.Context) error {
	status, raw, err := c.do(ctx, fasthttp.MethodGet, "/health", nil, nil, false)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("health check failed: status=%d body=%s", status, truncate(string(raw), 256))
	}
	return nil
}

func classify(status int, body *errorBody, raw []byte) error {
	e := &domain.ApplyError{Status: status}
	if body != nil {
		e.Code = body.Code
		e.Message = body.Message
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("remote api error: status=%d body=%s", status, truncate(string(raw), 512))
	}
	code := strings.ToUpper(e.Code)
	e.Retryable = shouldRetryStatus(status) || strings.Contains(code, "TIMEOUT") || strings.Contains(code, "NETWORK")
	return e
}

// do sends the request and returns the status and a copy of the body. Transport failures
// come back marked transient.
func (c *Client) do(ctx context.Context, method, path string, in any, extra map[string]string, retry bool) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, nil, domain.Transient(err)
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = domain.Transient(fmt.Errorf("request failed: %w", err))
			if attempt == attempts {
				return 0, nil, lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return 0, nil, lastErr
			}
			continue
		}

		status := resp.StatusCode()
		body := append([]byte(nil), resp.Body()...)
		if attempt < attempts && shouldRetryStatus(status) {
			lastErr = fmt.Errorf("remote api error: status=%d", status)
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return status, body, nil
			}
			continue
		}
		return status, body, nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return 0, nil, lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return code >= 500
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
