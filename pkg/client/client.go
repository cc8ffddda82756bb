// Package client is the Go SDK for the admitq HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	p, err := c.Participate(ctx, "concert-42", "user-7")
//	// p.Duplicate is true when this requester already asked for this event.
//
//	st, err := c.WaitTerminal(ctx, p.RequestID, 200*time.Millisecond)
//	if st.UIResult == client.UIResultSuccess { ... }
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the admitq server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admitq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsRateLimited reports whether the error is a 429 from the server.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusTooManyRequests
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the admitq API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the admitq server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://admitq.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// Participation is the answer to Participate.
type Participation struct {
	RequestID string `json:"requestId"`
	Duplicate bool   `json:"duplicate"`
}

// UIResult values.
const (
	UIResultPending  = "PENDING"
	UIResultSuccess  = "SUCCESS"
	UIResultRejected = "REJECTED"
	UIResultFailed   = "FAILED"
)

// RequestStatus is the caller view of one participation request.
type RequestStatus struct {
	RequestID    string `json:"requestId"`
	EventID      string `json:"eventId"`
	Status       string `json:"status"`
	UIResult     string `json:"uiResult"`
	ResultCode   string `json:"resultCode,omitempty"`
	FailureClass string `json:"failureClass,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	RequestedAt  int64  `json:"requestedAt"`
	FinishedAt   int64  `json:"finishedAt,omitempty"`
	Terminal     bool   `json:"terminal"`
}

// Capacity is an event's remaining slot counter.
type Capacity struct {
	EventID   string `json:"eventId"`
	Remaining int64  `json:"remaining"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ─── Participation API ────────────────────────────────────────────────────────

// Participate asks to join eventID on behalf of requesterID. Repeating the
// call for the same pair returns the original request id with Duplicate set.
func (c *Client) Participate(ctx context.Context, eventID, requesterID string) (*Participation, error) {
	var p Participation
	err := c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(eventID)+"/participations",
		nil, &p, header{"X-Requester-Id", requesterID})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Status returns the current status of requestID.
func (c *Client) Status(ctx context.Context, requestID string) (*RequestStatus, error) {
	var st RequestStatus
	if err := c.do(ctx, http.MethodGet, "/requests/"+url.PathEscape(requestID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// WaitTerminal polls Status every poll interval until the request reaches a
// terminal status or ctx ends.
func (c *Client) WaitTerminal(ctx context.Context, requestID string, poll time.Duration) (*RequestStatus, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		st, err := c.Status(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if st.Terminal {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

// MyParticipations lists requesterID's requests, newest first. limit <= 0
// uses the server default.
func (c *Client) MyParticipations(ctx context.Context, requesterID string, limit int) ([]*RequestStatus, error) {
	path := "/me/participations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Items []*RequestStatus `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, header{"X-Requester-Id", requesterID}); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ─── Admin API ────────────────────────────────────────────────────────────────

// ProvisionCapacity sets eventID's remaining slots, making it first-come.
func (c *Client) ProvisionCapacity(ctx context.Context, eventID string, remaining int64) (*Capacity, error) {
	var out Capacity
	err := c.do(ctx, http.MethodPut, "/admin/events/"+url.PathEscape(eventID)+"/capacity",
		map[string]int64{"remaining": remaining}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Capacity returns eventID's counter. It is a 404 APIError for an event
// without one.
func (c *Client) Capacity(ctx context.Context, eventID string) (*Capacity, error) {
	var out Capacity
	if err := c.do(ctx, http.MethodGet, "/admin/events/"+url.PathEscape(eventID)+"/capacity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeadLetterReport summarises a dead-letter replay.
type DeadLetterReport struct {
	Replayed  int `json:"replayed"`
	Discarded int `json:"discarded"`
}

// ReplayDeadLetters sends up to limit dead-lettered messages whose request is
// unfinished back to the queue and discards the rest. limit <= 0 means all.
func (c *Client) ReplayDeadLetters(ctx context.Context, limit int) (*DeadLetterReport, error) {
	path := "/admin/dead-letters/replay"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var rep DeadLetterReport
	if err := c.do(ctx, http.MethodPost, path, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Health returns nil when the server reports ok.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

type header struct{ key, value string }

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any, headers ...header) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("admitq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("admitq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	for _, h := range headers {
		req.Header.Set(h.key, h.value)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admitq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("admitq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("admitq: decode response: %w", err)
		}
	}
	return nil
}
