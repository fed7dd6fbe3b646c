package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// RequestOption configures HTTP requests
type RequestOption func(*http.Request)

// WithHeader adds a header to the request
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithQuery adds query parameters
func WithQuery(params map[string]string) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		r.URL.RawQuery = q.Encode()
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs HTTP POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts...)
}

// Patch performs HTTP PATCH request with JSON body
func (c *TestClient) Patch(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPatch, path, body, opts...)
}

// Delete performs HTTP DELETE request
func (c *TestClient) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts...)
}

// do performs the actual HTTP request
func (c *TestClient) do(ctx context.Context, method, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	fullURL := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// StreamingResponse is an open /chat response carrying wire events.
type StreamingResponse struct {
	StatusCode int
	Headers    http.Header
	decoder    *wire.Decoder
	body       io.ReadCloser
}

// PostStreaming performs HTTP POST and returns streaming response
func (c *TestClient) PostStreaming(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*StreamingResponse, error) {
	fullURL := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	for _, opt := range opts {
		opt(req)
	}

	// Use client without timeout for streaming
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return &StreamingResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		decoder:    wire.NewDecoder(resp.Body),
		body:       resp.Body,
	}, nil
}

// Next reads the next wire event. It returns io.EOF at the end of the stream.
func (sr *StreamingResponse) Next() (wire.Event, error) {
	return sr.decoder.Next()
}

// ReadAll reads events until the stream ends.
func (sr *StreamingResponse) ReadAll() ([]wire.Event, error) {
	var events []wire.Event
	for {
		ev, err := sr.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// Close closes the streaming response
func (sr *StreamingResponse) Close() error {
	if sr.body != nil {
		return sr.body.Close()
	}
	return nil
}

// ---- Session Helpers ----

// ErrorResponse represents an error
type ErrorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// StartTurnRequest is the body of POST /session/{id}/start.
type StartTurnRequest struct {
	Content          string `json:"content"`
	Mode             string `json:"mode,omitempty"`
	Model            string `json:"model,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// StartTurn starts a turn and returns its id.
func (c *TestClient) StartTurn(ctx context.Context, sessionID, content string) (string, error) {
	resp, err := c.Post(ctx, "/session/"+sessionID+"/start", StartTurnRequest{Content: content})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("start turn: status %d: %s", resp.StatusCode, resp.String())
	}
	var out struct {
		TurnID string `json:"turnId"`
	}
	if err := resp.JSON(&out); err != nil {
		return "", err
	}
	return out.TurnID, nil
}

// StopTurn asks the active turn to stop.
func (c *TestClient) StopTurn(ctx context.Context, sessionID string) error {
	resp, err := c.Post(ctx, "/session/"+sessionID+"/stop", nil)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("stop turn: status %d", resp.StatusCode)
	}
	return nil
}

// RespondPermission answers the session's pending permission request.
func (c *TestClient) RespondPermission(ctx context.Context, sessionID string, d types.Decision) (*Response, error) {
	return c.Post(ctx, "/session/"+sessionID+"/permission", d)
}

// Snapshot returns the session's current state. ok is false for 404.
func (c *TestClient) Snapshot(ctx context.Context, sessionID string) (types.SessionState, bool, error) {
	var snap types.SessionState
	resp, err := c.Get(ctx, "/session/"+sessionID+"/snapshot")
	if err != nil {
		return snap, false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return snap, false, nil
	}
	if !resp.IsSuccess() {
		return snap, false, fmt.Errorf("snapshot: status %d", resp.StatusCode)
	}
	if err := resp.JSON(&snap); err != nil {
		return snap, false, err
	}
	return snap, true, nil
}

// WaitForSnapshot polls the snapshot until cond holds.
func (c *TestClient) WaitForSnapshot(ctx context.Context, sessionID string, timeout time.Duration, cond func(types.SessionState) bool) (types.SessionState, error) {
	deadline := time.Now().Add(timeout)
	var last types.SessionState
	for time.Now().Before(deadline) {
		snap, ok, err := c.Snapshot(ctx, sessionID)
		if err != nil {
			return last, err
		}
		if ok {
			last = snap
			if cond(snap) {
				return snap, nil
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	return last, fmt.Errorf("timeout waiting for session %s (last phase %q)", sessionID, last.Phase)
}

// WaitForPhase polls until the session reaches phase.
func (c *TestClient) WaitForPhase(ctx context.Context, sessionID string, phase types.Phase, timeout time.Duration) (types.SessionState, error) {
	return c.WaitForSnapshot(ctx, sessionID, timeout, func(s types.SessionState) bool {
		return s.Phase == phase
	})
}

// ---- Permission Helpers ----

// PendingPermissions lists the requests waiting for a decision.
func (c *TestClient) PendingPermissions(ctx context.Context) ([]types.PermissionRequest, error) {
	resp, err := c.Get(ctx, "/permission")
	if err != nil {
		return nil, err
	}
	var out []types.PermissionRequest
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Audit lists the audit records of a session.
func (c *TestClient) Audit(ctx context.Context, sessionID string) ([]types.AuditRecord, error) {
	resp, err := c.Get(ctx, "/permission/audit", WithQuery(map[string]string{"sessionID": sessionID}))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("audit: status %d", resp.StatusCode)
	}
	var out []types.AuditRecord
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- Assertion Helpers ----

// ContainsString checks if a string slice contains a value
func ContainsString(slice []string, val string) bool {
	for _, s := range slice {
		if s == val {
			return true
		}
	}
	return false
}

// EventTypes returns the types of events in order.
func EventTypes(events []wire.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Type)
	}
	return out
}
