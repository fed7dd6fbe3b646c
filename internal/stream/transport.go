package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// PermissionAnswer is the body of POST /chat/permission.
type PermissionAnswer struct {
	ID       string         `json:"permissionRequestId"`
	Decision types.Decision `json:"decision"`
}

// HTTPTransport opens turns against a server's /chat endpoint and answers
// permission requests through /chat/permission.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header
}

// NewHTTPTransport creates a transport for the server at baseURL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

// Open posts the turn and returns the event stream body.
func (t *HTTPTransport) Open(ctx context.Context, req types.TurnRequest) (io.ReadCloser, error) {
	resp, err := t.post(ctx, "/chat", req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

// RespondPermission posts a decision for a pending request.
func (t *HTTPTransport) RespondPermission(ctx context.Context, id string, d types.Decision) error {
	resp, err := t.post(ctx, "/chat/permission", PermissionAnswer{ID: id, Decision: d}, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrPermissionNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return responseError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// responseError builds a TransportError from a non-2xx response, preferring
// the message of a JSON error envelope over the raw body.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	return &TransportError{StatusCode: resp.StatusCode, Message: msg}
}
