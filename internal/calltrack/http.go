package calltrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient tracks calls through the dashboard REST API:
//
//	POST  {base}/api/call?status=initiated        -> {"id": ...}
//	PATCH {base}/api/call/{id}?status={status}
//	PATCH {base}/api/call/{id}?status=completed   body {"ai_response": payload}
type HTTPClient struct {
	base   string
	client *http.Client
}

var _ Tracker = (*HTTPClient)(nil)

// HTTPOption is a functional option for [NewHTTPClient].
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

// NewHTTPClient returns a tracker for the API at baseURL (API_BASE_URL).
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("calltrack: API base URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("calltrack: invalid API base URL: %w", err)
	}
	h := &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// CreateCall implements [Tracker].
func (h *HTTPClient) CreateCall(ctx context.Context) (string, error) {
	body, err := h.do(ctx, http.MethodPost, "/api/call", StatusInitiated, nil)
	if err != nil {
		return "", trackErr("create call", err)
	}
	var created struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", trackErr("create call", fmt.Errorf("decode response: %w", err))
	}
	id := decodeID(created.ID)
	if id == "" {
		return "", trackErr("create call", fmt.Errorf("response carries no id: %s", body))
	}
	return id, nil
}

// UpdateStatus implements [Tracker].
func (h *HTTPClient) UpdateStatus(ctx context.Context, id string, status Status) error {
	if id == "" {
		return trackErr("update status", ErrNoCall)
	}
	if _, err := h.do(ctx, http.MethodPatch, "/api/call/"+url.PathEscape(id), status, nil); err != nil {
		return trackErr("update status", err)
	}
	return nil
}

// CompleteCall implements [Tracker].
func (h *HTTPClient) CompleteCall(ctx context.Context, id string, payload any) error {
	if id == "" {
		return trackErr("complete call", ErrNoCall)
	}
	b, err := json.Marshal(struct {
		AIResponse any `json:"ai_response"`
	}{payload})
	if err != nil {
		return trackErr("complete call", fmt.Errorf("encode payload: %w", err))
	}
	if _, err := h.do(ctx, http.MethodPatch, "/api/call/"+url.PathEscape(id), StatusCompleted, b); err != nil {
		return trackErr("complete call", err)
	}
	return nil
}

func (h *HTTPClient) do(ctx context.Context, method, path string, status Status, body []byte) ([]byte, error) {
	u := h.base + path + "?" + url.Values{"status": {string(status)}}.Encode()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(respBody))
	}
	return respBody, nil
}

// decodeID accepts numeric and string identifiers.
func decodeID(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}
