package remote

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

// Client talks JSON to the case-management backend.
//
// Routes follow the backend's REST layout:
//
//	GET    /v1/{collection}        list all rows
//	POST   /v1/{collection}        insert, returns stored row
//	PUT    /v1/{collection}/{id}   update, returns stored row
//	DELETE /v1/{collection}/{id}   delete
type Client struct {
	baseURL  string
	apiKey   string
	sourceID string
	httpc    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithSourceID sets the client-installation id sent on every request so
// the backend can attribute writes to a device.
func WithSourceID(id string) ClientOption {
	return func(c *Client) { c.sourceID = id }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) { c.httpc = httpc }
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListAll fetches every row in a collection.
func (c *Client) ListAll(ctx context.Context, collection string) ([]map[string]any, error) {
	var rows []map[string]any
	if err := c.do(ctx, http.MethodGet, c.route(collection), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert creates a row and returns it as stored.
func (c *Client) Insert(ctx context.Context, collection string, payload map[string]any) (map[string]any, error) {
	var row map[string]any
	if err := c.do(ctx, http.MethodPost, c.route(collection), payload, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// UpdateByID replaces a row's fields and returns it as stored.
func (c *Client) UpdateByID(ctx context.Context, collection, id string, payload map[string]any) (map[string]any, error) {
	var row map[string]any
	if err := c.do(ctx, http.MethodPut, c.route(collection, id), payload, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// DeleteByID removes a row.
func (c *Client) DeleteByID(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, c.route(collection, id), nil, nil)
}

func (c *Client) route(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/v1/" + strings.Join(escaped, "/")
}

// do runs one request, decoding a 2xx body into out when non-nil and
// turning any other status into an *APIError.
func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.sourceID != "" {
		req.Header.Set("X-Source-ID", c.sourceID)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
