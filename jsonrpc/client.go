package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// maxResponseBytes bounds how much of a response body the client reads.
const maxResponseBytes = 4 << 20

// Client calls methods on a JSON-RPC 2.0 HTTP endpoint.
type Client struct {
	url    string
	client *http.Client
	nextID atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for calls.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.client = c
	}
}

// NewClient returns a Client for the endpoint at url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{url: url, client: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes method with params and decodes the result into result.
// params may be nil, which sends an empty positional list.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	raw := json.RawMessage("[]")
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("jsonrpc: encode params: %w", err)
		}
		raw = b
	}
	id := c.nextID.Add(1)
	body, err := json.Marshal(Request{JSONRPC: Version, Method: method, Params: raw, ID: id})
	if err != nil {
		return fmt.Errorf("jsonrpc: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("jsonrpc: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("jsonrpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("jsonrpc: %s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jsonrpc: %s: unexpected status %d", method, resp.StatusCode)
	}

	var r Response
	if err := json.Unmarshal(respBody, &r); err != nil {
		return fmt.Errorf("jsonrpc: %s: decode response: %w", method, err)
	}
	if r.Error != nil {
		return r.Error
	}
	if r.JSONRPC != Version {
		return fmt.Errorf("jsonrpc: %s: unexpected version %q", method, r.JSONRPC)
	}
	if result == nil {
		return nil
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("jsonrpc: %s: empty result", method)
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return fmt.Errorf("jsonrpc: %s: decode result: %w", method, err)
	}
	return nil
}
