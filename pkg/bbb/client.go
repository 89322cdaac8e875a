package bbb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds control-plane backend calls. Streaming calls
// (insertDocument, create with an XML body) run on the caller's context
// without this bound.
const DefaultTimeout = 10 * time.Second

// Client issues signed API calls against one backend server. Clients are
// cheap per-call values; the underlying *http.Client is shared.
type Client struct {
	base   string
	secret string
	http   *http.Client
}

// NewClient returns a client for the given API base URL (usually
// Server.APIBase()) and shared secret. A nil httpClient falls back to
// http.DefaultClient.
func NewClient(base, secret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		secret: secret,
		http:   httpClient,
	}
}

// EncodeURI builds the full signed URL for an action without issuing it.
// Used for the join redirect, where the frontend's browser talks to the
// backend directly.
func (c *Client) EncodeURI(action string, params Params) string {
	return c.base + "/" + action + "?" + SignQuery(action, params, c.secret)
}

// Do issues a signed API call. A nil body sends a GET; otherwise the body is
// streamed in a POST with the given content type. The response envelope is
// parsed but not checked; combine with Response.Err for calls that must
// succeed.
func (c *Client) Do(ctx context.Context, action string, params Params, body io.Reader, contentType string) (*Response, error) {
	method := http.MethodGet
	if body != nil {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, c.EncodeURI(action, params), body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", action, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", action, err)
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading %s response: %w", action, err)
		}
		return &Response{JSON: raw, Status: resp.StatusCode}, nil
	}

	node, err := ParseXML(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s response (status %d): %w", action, resp.StatusCode, err)
	}
	return &Response{XML: node, Status: resp.StatusCode}, nil
}

// Call is Do without a body plus an envelope check: it returns the parsed
// response only when the backend answered SUCCESS, and the backend's *Error
// otherwise.
func (c *Client) Call(ctx context.Context, action string, params Params) (*Response, error) {
	resp, err := c.Do(ctx, action, params, nil, "")
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}
