package upstream

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

	"github.com/ChuLiYu/beaver-batch/internal/connpool"
)

// HTTP paths served by an upstream
const (
	InvokePath   = "/v1/invoke"
	DocumentPath = "/v1/documents"
)

type invokeRequest struct {
	Module string            `json:"module"`
	Vars   map[string]string `json:"vars,omitempty"`
}

type invokeResponse struct {
	Items []string `json:"items"`
	Error string   `json:"error,omitempty"`
}

// HTTPConn talks JSON over HTTP to one upstream
type HTTPConn struct {
	base   string
	client *http.Client
}

// NewHTTPConn returns a connection to base (scheme://host[:port][/prefix])
func NewHTTPConn(base string, timeout time.Duration) *HTTPConn {
	return &HTTPConn{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPConn) URI() string { return c.base }

// Invoke posts the request and decodes the item sequence
func (c *HTTPConn) Invoke(ctx context.Context, req connpool.Request) (connpool.Response, error) {
	body, err := json.Marshal(invokeRequest{Module: req.Module, Vars: req.Vars})
	if err != nil {
		return connpool.Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+InvokePath, bytes.NewReader(body))
	if err != nil {
		return connpool.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.do(httpReq)
	if err != nil {
		return connpool.Response{}, err
	}
	defer resp.Body.Close()

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return connpool.Response{}, fmt.Errorf("%w: malformed response from %s: %v", connpool.ErrConnectivity, c.base, err)
	}
	if out.Error != "" {
		return connpool.Response{}, fmt.Errorf("%w: %s", connpool.ErrApplication, out.Error)
	}
	return connpool.Response{Items: out.Items}, nil
}

// Insert stores one document
func (c *HTTPConn) Insert(ctx context.Context, doc connpool.Document) error {
	q := url.Values{"uri": {doc.URI}}
	for _, coll := range doc.Collections {
		q.Add("collection", coll)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+DocumentPath+"?"+q.Encode(), bytes.NewReader(doc.Content))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(httpReq)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *HTTPConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// do sends req and maps transport and status failures onto the pool taxonomy
func (c *HTTPConn) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// err is not wrapped: a client timeout must count as connectivity
		return nil, fmt.Errorf("%w: %s: %v", connpool.ErrConnectivity, c.base, err)
	}

	switch {
	case resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %s", connpool.ErrConnectivity, c.base, resp.Status)
	default:
		msg := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %s: %s", connpool.ErrApplication, c.base, resp.Status, msg)
	}
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var out invokeResponse
	if json.Unmarshal(data, &out) == nil && out.Error != "" {
		return out.Error
	}
	return strings.TrimSpace(string(data))
}
