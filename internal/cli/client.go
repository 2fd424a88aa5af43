package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/ChuLiYu/beaver-batch/internal/server"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

var errUnreachable = errors.New("admin server unreachable")

// AdminClient talks to the admin server of a running job
type AdminClient struct {
	base string
	http *http.Client
}

// NewAdminClient accepts ":9080", "host:9080" or a full http(s) URL
func NewAdminClient(addr string) *AdminClient {
	return &AdminClient{
		base: baseURL(addr),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func baseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	switch {
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return addr
	case strings.HasPrefix(addr, ":"):
		return "http://localhost" + addr
	default:
		return "http://" + addr
	}
}

// Stats fetches the current JobStats. Connection failures are retried briefly.
func (c *AdminClient) Stats(ctx context.Context) (types.JobStats, error) {
	var s types.JobStats
	err := retry.Do(
		func() error {
			body, err := c.do(ctx, http.MethodGet, "/stats", nil)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &s); err != nil {
				return fmt.Errorf("invalid stats response: %w", err)
			}
			return nil
		},
		retry.RetryIf(func(err error) bool { return errors.Is(err, errUnreachable) }),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	return s, err
}

// Pause holds units that have not started
func (c *AdminClient) Pause(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/pause", nil)
	return err
}

// Resume releases held units
func (c *AdminClient) Resume(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/resume", nil)
	return err
}

// SetThreads resizes the worker pool
func (c *AdminClient) SetThreads(ctx context.Context, n int) error {
	body, err := json.Marshal(server.ThreadsRequest{Count: n})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, "/threads", body)
	return err
}

// Stop halts the job
func (c *AdminClient) Stop(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/stop", nil)
	return err
}

func (c *AdminClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", errUnreachable, c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return data, nil
}
