package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// HostClient is the runner → host REST surface: registration, heartbeats and
// task status reports.
type HostClient struct {
	base   string
	client *http.Client
}

// NewHostClient creates a client for the host at base, e.g.
// "http://host:8000".
func NewHostClient(base string) *HostClient {
	return &HostClient{
		base:   base,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HostClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("host unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("host returned %d: %s", resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode host response: %w", err)
		}
	}
	return nil
}

// Register announces the runner and returns the overlay allocation, if any.
func (c *HostClient) Register(ctx context.Context, req *types.RegisterRequest) (*types.RegisterResponse, error) {
	var resp types.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat delivers the periodic liveness and metrics report.
func (c *HostClient) Heartbeat(ctx context.Context, hostname string, hb *types.Heartbeat) error {
	return c.do(ctx, http.MethodPut, "/api/heartbeat/"+hostname, hb, nil)
}

// ReportStatus delivers a task state change.
func (c *HostClient) ReportStatus(ctx context.Context, update types.StatusUpdate) error {
	return c.do(ctx, http.MethodPost, "/api/update", update, nil)
}
