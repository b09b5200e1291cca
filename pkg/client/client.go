// Package client is the Go client for the host API, used by the CLI and by
// anything else that talks to a KohakuRiver host over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/auth"
	"github.com/kohakuriver/kohakuriver/pkg/registry"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// Client talks to one host. The zero value is not usable; construct with New.
type Client struct {
	base string
	http *http.Client

	// Credentials, all optional. The admin secret wins over the token when
	// both are set, mirroring how the host resolves them.
	adminSecret string
	token       string
	sessionID   string
}

// Option customizes a Client.
type Option func(*Client)

// WithAdminSecret authenticates every request with the host admin secret.
func WithAdminSecret(secret string) Option {
	return func(c *Client) { c.adminSecret = secret }
}

// WithToken authenticates every request with an API bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithSession authenticates every request with a session cookie, as obtained
// from Login.
func WithSession(sessionID string) Option {
	return func(c *Client) { c.sessionID = sessionID }
}

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for the host at base, e.g. "http://host:8000".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiErrorBody matches the host's error envelope.
type apiErrorBody struct {
	Error string `json:"error"`
}

func kindForStatus(status int) types.ErrorKind {
	switch status {
	case http.StatusBadRequest:
		return types.ErrBadRequest
	case http.StatusUnauthorized:
		return types.ErrUnauthorized
	case http.StatusForbidden:
		return types.ErrForbidden
	case http.StatusNotFound:
		return types.ErrNotFound
	case http.StatusConflict:
		return types.ErrConflict
	case http.StatusGatewayTimeout:
		return types.ErrUpstreamTimeout
	case http.StatusServiceUnavailable:
		return types.ErrRunnerUnavailable
	}
	return types.ErrInternal
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
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
	if c.adminSecret != "" {
		req.Header.Set(auth.AdminSecretHeader, c.adminSecret)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.sessionID != "" {
		req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: c.sessionID})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("host unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiErrorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return types.NewError(kindForStatus(resp.StatusCode), "%s", apiErr.Error)
		}
		return types.NewError(kindForStatus(resp.StatusCode), "host returned %d: %s", resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Health checks that the host is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Submit creates tasks from a submission and returns the assigned task IDs.
func (c *Client) Submit(ctx context.Context, req *types.SubmitRequest) ([]int64, error) {
	var resp struct {
		TaskIDs []int64 `json:"task_ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/submit", req, &resp); err != nil {
		return nil, err
	}
	return resp.TaskIDs, nil
}

// ListTasks returns every task the host knows about.
func (c *Client) ListTasks(ctx context.Context) ([]*types.Task, error) {
	var tasks []*types.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskStatus fetches one task.
func (c *Client) TaskStatus(ctx context.Context, id int64) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/status/%d", id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Kill terminates a running task.
func (c *Client) Kill(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/kill/%d", id), nil, nil)
}

// Pause suspends a running COMMAND task.
func (c *Client) Pause(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/command/%d/pause", id), nil, nil)
}

// Resume continues a paused COMMAND task.
func (c *Client) Resume(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/command/%d/resume", id), nil, nil)
}

// Restart resubmits a finished COMMAND task and returns the new task ID.
func (c *Client) Restart(ctx context.Context, id int64) (int64, error) {
	var resp struct {
		TaskID int64 `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/command/%d/restart", id), nil, &resp); err != nil {
		return 0, err
	}
	return resp.TaskID, nil
}

// DeleteTask removes a finished task's record.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", id), nil, nil)
}

// Approve releases a pending_approval task for scheduling.
func (c *Client) Approve(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/approve", id), nil, nil)
}

// Reject declines a pending_approval task.
func (c *Client) Reject(ctx context.Context, id int64, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/reject", id), body, nil)
}

// ListNodes returns the registered runners.
func (c *Client) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var nodes []*types.Node
	if err := c.do(ctx, http.MethodGet, "/api/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ClusterHealth returns the aggregate cluster summary.
func (c *Client) ClusterHealth(ctx context.Context) (*registry.ClusterHealth, error) {
	var health registry.ClusterHealth
	if err := c.do(ctx, http.MethodGet, "/api/cluster-health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// CreateVPS submits a VPS; the Kind field of req is forced server-side.
func (c *Client) CreateVPS(ctx context.Context, req *types.SubmitRequest) ([]int64, error) {
	var resp struct {
		TaskIDs []int64 `json:"task_ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/vps/create", req, &resp); err != nil {
		return nil, err
	}
	return resp.TaskIDs, nil
}

// ListVPS returns the VPS tasks visible to the caller.
func (c *Client) ListVPS(ctx context.Context) ([]*types.Task, error) {
	var tasks []*types.Task
	if err := c.do(ctx, http.MethodGet, "/api/vps", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// VPSStatus is one row of the VPS status listing.
type VPSStatus struct {
	TaskID  int64            `json:"task_id"`
	Status  types.TaskStatus `json:"status"`
	Runner  string           `json:"runner"`
	Backend types.VPSBackend `json:"backend"`
	SSHPort int              `json:"ssh_port,omitempty"`
}

// ListVPSStatus returns the condensed VPS view with SSH endpoints.
func (c *Client) ListVPSStatus(ctx context.Context) ([]VPSStatus, error) {
	var out []VPSStatus
	if err := c.do(ctx, http.MethodGet, "/api/vps/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StopVPS gracefully stops a VPS, snapshotting container-backed ones.
func (c *Client) StopVPS(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/vps/stop/%d", id), nil, nil)
}

// RestartVPS reboots a VPS in place.
func (c *Client) RestartVPS(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/vps/restart/%d", id), nil, nil)
}

// OverlayStatus lists the per-runner VXLAN allocations.
func (c *Client) OverlayStatus(ctx context.Context) ([]*types.OverlayAllocation, error) {
	var allocs []*types.OverlayAllocation
	if err := c.do(ctx, http.MethodGet, "/api/overlay/status", nil, &allocs); err != nil {
		return nil, err
	}
	return allocs, nil
}

// ReleaseOverlay frees a departed runner's overlay slot.
func (c *Client) ReleaseOverlay(ctx context.Context, runner string) error {
	return c.do(ctx, http.MethodPost, "/api/overlay/release/"+url.PathEscape(runner), nil, nil)
}

// CleanupOverlay releases the slots of all offline runners and returns their
// names.
func (c *Client) CleanupOverlay(ctx context.Context) ([]string, error) {
	var resp struct {
		Removed []string `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/overlay/cleanup", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Removed, nil
}

// ReserveIP pre-allocates an overlay IP on the runner's subnet.
func (c *Client) ReserveIP(ctx context.Context, runner string) (*types.IPReservation, error) {
	body := map[string]string{"runner": runner}
	var res types.IPReservation
	if err := c.do(ctx, http.MethodPost, "/api/nodes/overlay/ip/reserve", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReleaseIP drops an overlay IP reservation.
func (c *Client) ReleaseIP(ctx context.Context, runner, ip string) error {
	body := map[string]string{"runner": runner, "ip": ip}
	return c.do(ctx, http.MethodPost, "/api/nodes/overlay/ip/release", body, nil)
}

// AvailableIPs lists the free overlay addresses on a runner's subnet.
func (c *Client) AvailableIPs(ctx context.Context, runner string) ([]string, error) {
	var resp struct {
		Available []string `json:"available"`
	}
	path := "/api/nodes/overlay/ip/available?runner=" + url.QueryEscape(runner)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Available, nil
}

// OverlayInfo returns one runner's overlay allocation.
func (c *Client) OverlayInfo(ctx context.Context, runner string) (*types.OverlayAllocation, error) {
	var alloc types.OverlayAllocation
	path := "/api/nodes/overlay/ip/info?runner=" + url.QueryEscape(runner)
	if err := c.do(ctx, http.MethodGet, path, nil, &alloc); err != nil {
		return nil, err
	}
	return &alloc, nil
}

// AuthStatus reports whether any account exists and the caller's role.
func (c *Client) AuthStatus(ctx context.Context) (configured bool, role types.Role, err error) {
	var resp struct {
		Configured bool       `json:"configured"`
		Role       types.Role `json:"role"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/status", nil, &resp); err != nil {
		return false, "", err
	}
	return resp.Configured, resp.Role, nil
}

// Login exchanges a password for a session cookie and installs it on the
// client for subsequent requests.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/auth/login", encodeBody(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("host unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiErrorBody
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return types.NewError(kindForStatus(resp.StatusCode), "%s", apiErr.Error)
		}
		return types.NewError(kindForStatus(resp.StatusCode), "login failed: %d", resp.StatusCode)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == auth.SessionCookie {
			c.sessionID = cookie.Value
			return nil
		}
	}
	return fmt.Errorf("host did not set a session cookie")
}

// SessionID returns the active session cookie value, empty when logged out.
func (c *Client) SessionID() string { return c.sessionID }

// Logout deletes the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	c.sessionID = ""
	return err
}

// Register creates an account from an invitation token.
func (c *Client) Register(ctx context.Context, invitation, username, password string) error {
	body := map[string]string{
		"invitation": invitation,
		"username":   username,
		"password":   password,
	}
	return c.do(ctx, http.MethodPost, "/api/auth/register", body, nil)
}

// Identity describes the authenticated caller.
type Identity struct {
	Username string     `json:"username"`
	Role     types.Role `json:"role"`
}

// Me returns the caller's identity.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var id Identity
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// IssueToken mints an API token. The plaintext is only ever returned here.
func (c *Client) IssueToken(ctx context.Context, name string) (string, error) {
	body := map[string]string{"name": name}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/tokens", body, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// ListTokens lists the caller's API tokens. Hashes only, never plaintext.
func (c *Client) ListTokens(ctx context.Context) ([]*types.APIToken, error) {
	var tokens []*types.APIToken
	if err := c.do(ctx, http.MethodGet, "/api/auth/tokens", nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// RevokeToken deletes an API token by hash.
func (c *Client) RevokeToken(ctx context.Context, hash string) error {
	return c.do(ctx, http.MethodDelete, "/api/auth/tokens/"+url.PathEscape(hash), nil, nil)
}

func encodeBody(v any) io.Reader {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(v)
	return &buf
}
