// Package docker wraps the Docker Engine API for long-lived VPS containers:
// create, lifecycle control, SSH port discovery, snapshot commit and
// restore. One-shot COMMAND tasks deliberately do not go through this
// client; they are spawned as `docker run --rm` subprocesses so their
// stdio plumbing and exit codes follow the child process directly.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

const sshPort = "22/tcp"

// SnapshotRepo is the image repository pattern for VPS snapshots of a named
// environment.
func SnapshotRepo(envName string) string {
	return "kohakuriver/" + envName
}

// SnapshotRef builds a snapshot image reference with a timestamp tag.
func SnapshotRef(envName string, ts time.Time) string {
	return fmt.Sprintf("%s:snapshot-%d", SnapshotRepo(envName), ts.Unix())
}

// Client is the typed Docker Engine client.
type Client struct {
	api *client.Client

	// loadMu serializes image loads from shared tarballs; concurrent loads
	// of the same tarball corrupt the daemon's progress output and waste
	// I/O on the shared mount.
	loadMu sync.Mutex

	log zerolog.Logger
}

// NewClient connects to the local Docker daemon using the environment
// configuration (DOCKER_HOST et al).
func NewClient() (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}
	return &Client{api: api, log: log.WithComponent("docker")}, nil
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// HasImage reports whether an image reference exists locally.
func (c *Client) HasImage(ctx context.Context, ref string) (bool, error) {
	images, err := c.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(images) > 0, nil
}

// PullImage pulls an image from a registry, draining the progress stream.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	rc, err := c.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to read pull progress: %w", err)
	}
	c.log.Info().Str("image", ref).Msg("image pulled")
	return nil
}

// LoadImage loads an image tarball, typically from the shared directory.
// Loads are serialized process-wide.
func (c *Client) LoadImage(ctx context.Context, tarPath string) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	f, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("failed to open image tarball: %w", err)
	}
	defer f.Close()

	resp, err := c.api.ImageLoad(ctx, f, true)
	if err != nil {
		return fmt.Errorf("failed to load image from %s: %w", tarPath, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to read load response: %w", err)
	}
	c.log.Info().Str("tarball", tarPath).Msg("image loaded")
	return nil
}

// VPSOptions describes a long-lived VPS container.
type VPSOptions struct {
	TaskID     int64
	Image      string
	Cores      int
	MemoryByte int64
	GPUs       []int
	Mounts     []string // host:container[:mode]
	Network    string   // docker network name, empty for default bridge
	IPv4       string   // static address on Network, requires Network
	Privileged bool
}

// CreateVPS creates and starts a detached VPS container with an
// unless-stopped restart policy and SSH port 22 published on a random host
// port. The container runs an init-style sleep so it stays alive without a
// service manager.
func (c *Client) CreateVPS(ctx context.Context, opts VPSOptions) (string, error) {
	name := types.ContainerName(opts.TaskID)

	cfg := &container.Config{
		Image:        opts.Image,
		Cmd:          []string{"sleep", "infinity"},
		ExposedPorts: nat.PortSet{sshPort: struct{}{}},
		Labels: map[string]string{
			"kohakuriver.task-id": strconv.FormatInt(opts.TaskID, 10),
			"kohakuriver.kind":    "vps",
		},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		PortBindings:  nat.PortMap{sshPort: []nat.PortBinding{{HostIP: "0.0.0.0"}}},
		Binds:         opts.Mounts,
		Privileged:    opts.Privileged,
		Resources: container.Resources{
			NanoCPUs: int64(opts.Cores) * 1e9,
			Memory:   opts.MemoryByte,
		},
	}
	var netCfg *network.NetworkingConfig
	if opts.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(opts.Network)
		endpoint := &network.EndpointSettings{}
		if opts.IPv4 != "" {
			endpoint.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: opts.IPv4}
		}
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{opts.Network: endpoint},
		}
	}
	if len(opts.GPUs) > 0 {
		ids := make([]string, len(opts.GPUs))
		for i, gpu := range opts.GPUs {
			ids[i] = strconv.Itoa(gpu)
		}
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    ids,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	created, err := c.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := c.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = c.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}
	c.log.Info().Str("container", name).Str("image", opts.Image).Msg("vps container started")
	return created.ID, nil
}

// SSHHostPort discovers the host port mapped to the container's port 22.
// Docker assigns the binding asynchronously after start, so the lookup
// retries with a short backoff before giving up.
func (c *Client) SSHHostPort(ctx context.Context, name string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		insp, err := c.api.ContainerInspect(ctx, name)
		if err != nil {
			lastErr = err
			continue
		}
		bindings := insp.NetworkSettings.Ports[nat.Port(sshPort)]
		if len(bindings) == 0 {
			lastErr = fmt.Errorf("port 22 not yet bound")
			continue
		}
		port, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			lastErr = err
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("failed to discover ssh port for %s: %w", name, lastErr)
}

// Exec runs a command inside a container and waits for it, returning the
// exit code and combined output.
func (c *Client) Exec(ctx context.Context, name string, cmd []string) (int, string, error) {
	exec, err := c.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to create exec in %s: %w", name, err)
	}

	attach, err := c.api.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read exec output: %w", err)
	}

	insp, err := c.api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to inspect exec: %w", err)
	}
	return insp.ExitCode, string(out), nil
}

// AttachShell starts an interactive TTY shell inside a container and returns
// the hijacked stream, for the terminal WebSocket endpoint.
func (c *Client) AttachShell(ctx context.Context, name string) (dockertypes.HijackedResponse, error) {
	exec, err := c.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", "command -v bash >/dev/null && exec bash || exec sh"},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return dockertypes.HijackedResponse{}, fmt.Errorf("failed to create shell exec in %s: %w", name, err)
	}
	attach, err := c.api.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return dockertypes.HijackedResponse{}, fmt.Errorf("failed to attach shell: %w", err)
	}
	return attach, nil
}

// Stop stops a container with a grace period.
func (c *Client) Stop(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := c.api.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// Start starts an existing stopped container.
func (c *Client) Start(ctx context.Context, name string) error {
	if err := c.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// Restart restarts a container.
func (c *Client) Restart(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := c.api.ContainerRestart(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", name, err)
	}
	return nil
}

// Pause freezes a container's processes.
func (c *Client) Pause(ctx context.Context, name string) error {
	if err := c.api.ContainerPause(ctx, name); err != nil {
		return fmt.Errorf("failed to pause container %s: %w", name, err)
	}
	return nil
}

// Unpause resumes a paused container.
func (c *Client) Unpause(ctx context.Context, name string) error {
	if err := c.api.ContainerUnpause(ctx, name); err != nil {
		return fmt.Errorf("failed to unpause container %s: %w", name, err)
	}
	return nil
}

// Remove force-removes a container.
func (c *Client) Remove(ctx context.Context, name string) error {
	if err := c.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// Inspect returns the container's running state, or exists=false when the
// daemon has no such container.
func (c *Client) Inspect(ctx context.Context, name string) (exists, running bool, err error) {
	insp, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	return true, insp.State != nil && insp.State.Running, nil
}

// CommitSnapshot commits a container's filesystem to a snapshot image. The
// container is paused for the duration of the commit so the snapshot is
// crash-consistent.
func (c *Client) CommitSnapshot(ctx context.Context, name, envName string) (string, error) {
	ref := SnapshotRef(envName, time.Now())
	if _, err := c.api.ContainerCommit(ctx, name, container.CommitOptions{
		Reference: ref,
		Pause:     true,
	}); err != nil {
		return "", fmt.Errorf("failed to commit snapshot of %s: %w", name, err)
	}
	c.log.Info().Str("container", name).Str("snapshot", ref).Msg("snapshot committed")
	return ref, nil
}

// LatestSnapshot returns the newest snapshot reference for an environment,
// or "" when none exists. Snapshot tags embed their creation timestamp, so
// lexicographic descent over equal-width tags is newest-first.
func (c *Client) LatestSnapshot(ctx context.Context, envName string) (string, error) {
	snaps, err := c.listSnapshots(ctx, envName)
	if err != nil || len(snaps) == 0 {
		return "", err
	}
	return snaps[0], nil
}

// PruneSnapshots keeps the newest `keep` snapshots of an environment and
// removes the rest.
func (c *Client) PruneSnapshots(ctx context.Context, envName string, keep int) error {
	snaps, err := c.listSnapshots(ctx, envName)
	if err != nil {
		return err
	}
	for i := keep; i < len(snaps); i++ {
		if _, err := c.api.ImageRemove(ctx, snaps[i], image.RemoveOptions{}); err != nil {
			c.log.Warn().Err(err).Str("snapshot", snaps[i]).Msg("failed to prune snapshot")
			continue
		}
		c.log.Info().Str("snapshot", snaps[i]).Msg("snapshot pruned")
	}
	return nil
}

// listSnapshots returns snapshot refs for an environment, newest first.
func (c *Client) listSnapshots(ctx context.Context, envName string) ([]string, error) {
	images, err := c.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", SnapshotRepo(envName)+":snapshot-*")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var refs []string
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if strings.HasPrefix(tag, SnapshotRepo(envName)+":snapshot-") {
				refs = append(refs, tag)
			}
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(refs)))
	return refs, nil
}

// EnsureNetwork creates a Docker bridge network bound to an existing Linux
// bridge, with the runner's overlay subnet as its address pool. Creating an
// already-existing network is a no-op.
func (c *Client) EnsureNetwork(ctx context.Context, name, subnet, gateway, bridgeName string) error {
	nets, err := c.api.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}

	_, err = c.api.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			"com.docker.network.bridge.name": bridgeName,
		},
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: subnet, Gateway: gateway}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	c.log.Info().Str("network", name).Str("subnet", subnet).Msg("docker network created")
	return nil
}

// ListTaskContainers returns the task ids of kohakuriver containers known to
// the daemon, used for recovery after a runner restart.
func (c *Client) ListTaskContainers(ctx context.Context) (map[int64]bool, error) {
	containers, err := c.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "kohakuriver.task-id")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	out := make(map[int64]bool, len(containers))
	for _, ctr := range containers {
		id, err := strconv.ParseInt(ctr.Labels["kohakuriver.task-id"], 10, 64)
		if err != nil {
			continue
		}
		out[id] = ctr.State == "running"
	}
	return out, nil
}
