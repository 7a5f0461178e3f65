// Package orchestrator implements an opaque container-orchestration
// collaborator (Orchestrator.Launch/.Stop) against the Docker Engine API:
// an ephemeral agent container (one per session, running the agent process
// that dials back into the relay's agent WebSocket endpoint).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	defaultImage   = "session-relay-agent:latest"
	containerUser  = "1000"
	stopTimeoutSec = 10

	memoryLimitBytes = 1024 * 1024 * 1024 // 1GiB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	agentNetwork = "session-relay-agents"
	agentSubnet  = "172.30.0.0/16"

	createRetryAttempts = 10
	createRetryDelay    = 250 * time.Millisecond
)

// TaskRef identifies a launched agent container, opaque to everything but
// this package.
type TaskRef string

// Orchestrator is the opaque container-orchestration collaborator:
// Launch(sessionID) -> taskRef, Stop(taskRef). Implementations launch
// whatever process dials the agent WebSocket endpoint with the session's
// access token; this package's DockerManager does so with a Docker
// container.
type Orchestrator interface {
	Launch(ctx context.Context, sessionID, accessToken, relayBaseURL string, env map[string]string) (TaskRef, error)
	Stop(ctx context.Context, ref TaskRef) error
}

// DockerManager launches one container per session, running the agent image
// with SESSION_ID/ACCESS_TOKEN/RELAY_URL environment variables so the agent
// process inside can dial back into this relay's agent endpoint.
type DockerManager struct {
	cli     *client.Client
	image   string
	runtime string
}

// NewDockerManager creates a Docker-backed Orchestrator. runtime may be ""
// for the default runtime or "runsc" for gVisor sandboxing.
func NewDockerManager(image, runtime string) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if image == "" {
		image = defaultImage
	}
	return &DockerManager{cli: cli, image: image, runtime: runtime}, nil
}

// EnsureNetwork creates the custom bridge network agent containers run on,
// if it does not already exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == agentNetwork {
			return nw.ID, nil
		}
	}

	resp, err := m.cli.NetworkCreate(ctx, agentNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: agentSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", agentNetwork, err)
	}
	slog.Info("agent network created", "network_id", resp.ID, "subnet", agentSubnet)
	return resp.ID, nil
}

// Launch starts a fresh agent container for sessionID, named deterministically
// so a retried provisioning call cannot fork two containers for the same
// session. The container receives the session's access token and the
// relay's base URL so the agent process inside can connect to
// /ws/relay/{sessionID} on its own.
func (m *DockerManager) Launch(ctx context.Context, sessionID, accessToken, relayBaseURL string, env map[string]string) (TaskRef, error) {
	name := containerName(sessionID)

	envVars := []string{
		"SESSION_ID=" + sessionID,
		"ACCESS_TOKEN=" + accessToken,
		"RELAY_URL=" + relayBaseURL,
	}
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image: m.image,
		User:  containerUser,
		Env:   envVars,
		Tty:   false,
	}
	hostCfg := &container.HostConfig{
		Runtime:     m.runtime,
		NetworkMode: container.NetworkMode(agentNetwork),
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		AutoRemove: false,
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if createErr == nil {
			break
		}
		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create agent container for session %s: %w", sessionID, createErr)
		}
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, name); inspectErr == nil {
			slog.Warn("agent container name conflict, removing stale container", "session_id", sessionID, "container_id", inspect.ID)
			if stopErr := m.stopByID(ctx, inspect.ID); stopErr != nil {
				slog.Warn("failed to remove conflicting agent container", "container_id", inspect.ID, "error", stopErr)
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create agent container for session %s after retries: %w", sessionID, createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("failed to remove agent container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start agent container %s: %w", resp.ID, err)
	}

	slog.Info("agent container launched", "session_id", sessionID, "container_id", resp.ID)
	return TaskRef(resp.ID), nil
}

// Stop stops and removes the container backing ref. It is idempotent: a
// container already gone is not an error.
func (m *DockerManager) Stop(ctx context.Context, ref TaskRef) error {
	return m.stopByID(ctx, string(ref))
}

func (m *DockerManager) stopByID(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	if _, err := m.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect agent container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSec
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("agent container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove agent container %s: %w", containerID, err)
	}
	return nil
}

func containerName(sessionID string) string {
	return "agent-" + sessionID
}

func ptr[T any](v T) *T {
	return &v
}
