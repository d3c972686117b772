package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// ListContainers returns all running containers.
func (c *Client) ListContainers(ctx context.Context) ([]container.Summary, error) {
	opts := client.ContainerListOptions{
		Filters: make(client.Filters).Add("status", "running"),
	}
	result, err := c.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// ListMonitored returns running containers carrying the given opt-in label
// set to "true".
func (c *Client) ListMonitored(ctx context.Context, label string) ([]container.Summary, error) {
	opts := client.ContainerListOptions{
		Filters: make(client.Filters).
			Add("status", "running").
			Add("label", label+"=true"),
	}
	result, err := c.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// InspectContainer returns full container details by ID.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, err
	}
	return result.Container, nil
}

// StopContainer stops a running container with the given timeout in seconds.
func (c *Client) StopContainer(ctx context.Context, id string, timeout int) error {
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
	return err
}

// RemoveContainer removes a container (force).
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true})
	return err
}

// CreateContainer creates a new container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

// RestartContainer restarts a running container.
func (c *Client) RestartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerRestart(ctx, id, client.ContainerRestartOptions{})
	return err
}

// CommitContainer commits the container's current filesystem state as an
// image and returns the image ID.
func (c *Client) CommitContainer(ctx context.Context, id, reference string) (string, error) {
	resp, err := c.api.ContainerCommit(ctx, id, client.ContainerCommitOptions{
		Reference: reference,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ContainerStats fetches a single stats sample for the container.
func (c *Client) ContainerStats(ctx context.Context, id string) (container.StatsResponse, error) {
	// Stream false yields exactly one sample and returns.
	resp, err := c.api.ContainerStats(ctx, id, client.ContainerStatsOptions{
		Stream: false,
	})
	if err != nil {
		return container.StatsResponse{}, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return container.StatsResponse{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

// ExecContainer runs a command inside a container and returns exit code + output.
func (c *Client) ExecContainer(ctx context.Context, id string, cmd []string, timeout int) (int, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}
	execCfg := client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := c.api.ExecCreate(ctx, id, execCfg)
	if err != nil {
		return -1, "", fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.api.ExecAttach(ctx, execResp.ID, client.ExecAttachOptions{})
	if err != nil {
		return -1, "", fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return -1, "", fmt.Errorf("exec read: %w", err)
	}
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	buf := stdout

	inspectResp, err := c.api.ExecInspect(ctx, execResp.ID, client.ExecInspectOptions{})
	if err != nil {
		return -1, buf.String(), fmt.Errorf("exec inspect: %w", err)
	}

	return inspectResp.ExitCode, buf.String(), nil
}

// TailLogs returns the last N lines of a container's logs.
func (c *Client) TailLogs(ctx context.Context, id string, lines int) (string, error) {
	opts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", lines),
	}
	reader, err := c.api.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		// Some containers use raw TTY mode — fall back to direct read.
		reader2, err2 := c.api.ContainerLogs(ctx, id, opts)
		if err2 != nil {
			return "", fmt.Errorf("container logs fallback: %w", err2)
		}
		defer reader2.Close()
		raw, _ := io.ReadAll(reader2)
		return string(raw), nil
	}

	// Merge stdout and stderr.
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}

// FollowLogs attaches to a container's log stream from the given point in
// time. The second return value reports whether the container runs a raw
// TTY (no stream framing to demultiplex).
func (c *Client) FollowLogs(ctx context.Context, id string, since time.Time) (io.ReadCloser, bool, error) {
	inspect, err := c.InspectContainer(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("inspect before follow: %w", err)
	}
	tty := inspect.Config != nil && inspect.Config.Tty

	reader, err := c.api.ContainerLogs(ctx, id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Since:      since.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, false, fmt.Errorf("follow logs: %w", err)
	}
	return reader, tty, nil
}
