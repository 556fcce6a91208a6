package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerRuntime implements the Runtime interface using the Docker SDK.
type DockerRuntime struct {
	client *client.Client
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
}

// mapToEnvList renders env as sorted KEY=VALUE pairs.
func mapToEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}

// containerName turns a job name into a valid Docker container name.
func containerName(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("taskqueue-")
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime() (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Start implements Runtime.Start using Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, errors.New("image is required for the docker runtime")
	}
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}

	// Ensure Image Exists
	// Check if it exists locally first to save time.
	if _, _, err := d.client.ImageInspectWithRaw(ctx, opts.Image); err != nil {
		// If image doesn't exist locally, pull it.
		reader, err := d.client.ImagePull(ctx, opts.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", opts.Image, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	// Create Container
	containerConfig := &container.Config{
		Image: opts.Image,
		Cmd:   opts.Command,
		Env:   mapToEnvList(opts.Env),
		// A TTY merges stdout and stderr into one unmultiplexed stream.
		Tty: true,
	}
	containerResponse, err := d.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, containerName(opts.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, containerResponse.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(context.Background(), containerResponse.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &DockerHandle{
		client:      d.client,
		containerID: containerResponse.ID,
	}, nil
}

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		if status.Error != nil {
			return ExitResult{
					ExitCode: int(status.StatusCode),
					Error:    fmt.Errorf("%s", status.Error.Message),
				},
				nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *DockerHandle) Stop(ctx context.Context) error {
	timeOut := 5
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeOut})
}

func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

// Close removes the container.
func (h *DockerHandle) Close(ctx context.Context) error {
	return h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
}
