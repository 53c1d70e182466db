package sandbox

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/krelab/sandpool/config"
)

// DockerEngine implements Engine against a local Docker daemon.
type DockerEngine struct {
	logger *zap.Logger
	cli    *client.Client
}

// NewDockerEngine creates a Docker engine client and verifies the daemon is
// reachable.
func NewDockerEngine(logger *zap.Logger, cfg *config.Config) (Engine, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Engine.Host != "" {
		opts = append(opts, client.WithHost(cfg.Engine.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	engine := &DockerEngine{logger: logger, cli: cli}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Ping(ctx); err != nil {
		cli.Close()
		return nil, err
	}

	return engine, nil
}

// Ping verifies the daemon control plane is reachable.
func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// ImageExists reports whether an image carrying the tag is in the local
// image store. The store is re-queried on every call.
func (e *DockerEngine) ImageExists(ctx context.Context, tag string) (bool, error) {
	images, err := e.cli.ImageList(ctx, imagetypes.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		for _, repoTag := range img.RepoTags {
			if repoTag == tag {
				return true, nil
			}
		}
	}
	return false, nil
}

// PullImage starts a registry pull and returns its progress stream.
func (e *DockerEngine) PullImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	reader, err := e.cli.ImagePull(ctx, ref, imagetypes.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return reader, nil
}

// BuildImage starts an image build from the tar context and returns its
// progress stream.
func (e *DockerEngine) BuildImage(ctx context.Context, buildContext io.Reader, tag string) (io.ReadCloser, error) {
	resp, err := e.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:   []string{tag},
		Remove: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build image %s: %w", tag, err)
	}
	return resp.Body, nil
}

// CreateContainer creates a sandbox container from the spec.
func (e *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		WorkingDir: spec.WorkingDir,
		Tty:        false,
	}

	networkMode := "none"
	if spec.NetworkEnabled {
		networkMode = "bridge"
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkMode),
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			CPUQuota:   spec.CPUQuota,
		},
	}
	if spec.PidsLimit > 0 {
		pidsLimit := spec.PidsLimit
		hostConfig.Resources.PidsLimit = &pidsLimit
	}

	if spec.HostWorkdir != "" {
		hostConfig.Binds = []string{spec.HostWorkdir + ":" + spec.WorkingDir}
	}

	if spec.ExposedPort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.ExposedPort))
		if err != nil {
			return "", fmt.Errorf("invalid exposed port %d: %w", spec.ExposedPort, err)
		}
		containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PublishAllPorts = true
	}

	resp, err := e.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (e *DockerEngine) StartContainer(ctx context.Context, containerID string) error {
	if err := e.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// InspectHostPort looks up the host port bound to the given in-container
// TCP port. Returns 0 when the container has no such binding.
func (e *DockerEngine) InspectHostPort(ctx context.Context, containerID string, port int) (int, error) {
	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return 0, nil
	}

	natPort, err := nat.NewPort("tcp", strconv.Itoa(port))
	if err != nil {
		return 0, fmt.Errorf("invalid port %d: %w", port, err)
	}

	bindings := inspect.NetworkSettings.Ports[natPort]
	if len(bindings) == 0 {
		return 0, nil
	}

	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("unparsable host port %q: %w", bindings[0].HostPort, err)
	}
	return hostPort, nil
}

// Exec launches a process inside a running container and returns the
// attached multiplexed output stream.
func (e *DockerEngine) Exec(ctx context.Context, containerID string, cmd []string) (ExecStream, error) {
	execResp, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	return &hijackedStream{resp: attach}, nil
}

// StopContainer asks the engine to stop the container within the grace
// window.
func (e *DockerEngine) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	graceSec := int(grace.Seconds())
	return e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSec})
}

// RemoveContainer forcibly removes the container and its volumes.
func (e *DockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	return e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
}

// Close releases the engine client.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// hijackedStream adapts the SDK's hijacked connection to ExecStream.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *hijackedStream) Close() error {
	s.resp.Close()
	return nil
}
