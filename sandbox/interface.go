package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/krelab/sandpool/config"
)

// Config holds the sandbox core configuration, flattened from the
// application config into the parameters the pool, provisioner and runner
// actually consume.
type Config struct {
	Capacity        int
	ImageTag        string
	BaseImage       string
	BuildContext    string
	StopGrace       time.Duration
	HostWorkdirBase string
	ExposedPort     int

	ExecTimeout  time.Duration
	WorkspaceDir string
	CodeFile     string
	RunCommand   []string

	MemoryMB       int
	CPUQuota       int
	PidsLimit      int
	NetworkEnabled bool
}

// NewConfig derives the sandbox core configuration from the application
// configuration.
func NewConfig(cfg *config.Config) *Config {
	return &Config{
		Capacity:        cfg.Pool.MaxContainers,
		ImageTag:        cfg.Pool.ImageTag,
		BaseImage:       cfg.Pool.BaseImage,
		BuildContext:    cfg.Pool.BuildContext,
		StopGrace:       cfg.StopGrace(),
		HostWorkdirBase: cfg.Pool.HostWorkdirBase,
		ExposedPort:     cfg.Pool.ExposedPort,
		ExecTimeout:     cfg.ExecTimeout(),
		WorkspaceDir:    cfg.Exec.WorkspaceDir,
		CodeFile:        cfg.Exec.CodeFile,
		RunCommand:      cfg.Exec.RunCommand,
		MemoryMB:        cfg.Limits.MemoryMB,
		CPUQuota:        cfg.Limits.CPUQuota,
		PidsLimit:       cfg.Limits.PidsLimit,
		NetworkEnabled:  cfg.Limits.NetworkEnabled,
	}
}

// ContainerSpec describes a sandbox container to be created.
type ContainerSpec struct {
	Image       string
	Name        string
	Cmd         []string
	WorkingDir  string
	MemoryBytes int64
	CPUQuota    int64
	PidsLimit   int64
	// NetworkEnabled attaches the container to the default bridge network.
	// Disabled containers get no network at all.
	NetworkEnabled bool
	// HostWorkdir, when set, is bind-mounted over WorkingDir.
	HostWorkdir string
	// ExposedPort, when non-zero, publishes this in-container TCP port on a
	// host-assigned port.
	ExposedPort int
}

// ExecStream is a multiplexed output stream of an in-container process.
// Stdout and stderr frames are interleaved in the engine's wire format and
// must be demultiplexed by the reader. Close abandons the stream; it does
// not terminate the underlying process.
type ExecStream interface {
	io.Reader
	Close() error
}

// Engine is the capability set consumed from the container engine. It is
// implemented by DockerEngine and by test doubles.
type Engine interface {
	// Ping verifies the engine control plane is reachable.
	Ping(ctx context.Context) error

	// ImageExists reports whether an image with the given tag is present in
	// the engine's local image store.
	ImageExists(ctx context.Context, tag string) (bool, error)

	// PullImage pulls an image from a remote registry. The returned stream
	// carries progress events and must be drained fully; an error event in
	// the stream means the pull failed.
	PullImage(ctx context.Context, ref string) (io.ReadCloser, error)

	// BuildImage builds an image from a tar build context under the given
	// tag. The returned stream carries progress events and must be drained
	// fully; an error event in the stream means the build failed.
	BuildImage(ctx context.Context, buildContext io.Reader, tag string) (io.ReadCloser, error)

	// CreateContainer creates a container and returns its engine-assigned
	// identifier.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, containerID string) error

	// InspectHostPort returns the host port bound to the given in-container
	// TCP port, or 0 when no binding exists.
	InspectHostPort(ctx context.Context, containerID string, port int) (int, error)

	// Exec launches a process inside a running container and returns its
	// multiplexed output stream.
	Exec(ctx context.Context, containerID string, cmd []string) (ExecStream, error)

	// StopContainer stops a container, waiting up to grace before the
	// engine kills it.
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error

	// RemoveContainer forcibly removes a container and its volumes.
	RemoveContainer(ctx context.Context, containerID string) error

	// Close releases the engine client.
	Close() error
}

// SessionStore mirrors (user, container) associations in an external store
// for operational recovery. The pool informs it on create, execute and
// stop; failures are logged by the pool and never affect pool state.
type SessionStore interface {
	Upsert(ctx context.Context, userID, containerID string) error
	Touch(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
}
