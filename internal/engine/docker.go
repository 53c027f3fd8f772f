package engine

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/avereen/deskbrain/internal/config"
)

// Container resource limits for engine sessions.
const (
	engineMemoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	engineCPUQuota         = 100000             // 1 CPU
	enginePidsLimit        = 256
)

func newDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

// DockerRunner runs the engine inside a dedicated container, one per
// session. Stdio is carried over the attach stream with a TTY so the
// container's output arrives unmultiplexed.
type DockerRunner struct {
	cli  *client.Client
	cfg  config.EngineConfig
	spec Spec

	mu          sync.Mutex
	containerID string
	attach      *dockerAttach
	started     bool
	stopping    bool
}

type dockerAttach struct {
	conn   interface{ Close() error }
	writer interface{ Write([]byte) (int, error) }
	reader *bufio.Reader
}

// NewDockerRunner creates a runner that launches the engine image for
// one session.
func NewDockerRunner(cli *client.Client, cfg config.EngineConfig, spec Spec) *DockerRunner {
	return &DockerRunner{cli: cli, cfg: cfg, spec: spec}
}

// Start creates, attaches to and starts the engine container.
func (r *DockerRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	containerName := "deskbrain-engine-" + r.spec.SessionID

	cmd := append([]string{r.cfg.Bin}, engineArgs(r.cfg)...)
	conf := &container.Config{
		Image:        r.cfg.Image,
		Cmd:          cmd,
		Env:          r.spec.Environ(),
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostConf := &container.HostConfig{
		Resources: container.Resources{
			Memory:    engineMemoryLimitBytes,
			CPUQuota:  engineCPUQuota,
			PidsLimit: ptr(int64(enginePidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, conf, hostConf, nil, nil, containerName)
	if err != nil {
		return fmt.Errorf("create engine container: %w", err)
	}

	attachResp, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.removeContainer(ctx, resp.ID)
		return fmt.Errorf("attach engine container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attachResp.Close()
		r.removeContainer(ctx, resp.ID)
		return fmt.Errorf("start engine container %s: %w", resp.ID, err)
	}

	r.containerID = resp.ID
	r.attach = &dockerAttach{
		conn:   attachResp.Conn,
		writer: attachResp.Conn,
		reader: bufio.NewReaderSize(attachResp.Reader, 64*1024),
	}
	r.started = true

	slog.Info("engine container started",
		"session_id", r.spec.SessionID,
		"container_id", resp.ID,
		"image", r.cfg.Image)
	return nil
}

// WriteLine writes one frame to the container's stdin.
func (r *DockerRunner) WriteLine(line []byte) error {
	r.mu.Lock()
	attach := r.attach
	r.mu.Unlock()

	if attach == nil {
		return ErrNotStarted
	}
	if _, err := attach.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write engine container stdin: %w", err)
	}
	return nil
}

// ReadLine blocks until the next output line is available.
func (r *DockerRunner) ReadLine() ([]byte, error) {
	r.mu.Lock()
	attach := r.attach
	r.mu.Unlock()

	if attach == nil {
		return nil, ErrNotStarted
	}
	return readFrame(attach.reader)
}

// Alive reports whether the container is still running.
func (r *DockerRunner) Alive() bool {
	r.mu.Lock()
	containerID := r.containerID
	started := r.started
	r.mu.Unlock()

	if !started {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// Stop stops and removes the container. Safe to call more than once.
func (r *DockerRunner) Stop(grace time.Duration) error {
	r.mu.Lock()
	if !r.started || r.stopping {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	containerID := r.containerID
	attach := r.attach
	r.mu.Unlock()

	if attach != nil {
		_ = attach.conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace+30*time.Second)
	defer cancel()

	timeout := int(grace.Seconds())
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Warn("failed to stop engine container", "container_id", containerID, "error", err)
		}
	}

	r.removeContainer(ctx, containerID)
	return nil
}

func (r *DockerRunner) removeContainer(ctx context.Context, containerID string) {
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Warn("failed to remove engine container", "container_id", containerID, "error", err)
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
