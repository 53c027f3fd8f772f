package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/avereen/deskbrain/internal/config"
	"github.com/avereen/deskbrain/internal/procattr"
)

// Errors surfaced by runner lifecycle misuse.
var (
	ErrNotStarted     = errors.New("engine process not started")
	ErrAlreadyStarted = errors.New("engine process already started")
)

// maxFrameSize bounds a single NDJSON line. Engine replies can carry
// large action payloads, so this is generous.
const maxFrameSize = 4 * 1024 * 1024

// HostRunner runs the engine binary as a direct subprocess.
type HostRunner struct {
	cfg  config.EngineConfig
	spec Spec

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Reader
	started  bool
	stopping bool
}

// NewHostRunner creates a runner that will launch cfg.Bin on the host.
func NewHostRunner(cfg config.EngineConfig, spec Spec) *HostRunner {
	return &HostRunner{cfg: cfg, spec: spec}
}

// Start launches the engine subprocess.
func (r *HostRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	cmd := exec.CommandContext(ctx, r.cfg.Bin, engineArgs(r.cfg)...)
	cmd.Env = append(os.Environ(), r.spec.Environ()...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	procattr.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("engine binary %q not found: %w", r.cfg.Bin, err)
		}
		return fmt.Errorf("start engine process: %w", err)
	}

	go drainStderr(r.spec.SessionID, stderr)

	r.cmd = cmd
	r.stdin = stdin
	r.stdout = bufio.NewReaderSize(stdout, 64*1024)
	r.started = true

	slog.Info("engine process started",
		"session_id", r.spec.SessionID,
		"pid", cmd.Process.Pid,
		"bin", r.cfg.Bin)
	return nil
}

// WriteLine writes one frame to the engine's stdin.
func (r *HostRunner) WriteLine(line []byte) error {
	r.mu.Lock()
	stdin := r.stdin
	r.mu.Unlock()

	if stdin == nil {
		return ErrNotStarted
	}
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write engine stdin: %w", err)
	}
	return nil
}

// ReadLine blocks until the next stdout line is available.
func (r *HostRunner) ReadLine() ([]byte, error) {
	r.mu.Lock()
	stdout := r.stdout
	r.mu.Unlock()

	if stdout == nil {
		return nil, ErrNotStarted
	}
	return readFrame(stdout)
}

// Alive reports whether the subprocess is still running.
func (r *HostRunner) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.cmd.Process == nil {
		return false
	}
	// Signal 0 probes the process without delivering anything.
	return r.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Stop terminates the subprocess, escalating SIGTERM to SIGKILL after
// the grace period. Safe to call more than once.
func (r *HostRunner) Stop(grace time.Duration) error {
	r.mu.Lock()
	if !r.started || r.stopping {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	cmd := r.cmd
	stdin := r.stdin
	r.mu.Unlock()

	// Closing stdin lets a well-behaved engine exit on its own and
	// unblocks any pending ReadLine with EOF.
	if stdin != nil {
		_ = stdin.Close()
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	if cmd.Process != nil {
		_ = procattr.SignalGroup(cmd.Process, syscall.SIGTERM)
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	if cmd.Process != nil {
		_ = procattr.KillGroup(cmd.Process)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}

// readFrame reads one newline-terminated frame, rejecting lines that
// exceed maxFrameSize.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := readLineChunk(r)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxFrameSize {
			return nil, fmt.Errorf("engine frame exceeds %d bytes", maxFrameSize)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

func readLineChunk(r *bufio.Reader) ([]byte, bool, error) {
	chunk, err := r.ReadSlice('\n')
	switch {
	case err == nil:
		return chunk[:len(chunk)-1], false, nil
	case errors.Is(err, bufio.ErrBufferFull):
		out := make([]byte, len(chunk))
		copy(out, chunk)
		return out, true, nil
	case errors.Is(err, io.EOF) && len(chunk) > 0:
		return chunk, false, nil
	default:
		return nil, false, err
	}
}

func drainStderr(sessionID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		slog.Debug("engine stderr", "session_id", sessionID, "line", scanner.Text())
	}
}
