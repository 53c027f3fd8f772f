package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/avereen/deskbrain/internal/config"
)

// Spec describes one engine process to launch. The identifiers are
// exported to the process environment so engine-side tooling can tag
// its own requests back to the session.
type Spec struct {
	SessionID string
	UserID    string
	Username  string
	TicketRef string
	ClientRef string
}

// Environ renders the spec as environment variable assignments.
func (s Spec) Environ() []string {
	env := []string{
		"DESKBRAIN_SESSION_ID=" + s.SessionID,
		"DESKBRAIN_USER=" + s.UserID,
	}
	if s.TicketRef != "" {
		env = append(env, "DESKBRAIN_TICKET="+s.TicketRef)
	}
	if s.ClientRef != "" {
		env = append(env, "DESKBRAIN_CLIENT="+s.ClientRef)
	}
	return env
}

// Runner is one live engine process with line-oriented stdio. A runner
// is started once, written to and read from across many turns, and
// stopped once.
type Runner interface {
	// Start launches the process. The context should live as long as
	// the session; cancelling it kills the process.
	Start(ctx context.Context) error

	// WriteLine writes one NDJSON frame to the engine's stdin,
	// appending the line terminator.
	WriteLine(line []byte) error

	// ReadLine blocks until the next stdout line is available. It
	// returns io.EOF once the process closes its output.
	ReadLine() ([]byte, error)

	// Alive reports whether the process is still running.
	Alive() bool

	// Stop terminates the process, escalating to a forced kill after
	// the grace period. Stop is idempotent.
	Stop(grace time.Duration) error
}

// Factory builds runners for new sessions according to the configured
// runtime kind.
type Factory func(spec Spec) Runner

// NewFactory selects the runtime implementation from configuration.
func NewFactory(cfg config.EngineConfig) (Factory, error) {
	switch cfg.RuntimeKind {
	case config.RuntimeHost:
		return func(spec Spec) Runner {
			return NewHostRunner(cfg, spec)
		}, nil
	case config.RuntimeDocker:
		cli, err := newDockerClient()
		if err != nil {
			return nil, err
		}
		return func(spec Spec) Runner {
			return NewDockerRunner(cli, cfg, spec)
		}, nil
	default:
		return nil, fmt.Errorf("unknown engine runtime %q", cfg.RuntimeKind)
	}
}

// engineArgs builds the command line for a streaming engine process.
func engineArgs(cfg config.EngineConfig) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--input-format", "stream-json",
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	return args
}
