//go:build linux

package engine

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/avereen/deskbrain/internal/config"
)

// echoEngine writes a wrapper script that ignores the engine flags and
// echoes stdin back, standing in for a real engine binary.
func echoEngine(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "echo-engine")
	script := "#!/bin/sh\nexec cat\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write wrapper script failed: %v", err)
	}
	return path
}

func TestHostRunnerLifecycle(t *testing.T) {
	t.Parallel()

	cfg := config.EngineConfig{Bin: echoEngine(t)}
	r := NewHostRunner(cfg, Spec{SessionID: "sess-1", UserID: "anon-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if !r.Alive() {
		t.Fatal("process should be alive after start")
	}

	if err := r.WriteLine([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("WriteLine failed: %v", err)
	}
	line, err := r.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine failed: %v", err)
	}
	if string(line) != `{"type":"ping"}` {
		t.Fatalf("unexpected echo: %q", line)
	}

	if err := r.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := r.Stop(time.Second); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if r.Alive() {
		t.Fatal("process still alive after stop")
	}
}

func TestHostRunnerNotStarted(t *testing.T) {
	t.Parallel()

	r := NewHostRunner(config.EngineConfig{Bin: "cat"}, Spec{})
	if err := r.WriteLine([]byte("x")); err != ErrNotStarted {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if _, err := r.ReadLine(); err != ErrNotStarted {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if r.Alive() {
		t.Fatal("unstarted runner must not be alive")
	}
}

func TestReadFrameJoinsLongLines(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 100)
	r := bufio.NewReaderSize(strings.NewReader(long+"\nshort\n"), 16)

	frame, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if string(frame) != long {
		t.Fatalf("long frame mangled: %d bytes", len(frame))
	}

	frame, err = readFrame(r)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if string(frame) != "short" {
		t.Fatalf("unexpected frame: %q", frame)
	}
}

func TestReadFrameReturnsTrailingDataAtEOF(t *testing.T) {
	t.Parallel()

	r := bufio.NewReader(strings.NewReader("no newline"))
	frame, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if string(frame) != "no newline" {
		t.Fatalf("unexpected frame: %q", frame)
	}
}

func TestSpecEnviron(t *testing.T) {
	t.Parallel()

	spec := Spec{SessionID: "sess-1", UserID: "anon-1", TicketRef: "TCK-7"}
	env := spec.Environ()

	joined := strings.Join(env, "\n")
	for _, want := range []string{
		"DESKBRAIN_SESSION_ID=sess-1",
		"DESKBRAIN_USER=anon-1",
		"DESKBRAIN_TICKET=TCK-7",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in %q", want, joined)
		}
	}
	if strings.Contains(joined, "DESKBRAIN_CLIENT") {
		t.Fatal("empty client ref must not be exported")
	}
}
