//go:build linux

package procattr

import (
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestSetConfiguresProcessGroup(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sleep", "30")
	Set(cmd)

	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatal("expected Setpgid to be set")
	}
	if cmd.SysProcAttr.Pdeathsig != syscall.SIGTERM {
		t.Fatalf("expected Pdeathsig SIGTERM, got %v", cmd.SysProcAttr.Pdeathsig)
	}
}

func TestSignalGroupTerminatesChild(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sleep", "30")
	Set(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep failed: %v", err)
	}

	if err := SignalGroup(cmd.Process, syscall.SIGTERM); err != nil {
		t.Fatalf("SignalGroup failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = KillGroup(cmd.Process)
		t.Fatal("process group did not terminate on SIGTERM")
	}
}

func TestSignalGroupNilProcessIsNoop(t *testing.T) {
	t.Parallel()

	if err := SignalGroup(nil, syscall.SIGTERM); err != nil {
		t.Fatalf("nil process should be a no-op, got %v", err)
	}
	if err := KillGroup(nil); err != nil {
		t.Fatalf("nil process should be a no-op, got %v", err)
	}
}
