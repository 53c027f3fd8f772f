//go:build !linux

// Package procattr configures engine subprocesses so they cannot
// outlive the broker.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the child in its own process group. Pdeathsig is Linux-only,
// so on other platforms cleanup relies on group signalling alone.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
