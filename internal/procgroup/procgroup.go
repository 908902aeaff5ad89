// Package procgroup starts managed-runtime child processes in their own
// process group and reaps the whole group on shutdown, so a runtime adapter
// never has to track grandchildren it didn't spawn directly.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

var (
	// ErrKillFailed is returned when a process group survives both the
	// SIGTERM grace period and the subsequent SIGKILL wait.
	ErrKillFailed = errors.New("procgroup: kill operation failed")
)

// Set configures cmd to start as the leader of a new process group. Call
// before cmd.Start(); KillGroup only reaps correctly for commands started
// this way.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup sends SIGTERM to the process group rooted at pid, waits up to
// grace for it to exit, then escalates to SIGKILL and waits up to timeout
// for that to take effect.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}
