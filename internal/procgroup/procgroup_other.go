//go:build !linux

package procgroup

import (
	"os"
	"os/exec"
	"time"

	"github.com/agentrt/agentd/internal/log"
)

func set(cmd *exec.Cmd) {
	// Best-effort only: non-Linux targets don't get group-wide signal
	// delivery, just a direct signal to the root process.
}

func killGroup(pid int, grace, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}

	logger := log.WithComponent("procgroup")
	logger.Debug().Int("pid", pid).Msg("sending interrupt to runtime process (non-linux fallback)")
	_ = proc.Signal(os.Interrupt)

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = proc.Kill()
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrKillFailed
	}
}
