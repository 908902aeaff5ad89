package procgroup

import (
	"os/exec"
	"testing"
	"time"
)

func TestKillGroupNonexistentPID(t *testing.T) {
	if err := KillGroup(-1, 10*time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatalf("KillGroup(-1): unexpected error %v", err)
	}
	if err := KillGroup(0, 10*time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatalf("KillGroup(0): unexpected error %v", err)
	}
}

func TestKillGroupLiveProcess(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	Set(cmd)
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot spawn sleep: %v", err)
	}

	err := KillGroup(cmd.Process.Pid, 50*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("KillGroup: unexpected error %v", err)
	}
	_ = cmd.Wait()
}
