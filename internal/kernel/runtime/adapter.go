package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/platform/httpx"
	"github.com/agentrt/agentd/internal/procgroup"
)

// PrepareContext carries the descriptor an adapter needs to build a launch
// plan.
type PrepareContext struct {
	Descriptor model.RuntimeDescriptor
	Preset     string
}

// PreparedRuntime is what Prepare hands to Launch: a resolved command line
// plus an optional adapter-assigned runtime id override.
type PreparedRuntime struct {
	Command   string
	Args      []string
	RuntimeID string
}

// Handle identifies one launched runtime instance to its adapter for
// subsequent health/shutdown calls. HealthURL is only meaningful to
// HTTPAdapter.
type Handle struct {
	ID        string
	PID       int
	HealthURL string
}

// Metadata is the set of descriptor defaults an adapter contributes when a
// definition omits them.
type Metadata struct {
	Modalities      []string
	DefaultAccel    string
	DefaultProfiles []string
	Tags            map[string]string
}

// Adapter owns the concrete spawn/probe/stop mechanics for one runtime kind.
// Prepare and Launch are split so the supervisor can record "Starting" state
// with the resolved command line before the process actually exists.
type Adapter interface {
	ID() string
	Metadata() Metadata
	Prepare(ctx context.Context, pc PrepareContext) (PreparedRuntime, error)
	Launch(ctx context.Context, prepared PreparedRuntime) (Handle, error)
	Health(ctx context.Context, handle Handle) (model.RuntimeState, error)
	Shutdown(ctx context.Context, handle Handle) error
}

// ProcessAdapter launches runtimes as local child processes, grounded on
// the teacher's ffmpeg runner lifecycle (start, pid capture, graceful
// SIGTERM, SIGKILL after a timeout) generalized from one hardcoded binary
// to an arbitrary descriptor-resolved command line, and on procgroup for the
// actual signal delivery to the whole process group.
type ProcessAdapter struct {
	GraceTimeout time.Duration

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewProcessAdapter constructs a ProcessAdapter with the given graceful
// shutdown window (SIGTERM wait before SIGKILL).
func NewProcessAdapter(graceTimeout time.Duration) *ProcessAdapter {
	if graceTimeout <= 0 {
		graceTimeout = 5 * time.Second
	}
	return &ProcessAdapter{GraceTimeout: graceTimeout, procs: make(map[string]*exec.Cmd)}
}

func (a *ProcessAdapter) ID() string { return "process" }

func (a *ProcessAdapter) Metadata() Metadata {
	return Metadata{Modalities: []string{"text"}}
}

// Prepare resolves the descriptor's tags into a command line. By
// convention a process-adapter descriptor carries `tags["command"]` and,
// optionally, `tags["args"]` as a space-separated argument list — there is
// no richer structured field on RuntimeDescriptor for this, since only this
// adapter needs it.
func (a *ProcessAdapter) Prepare(_ context.Context, pc PrepareContext) (PreparedRuntime, error) {
	command := pc.Descriptor.Tags["command"]
	if command == "" {
		return PreparedRuntime{}, fmt.Errorf("runtime %s: process adapter requires tags[command]", pc.Descriptor.ID)
	}
	var args []string
	if raw := pc.Descriptor.Tags["args"]; raw != "" {
		args = splitArgs(raw)
	}
	return PreparedRuntime{Command: command, Args: args, RuntimeID: pc.Descriptor.ID}, nil
}

func (a *ProcessAdapter) Launch(ctx context.Context, prepared PreparedRuntime) (Handle, error) {
	cmd := exec.Command(prepared.Command, prepared.Args...)
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("launch %s: %w", prepared.Command, err)
	}

	id := prepared.RuntimeID
	a.mu.Lock()
	a.procs[id] = cmd
	a.mu.Unlock()

	return Handle{ID: id, PID: cmd.Process.Pid}, nil
}

func (a *ProcessAdapter) Health(_ context.Context, handle Handle) (model.RuntimeState, error) {
	a.mu.Lock()
	cmd, ok := a.procs[handle.ID]
	a.mu.Unlock()
	if !ok {
		return model.RuntimeError, fmt.Errorf("runtime %s: no tracked process", handle.ID)
	}
	if cmd.ProcessState != nil && cmd.ProcessState.Exited() {
		return model.RuntimeError, fmt.Errorf("runtime %s: process exited (%s)", handle.ID, cmd.ProcessState.String())
	}
	return model.RuntimeReady, nil
}

func (a *ProcessAdapter) Shutdown(_ context.Context, handle Handle) error {
	a.mu.Lock()
	cmd, ok := a.procs[handle.ID]
	delete(a.procs, handle.ID)
	a.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}

	err := procgroup.KillGroup(cmd.Process.Pid, a.GraceTimeout, a.GraceTimeout)
	_ = cmd.Wait()
	return err
}

func splitArgs(raw string) []string {
	var out []string
	var cur []rune
	for _, r := range raw {
		if r == ' ' {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

// HTTPAdapter probes an already-running externally-managed runtime over
// HTTP rather than spawning it; Launch is a no-op that just records the
// descriptor's health-check URL. Grounded on the spec's adapter-plugin
// framing (not every managed runtime is a child process this daemon owns)
// and on httpx.NewClient for the hardened health-probe client.
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter constructs an HTTPAdapter with a timeout-bounded client.
func NewHTTPAdapter(timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{client: httpx.NewClient(timeout)}
}

func (a *HTTPAdapter) ID() string { return "http" }

func (a *HTTPAdapter) Metadata() Metadata {
	return Metadata{Modalities: []string{"text", "vision"}}
}

func (a *HTTPAdapter) Prepare(_ context.Context, pc PrepareContext) (PreparedRuntime, error) {
	healthURL := pc.Descriptor.Tags["health_url"]
	if healthURL == "" {
		return PreparedRuntime{}, fmt.Errorf("runtime %s: http adapter requires tags[health_url]", pc.Descriptor.ID)
	}
	return PreparedRuntime{Command: healthURL, RuntimeID: pc.Descriptor.ID}, nil
}

func (a *HTTPAdapter) Launch(_ context.Context, prepared PreparedRuntime) (Handle, error) {
	return Handle{ID: prepared.RuntimeID, HealthURL: prepared.Command}, nil
}

func (a *HTTPAdapter) Health(ctx context.Context, handle Handle) (model.RuntimeState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.HealthURL, nil)
	if err != nil {
		return model.RuntimeError, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return model.RuntimeError, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return model.RuntimeReady, nil
	}
	return model.RuntimeError, fmt.Errorf("health probe %s returned %d", handle.HealthURL, resp.StatusCode)
}

func (a *HTTPAdapter) Shutdown(context.Context, Handle) error { return nil }
