package runtime

import (
	"sync"
	"time"

	"github.com/agentrt/agentd/internal/kernel/model"
)

// restartBudget tracks a sliding-window restart allowance for one runtime: at
// most maxRestarts attempts within windowSeconds. Recorded attempts beyond
// the window reset used to 0 the moment the window rolls, rather than
// decaying individual attempts one at a time, mirroring the spec's "reset
// used to 0 atomically when the window rolls" rule rather than the
// event-pruning sliding window used elsewhere in this codebase (see
// resilience.CircuitBreaker), whose per-event prune doesn't apply here since
// the spec's window has exactly one counter, not a rate over distinct event
// kinds.
type restartBudget struct {
	mu            sync.Mutex
	windowSeconds int64
	maxRestarts   int
	used          int
	windowStart   time.Time
}

func newRestartBudget(windowSeconds int64, maxRestarts int) *restartBudget {
	if windowSeconds <= 0 {
		windowSeconds = 600
	}
	if maxRestarts <= 0 {
		maxRestarts = 3
	}
	return &restartBudget{windowSeconds: windowSeconds, maxRestarts: maxRestarts}
}

// allow reports whether a restart attempt is permitted right now, rolling
// the window first if it has elapsed.
func (b *restartBudget) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(now)
	return b.used < b.maxRestarts
}

// record consumes one restart attempt against the budget. Call only after
// allow has returned true for the same attempt.
func (b *restartBudget) record(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(now)
	b.used++
}

func (b *restartBudget) rollLocked(now time.Time) {
	if b.windowStart.IsZero() {
		b.windowStart = now
		return
	}
	if now.Sub(b.windowStart) >= time.Duration(b.windowSeconds)*time.Second {
		b.windowStart = now
		b.used = 0
	}
}

// snapshot returns the current budget state for the read-model.
func (b *restartBudget) snapshot(now time.Time) model.RestartBudget {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(now)

	remaining := b.maxRestarts - b.used
	if remaining < 0 {
		remaining = 0
	}
	snap := model.RestartBudget{
		WindowSeconds: b.windowSeconds,
		MaxRestarts:   b.maxRestarts,
		Used:          b.used,
		Remaining:     remaining,
	}
	if !b.windowStart.IsZero() {
		resetAt := b.windowStart.Add(time.Duration(b.windowSeconds) * time.Second).UnixMilli()
		snap.ResetAt = &resetAt
	}
	return snap
}
