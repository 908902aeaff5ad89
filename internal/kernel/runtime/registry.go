package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/readmodel"
	"github.com/agentrt/agentd/internal/log"
)

// ReadModelName is the read-model id this registry publishes snapshot
// patches under.
const ReadModelName = "runtime_supervisor"

// Registry holds the read-model view of every known runtime: its descriptor
// and its last-observed status. The Supervisor is the only writer; HTTP
// handlers and the read-model publisher only ever read a Snapshot.
type Registry struct {
	mu       sync.Mutex
	statuses map[string]model.RuntimeStatus
	emit     events.Emitter
	rm       *readmodel.Publisher
}

// NewRegistry constructs an empty Registry that publishes read-model
// patches through emit.
func NewRegistry(emit events.Emitter) *Registry {
	return &Registry{
		statuses: make(map[string]model.RuntimeStatus),
		emit:     emit,
		rm:       readmodel.NewPublisher(),
	}
}

// ReadModel returns the publisher backing this registry's runtime_supervisor
// read-model, so the HTTP surface can serve a bootstrap GET from the same
// version-tracked snapshot the SSE patch stream publishes.
func (r *Registry) ReadModel() *readmodel.Publisher { return r.rm }

// registerDescriptor seeds or updates a runtime's descriptor without
// touching its observed state, for a freshly installed definition.
func (r *Registry) registerDescriptor(def model.RuntimeDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.statuses[def.Descriptor.ID]
	if !ok {
		existing = model.RuntimeStatus{State: model.RuntimeOffline}
	}
	existing.Definition = def
	existing.UpdatedMs = time.Now().UnixMilli()
	r.statuses[def.Descriptor.ID] = existing
}

// removeDescriptor drops a runtime entirely from the read-model.
func (r *Registry) removeDescriptor(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.statuses, id)
}

// applyStatus merges a (possibly partial) status update into the registry
// and republishes the full snapshot as a read-model patch.
func (r *Registry) applyStatus(ctx context.Context, id string, state model.RuntimeState, severity model.RuntimeSeverity, lastError string, budget model.RestartBudget) {
	r.mu.Lock()
	existing, ok := r.statuses[id]
	if !ok {
		existing = model.RuntimeStatus{}
	}
	existing.State = state
	existing.Severity = severity
	existing.LastError = lastError
	existing.RestartBudget = budget
	existing.UpdatedMs = time.Now().UnixMilli()
	r.statuses[id] = existing
	r.mu.Unlock()

	r.publishSnapshotPatch(ctx)
}

// snapshot returns every known runtime's status, sorted by id for stable
// output.
func (r *Registry) snapshot() []model.RuntimeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.RuntimeStatus, 0, len(r.statuses))
	for _, v := range r.statuses {
		out = append(out, v)
	}
	sortStatuses(out)
	return out
}

// get returns one runtime's current status.
func (r *Registry) get(id string) (model.RuntimeStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.statuses[id]
	return v, ok
}

func (r *Registry) publishSnapshotPatch(ctx context.Context) {
	snap := r.snapshot()
	view := map[string]any{"runtimes": snap, "count": len(snap)}
	if _, err := r.rm.Publish(ctx, r.emit, ReadModelName, view); err != nil {
		log.WithComponent("runtime").Warn().Err(err).Msg("failed to publish runtime_supervisor read-model patch")
	}
}

func sortStatuses(items []model.RuntimeStatus) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Definition.Descriptor.ID < items[j-1].Definition.Descriptor.ID; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
