// Package runtime implements the managed child-runtime lifecycle: installing
// definitions, launching and probing them through a pluggable Adapter,
// restarting within a sliding-window budget, and reconciling against
// reloadable TOML manifests. Grounded on the capsule guard's mutex-guarded
// registry/events.Emitter shape and on the runtime_supervisor reference
// implementation's install/restore/health-loop/manifest-reload mechanics.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/log"
)

// ErrUnknownRuntime is returned by operations addressing a runtime id the
// supervisor has no definition for.
var ErrUnknownRuntime = errors.New("runtime: unknown runtime id")

// ErrMissingAdapter is returned when a definition names an adapter id that
// was never registered.
var ErrMissingAdapter = errors.New("runtime: adapter not registered")

// ErrRestartDenied is returned by Restore when the runtime's restart budget
// has no remaining attempts in the current window.
var ErrRestartDenied = errors.New("runtime: restart budget exhausted")

// Options configures a Supervisor's background behavior.
type Options struct {
	HealthInterval       time.Duration
	RestartWindowSeconds int64
	RestartMax           int
}

type activeRuntime struct {
	adapterID string
	handle    Handle
	cancel    context.CancelFunc
	done      chan struct{}
}

// Supervisor owns every managed runtime's definition, its launched handle
// (if running), and its restart budget. Four maps are guarded by separate
// mutexes — adapters rarely change after startup, definitions and active
// runtimes change together on install/restore/shutdown, restart budgets
// have their own — so a health-loop
// goroutine reading adapters never blocks an install that's only touching
// definitions and active.
type Supervisor struct {
	registry *Registry
	emit     events.Emitter
	options  Options

	adaptersMu sync.RWMutex
	adapters   map[string]Adapter

	defsMu sync.Mutex
	defs   map[string]model.RuntimeDefinition

	activeMu sync.Mutex
	active   map[string]*activeRuntime

	budgetsMu sync.Mutex
	budgets   map[string]*restartBudget
}

// NewSupervisor constructs a Supervisor backed by registry, publishing
// through emit, with options controlling health-check cadence and restart
// budgets for runtimes that don't specify their own.
func NewSupervisor(registry *Registry, emit events.Emitter, options Options) *Supervisor {
	if options.HealthInterval <= 0 {
		options.HealthInterval = 5 * time.Second
	}
	return &Supervisor{
		registry: registry,
		emit:     emit,
		options:  options,
		adapters: make(map[string]Adapter),
		defs:     make(map[string]model.RuntimeDefinition),
		active:   make(map[string]*activeRuntime),
		budgets:  make(map[string]*restartBudget),
	}
}

// RegisterAdapter makes an Adapter available to definitions naming its id.
func (s *Supervisor) RegisterAdapter(a Adapter) {
	s.adaptersMu.Lock()
	s.adapters[a.ID()] = a
	s.adaptersMu.Unlock()
}

func (s *Supervisor) adapter(id string) (Adapter, bool) {
	s.adaptersMu.RLock()
	defer s.adaptersMu.RUnlock()
	a, ok := s.adapters[id]
	return a, ok
}

func definitionRequiresRestart(old, next model.RuntimeDefinition) bool {
	if old.AdapterID != next.AdapterID {
		return true
	}
	od, nd := old.Descriptor, next.Descriptor
	if od.Adapter != nd.Adapter || od.Profile != nd.Profile || od.Accelerator != nd.Accelerator || od.Name != nd.Name {
		return true
	}
	if len(od.Modalities) != len(nd.Modalities) {
		return true
	}
	for i := range od.Modalities {
		if od.Modalities[i] != nd.Modalities[i] {
			return true
		}
	}
	if len(od.Tags) != len(nd.Tags) {
		return true
	}
	for k, v := range od.Tags {
		if nd.Tags[k] != v {
			return true
		}
	}
	return old.Preset != next.Preset
}

// InstallDefinition registers or updates a runtime definition, merging in
// adapter metadata defaults for fields the definition left blank, then
// decides whether to start, restart, or stop the runtime based on
// auto_start, whether it is currently active, and whether anything
// materially changed.
func (s *Supervisor) InstallDefinition(ctx context.Context, def model.RuntimeDefinition) error {
	if a, ok := s.adapter(def.AdapterID); ok {
		meta := a.Metadata()
		if len(def.Descriptor.Modalities) == 0 && len(meta.Modalities) > 0 {
			def.Descriptor.Modalities = meta.Modalities
		}
		if def.Descriptor.Accelerator == "" {
			def.Descriptor.Accelerator = meta.DefaultAccel
		}
		if def.Descriptor.Profile == "" && len(meta.DefaultProfiles) > 0 {
			def.Descriptor.Profile = meta.DefaultProfiles[0]
		}
		if len(meta.Tags) > 0 {
			if def.Descriptor.Tags == nil {
				def.Descriptor.Tags = map[string]string{}
			}
			for k, v := range meta.Tags {
				if _, exists := def.Descriptor.Tags[k]; !exists {
					def.Descriptor.Tags[k] = v
				}
			}
		}
	}

	id := def.Descriptor.ID
	s.registry.registerDescriptor(def)

	s.defsMu.Lock()
	previous, hadPrevious := s.defs[id]
	s.defs[id] = def
	s.defsMu.Unlock()

	s.registry.applyStatus(ctx, id, model.RuntimeOffline, model.SeverityNone, "", s.budgetFor(id).snapshot(time.Now()))

	needsRestart := hadPrevious && definitionRequiresRestart(previous, def)

	s.activeMu.Lock()
	_, isActive := s.active[id]
	s.activeMu.Unlock()

	switch {
	case def.AutoStart && isActive && needsRestart:
		go s.restoreBackground(id, true, "")
	case def.AutoStart && isActive:
		log.WithComponent("runtime").Info().Str("runtime", id).Msg("auto-start ensured: runtime already running")
	case def.AutoStart && !isActive:
		go s.restoreBackground(id, false, "")
	case isActive:
		if err := s.ShutdownRuntime(ctx, id); err != nil {
			log.WithComponent("runtime").Warn().Str("runtime", id).Err(err).Msg("auto-start disabled but runtime shutdown failed")
		}
	}
	return nil
}

// RemoveDefinition drops a definition, shutting down its runtime first if
// active.
func (s *Supervisor) RemoveDefinition(ctx context.Context, id string) error {
	s.defsMu.Lock()
	_, existed := s.defs[id]
	delete(s.defs, id)
	s.defsMu.Unlock()
	if !existed {
		return nil
	}
	if err := s.ShutdownRuntime(ctx, id); err != nil {
		return err
	}
	s.registry.removeDescriptor(id)
	return nil
}

func (s *Supervisor) budgetFor(id string) *restartBudget {
	s.budgetsMu.Lock()
	defer s.budgetsMu.Unlock()
	b, ok := s.budgets[id]
	if !ok {
		b = newRestartBudget(s.options.RestartWindowSeconds, s.options.RestartMax)
		s.budgets[id] = b
	}
	return b
}

func (s *Supervisor) restoreBackground(id string, restart bool, jobID string) {
	ctx := context.Background()
	if err := s.Restore(ctx, id, restart, jobID); err != nil {
		if errors.Is(err, ErrRestartDenied) {
			log.WithComponent("runtime").Warn().Str("runtime", id).Msg("auto-start restart skipped: restart budget exhausted")
			return
		}
		log.WithComponent("runtime").Warn().Str("runtime", id).Err(err).Msg("auto-start restore failed")
	}
}

// Restore (re)launches a runtime: consults its restart budget, optionally
// shuts down a running instance first, prepares and launches via its
// adapter, marks it Starting, and spawns a health-check loop that will
// settle it to Ready or Error. jobID, if non-empty, is echoed on the
// "runtime.restore.completed" event once the first health probe resolves.
func (s *Supervisor) Restore(ctx context.Context, id string, restart bool, jobID string) error {
	s.defsMu.Lock()
	def, ok := s.defs[id]
	s.defsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRuntime, id)
	}
	a, ok := s.adapter(def.AdapterID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingAdapter, def.AdapterID)
	}

	budget := s.budgetFor(id)
	now := time.Now()
	if restart {
		if !budget.allow(now) {
			s.registry.applyStatus(ctx, id, model.RuntimeError, model.SeverityWarn, "restart budget exhausted", budget.snapshot(now))
			return fmt.Errorf("%w: %s", ErrRestartDenied, id)
		}
		budget.record(now)
		_ = s.ShutdownRuntime(ctx, id)
	}

	prepared, err := a.Prepare(ctx, PrepareContext{Descriptor: def.Descriptor, Preset: def.Preset})
	if err != nil {
		s.registry.applyStatus(ctx, id, model.RuntimeError, model.SeverityCrit, err.Error(), budget.snapshot(time.Now()))
		return fmt.Errorf("prepare %s: %w", id, err)
	}

	s.registry.applyStatus(ctx, id, model.RuntimeStarting, model.SeverityNone, "", budget.snapshot(time.Now()))

	handle, err := a.Launch(ctx, prepared)
	if err != nil {
		s.registry.applyStatus(ctx, id, model.RuntimeError, model.SeverityCrit, err.Error(), budget.snapshot(time.Now()))
		return fmt.Errorf("launch %s: %w", id, err)
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	entry := &activeRuntime{adapterID: def.AdapterID, handle: handle, cancel: cancel, done: done}

	s.activeMu.Lock()
	if existing, ok := s.active[id]; ok {
		existing.cancel()
	}
	s.active[id] = entry
	s.activeMu.Unlock()

	go s.runHealthLoop(healthCtx, id, def.AdapterID, handle, jobID, done)

	return nil
}

// ShutdownRuntime cancels the health loop and tells the adapter to stop the
// instance, if one is active. It is a no-op for a runtime that isn't
// running.
func (s *Supervisor) ShutdownRuntime(ctx context.Context, id string) error {
	s.activeMu.Lock()
	entry, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.activeMu.Unlock()
	if !ok {
		return nil
	}

	entry.cancel()
	<-entry.done

	var shutdownErr error
	if a, ok := s.adapter(entry.adapterID); ok {
		shutdownErr = a.Shutdown(ctx, entry.handle)
	}

	budget := s.budgetFor(id)
	s.registry.applyStatus(ctx, id, model.RuntimeOffline, model.SeverityNone, "", budget.snapshot(time.Now()))
	if shutdownErr != nil {
		log.WithComponent("runtime").Warn().Str("runtime", id).Err(shutdownErr).Msg("runtime shutdown reported error")
	}
	return nil
}

func (s *Supervisor) runHealthLoop(ctx context.Context, id, adapterID string, handle Handle, jobID string, done chan struct{}) {
	defer close(done)

	a, ok := s.adapter(adapterID)
	if !ok {
		log.WithComponent("runtime").Warn().Str("runtime", id).Str("adapter", adapterID).Msg("health loop aborted: adapter missing")
		return
	}

	ticker := time.NewTicker(s.options.HealthInterval)
	defer ticker.Stop()

	announced := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := a.Health(ctx, handle)
			budget := s.budgetFor(id).snapshot(time.Now())
			if err == nil {
				s.registry.applyStatus(context.Background(), id, state, model.SeverityNone, "", budget)
				if !announced {
					s.publishRestoreCompleted(id, jobID, true, "")
					announced = true
				}
				continue
			}

			s.registry.applyStatus(context.Background(), id, model.RuntimeError, model.SeverityCrit, err.Error(), budget)
			log.WithComponent("runtime").Warn().Str("runtime", id).Err(err).Msg("runtime reported unhealthy status")
			if !announced {
				s.publishRestoreCompleted(id, jobID, false, err.Error())
			}

			if shutdownErr := a.Shutdown(context.Background(), handle); shutdownErr != nil {
				log.WithComponent("runtime").Warn().Str("runtime", id).Str("adapter", adapterID).Err(shutdownErr).Msg("runtime shutdown after health failure reported error")
			}

			s.activeMu.Lock()
			if existing, ok := s.active[id]; ok && existing.adapterID == adapterID && existing.handle.ID == handle.ID {
				delete(s.active, id)
			}
			s.activeMu.Unlock()

			s.defsMu.Lock()
			def, hasDef := s.defs[id]
			s.defsMu.Unlock()
			if hasDef && def.AutoStart {
				go s.restoreBackground(id, true, "")
			}
			return
		}
	}
}

func (s *Supervisor) publishRestoreCompleted(id, jobID string, ok bool, errMsg string) {
	payload := map[string]any{"runtime": id, "ok": ok}
	if jobID != "" {
		payload["job_id"] = jobID
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if _, err := s.emit.Emit(context.Background(), "runtime.restore.completed", payload); err != nil {
		log.WithComponent("runtime").Warn().Err(err).Msg("failed to emit runtime.restore.completed event")
	}
}

// Snapshot returns the read-model view of every known runtime.
func (s *Supervisor) Snapshot() []model.RuntimeStatus {
	return s.registry.snapshot()
}

// Status returns one runtime's current status.
func (s *Supervisor) Status(id string) (model.RuntimeStatus, bool) {
	return s.registry.get(id)
}

// LoadManifest parses and installs every definition in the TOML file at
// path, then removes any previously installed definition that came from
// this same path but is no longer present.
func (s *Supervisor) LoadManifest(ctx context.Context, path string) error {
	defs, err := readManifestFile(path)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		keep[def.Descriptor.ID] = struct{}{}
		if err := s.InstallDefinition(ctx, def); err != nil {
			return fmt.Errorf("install %s from %s: %w", def.Descriptor.ID, path, err)
		}
	}

	s.removeDefinitionsFromSource(ctx, path, keep)
	return nil
}

// LoadManifests loads every manifest in paths, logging (not failing) on a
// single bad file so one malformed manifest doesn't block the others.
func (s *Supervisor) LoadManifests(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := s.LoadManifest(ctx, p); err != nil {
			log.WithComponent("runtime").Warn().Str("path", p).Err(err).Msg("failed to load runtime manifest")
		}
	}
}

func (s *Supervisor) removeDefinitionsFromSource(ctx context.Context, source string, keep map[string]struct{}) {
	var removed []string
	s.defsMu.Lock()
	for id, def := range s.defs {
		if def.Source != source {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		delete(s.defs, id)
		removed = append(removed, id)
	}
	s.defsMu.Unlock()

	for _, id := range removed {
		if err := s.ShutdownRuntime(ctx, id); err != nil {
			log.WithComponent("runtime").Warn().Str("runtime", id).Err(err).Msg("failed to shut down runtime removed from manifest")
		}
		s.registry.removeDescriptor(id)
	}
}
