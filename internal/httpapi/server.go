// Package httpapi wires the kernel's internal services onto the external
// HTTP surface documented in spec.md §6: capsule state, emergency teardown,
// action submission, runtime restore/shutdown, the actions and episodes
// read-models, the trust store reload hook, and the SSE event stream. It
// is the one place in the tree that knows about chi, problem+json, and
// bearer-token admin auth; every handler otherwise just calls straight
// into the already-tested kernel packages.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentrt/agentd/internal/audit"
	"github.com/agentrt/agentd/internal/config"
	"github.com/agentrt/agentd/internal/control/auth"
	"github.com/agentrt/agentd/internal/control/middleware"
	"github.com/agentrt/agentd/internal/kernel/actions"
	"github.com/agentrt/agentd/internal/kernel/bus"
	"github.com/agentrt/agentd/internal/kernel/capsule"
	"github.com/agentrt/agentd/internal/kernel/clustersnap"
	"github.com/agentrt/agentd/internal/kernel/correlation"
	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/policy"
	"github.com/agentrt/agentd/internal/kernel/runtime"
	"github.com/agentrt/agentd/internal/kernel/store"
)

// Deps are the already-constructed kernel services the router dispatches
// into. Every field is required; NewRouter does not default any of them.
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Bus         *bus.Bus
	Emit        events.Emitter
	Guard       *capsule.Guard
	Trust       *capsule.TrustStore
	Policy      *policy.Engine
	Supervisor  *runtime.Supervisor
	Queue       *actions.Queue
	Snapshotter *clustersnap.Snapshotter
	Audit       *audit.Logger
}

// NewRouter assembles the admin HTTP surface. Capsule admission runs on
// every request ahead of routing; admin-token auth and rate limiting are
// applied as middleware on the admin route group, while capability checks
// are applied per-route inside the handlers themselves, since different
// routes require different capabilities (or none, for read-only state).
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(correlation.Middleware)
	r.Use(middleware.SecurityHeaders("default-src 'self'", nil))
	r.Use(middleware.CORS(nil, false))
	r.Use(middleware.Metrics())
	r.Use(middleware.Tracing("agentd.httpapi"))
	r.Use(d.Guard.Middleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", d.handleHealthz)

	r.Group(func(admin chi.Router) {
		admin.Use(httprate.LimitByIP(60, time.Minute))
		admin.Use(d.requireAdminToken)

		admin.Get("/state/policy/capsules", d.handleListCapsules)
		admin.Post("/admin/policy/capsules/teardown", d.handleTeardownCapsules)

		admin.Post("/actions", d.handleSubmitAction)

		admin.Post("/orchestrator/runtimes/{id}/restore", d.handleRestoreRuntime)
		admin.Post("/orchestrator/runtimes/{id}/shutdown", d.handleShutdownRuntime)
		admin.Get("/state/runtime_supervisor", d.handleRuntimeSupervisor)
		admin.Get("/state/cluster", d.handleCluster)

		admin.Get("/state/actions", d.handleListActions)
		admin.Get("/state/episodes", d.handleEpisodes)

		admin.Post("/admin/rpu/reload", d.handleRPUReload)

		admin.Get("/events", d.handleEvents)
	})

	return r
}

// requireAdminToken gates a route group behind config.AdminToken. A blank
// AdminToken is a misconfiguration, not an open door: every admin request
// is rejected until an operator sets ARW_ADMIN_TOKEN.
func (d Deps) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.Config.AdminToken == "" || !auth.AuthorizeRequest(r, d.Config.AdminToken) {
			d.Audit.AuthFailure(r.RemoteAddr, r.URL.Path, "missing or invalid admin token")
			writeKernelError(w, r, unauthorized("missing or invalid admin token"))
			return
		}
		principal := auth.NewPrincipal(auth.ExtractToken(r), "local-admin", nil)
		d.Audit.AuthSuccess(r.RemoteAddr, r.URL.Path)
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}
