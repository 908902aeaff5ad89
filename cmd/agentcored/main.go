// Command agentcored runs the orchestration kernel: the capsule guard,
// policy engine, action queue and worker, runtime supervisor, and the
// admin HTTP surface that fronts them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentrt/agentd/internal/audit"
	"github.com/agentrt/agentd/internal/config"
	"github.com/agentrt/agentd/internal/httpapi"
	"github.com/agentrt/agentd/internal/kernel/actions"
	"github.com/agentrt/agentd/internal/kernel/bus"
	"github.com/agentrt/agentd/internal/kernel/capsule"
	"github.com/agentrt/agentd/internal/kernel/clustersnap"
	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/policy"
	"github.com/agentrt/agentd/internal/kernel/runtime"
	"github.com/agentrt/agentd/internal/kernel/store"
	"github.com/agentrt/agentd/internal/kernel/tools"
	xglog "github.com/agentrt/agentd/internal/log"
)

var (
	version = "0.1.0"
	commit  = "none"
)

func main() {
	xglog.Configure(xglog.Config{Level: "info", Service: "agentd", Version: version})
	logger := xglog.WithComponent("agentcored")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("state_dir", cfg.StateDir).Msg("failed to create state dir")
	}

	st, err := store.Open(filepath.Join(cfg.StateDir, "events.sqlite"), store.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open kernel store")
	}
	defer st.Close()

	b := bus.New()
	emit := events.New(st, b)

	trust := capsule.NewTrustStore()
	if err := trust.LoadFile(cfg.TrustStorePath); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.TrustStorePath).Msg("failed to load trust store")
	}
	stopWatch := make(chan struct{})
	if err := trust.Watch(stopWatch); err != nil {
		logger.Warn().Err(err).Msg("trust store file watch not started")
	}
	defer trust.Close()

	guard := capsule.NewGuard(trust, emit)

	policyEngine := policy.New(st, guard, emit)
	auditLogger := audit.NewLogger()

	registry := runtime.NewRegistry(emit)
	supervisor := runtime.NewSupervisor(registry, emit, runtime.Options{
		HealthInterval:       cfg.RuntimeHealthInterval,
		RestartWindowSeconds: int64(cfg.RuntimeRestartWindow.Seconds()),
		RestartMax:           cfg.RuntimeRestartMax,
	})
	supervisor.RegisterAdapter(runtime.NewProcessAdapter(5 * time.Second))
	supervisor.RegisterAdapter(runtime.NewHTTPAdapter(3 * time.Second))
	supervisor.LoadManifests(ctx, cfg.RuntimeManifestPaths)

	queue := actions.New(st)
	host := tools.NewHost(cfg.StateDir)
	worker := actions.NewWorker(st, host, emit)
	worker.Egress = tools.NewPostureGate(cfg)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(workerCtx) }()

	snapshotter := clustersnap.New(nodeID())

	router := httpapi.NewRouter(httpapi.Deps{
		Config:      cfg,
		Store:       st,
		Bus:         b,
		Emit:        emit,
		Guard:       guard,
		Trust:       trust,
		Policy:      policyEngine,
		Supervisor:  supervisor,
		Queue:       queue,
		Snapshotter: snapshotter,
		Audit:       auditLogger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("addr", cfg.HTTPAddr).
		Str("state_dir", cfg.StateDir).
		Str("security_posture", cfg.SecurityPosture).
		Msg("starting agentcored")

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	workerExited := false
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	case err := <-workerDone:
		workerExited = true
		if err != nil {
			logger.Error().Err(err).Msg("action worker exited")
		}
	}

	close(stopWatch)
	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if !workerExited {
		<-workerDone
	}
	logger.Info().Msg("agentcored exiting")
}

func nodeID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fmt.Sprintf("agentd-%d", os.Getpid())
}
