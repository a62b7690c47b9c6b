package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pitabwire/util"

	"github.com/pitabwire/inference/config"
	"github.com/pitabwire/inference/engine"
	"github.com/pitabwire/inference/executor"
	"github.com/pitabwire/inference/jobs"
	"github.com/pitabwire/inference/metrics"
	"github.com/pitabwire/inference/registry"
	"github.com/pitabwire/inference/routing"
	"github.com/pitabwire/inference/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := util.Log(ctx).WithField("service", "inference")

	if err := run(ctx, log); err != nil {
		log.WithError(err).Error("service exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, log *util.LogEntry) error {
	cfg, err := config.FromEnv[config.InferenceConfig]()
	if err != nil {
		return err
	}

	db, err := jobs.Open(cfg.DatabaseURL, cfg.JobStorePath)
	if err != nil {
		return err
	}
	if err = jobs.Migrate(db); err != nil {
		return err
	}

	jobService := jobs.NewService(jobs.NewStore(db))

	routes := routing.DefaultRoutes()
	if cfg.RoutingConfigPath != "" {
		routes, err = routing.LoadRoutes(cfg.RoutingConfigPath)
		if err != nil {
			return err
		}
	}
	resolver := routing.NewResolver(routes)

	collector := metrics.NewCollector()

	cpuPool, err := executor.NewPool(ctx, "cpu", cfg.CPUPoolWorkers, collector)
	if err != nil {
		return err
	}
	gpuPool, err := executor.NewPool(ctx, "gpu", cfg.GPUPoolWorkers, collector)
	if err != nil {
		return err
	}

	targets, err := cfg.PolicyTargets()
	if err != nil {
		return err
	}
	policy, err := executor.NewPolicy(
		map[string]*executor.Pool{"cpu": cpuPool, "gpu": gpuPool},
		targets,
		cfg.DefaultPool,
	)
	if err != nil {
		return err
	}
	defer policy.Shutdown()

	eng := engine.New(registry.NewWithDefaults(), resolver, jobService, policy, collector)
	async := engine.NewAsync(eng)

	srv := server.New(eng, async, collector, server.Options{
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})

	httpServer := &http.Server{
		Addr:              cfg.ServerPort,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ServerPort).Info("inference service listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
