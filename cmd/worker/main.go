// Package main is the entry point for the campaign worker: task server, periodic scheduler
// and health endpoints in one process.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/forem/forem-sub087/internal/app"
	"github.com/forem/forem-sub087/internal/config"
	"github.com/forem/forem-sub087/internal/jobs"
	"github.com/forem/forem-sub087/internal/monitoring"
	"github.com/forem/forem-sub087/internal/telemetry"
)

const (
	serviceName = "campaign-worker"
	version     = "1.0.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flush, err := app.InitObservability(ctx, cfg, serviceName, version)
	if err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	defer flush()

	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"service":     serviceName,
		"environment": cfg.Environment,
		"deployment":  cfg.DeploymentName,
	})
	logger.Info("Starting campaign worker")

	pipeline, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to build pipeline")
		return
	}
	defer pipeline.Close()

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisURL:        cfg.RedisURL,
		Concurrency:     cfg.Concurrency,
		ShutdownTimeout: shutdownTimeout,
	}, pipeline.Reporter)
	if err != nil {
		logger.WithError(err).Error("Failed to create worker")
		return
	}
	pipeline.Handlers.Register(worker)

	scheduler, err := jobs.NewScheduler(cfg.RedisURL, jobs.Schedules{
		Drip:    cfg.Drip.Schedule,
		Digest:  cfg.Digest.Schedule,
		Survey:  cfg.Survey.Schedule,
		Cleanup: cfg.Cleanup.Schedule,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to create scheduler")
		return
	}

	health := monitoring.NewHealthChecker(serviceName, version, 10*time.Second)
	health.RegisterDatabaseCheck("postgres", pipeline.DB)
	health.RegisterRedisCheck("redis", pipeline.Redis)
	health.RegisterWorkerCheck("worker", worker)

	srv := &http.Server{
		Addr:              cfg.HealthAddress,
		Handler:           monitoring.NewRouter(health, serviceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting task scheduler")
		return scheduler.Run()
	})

	g.Go(func() error {
		logger.WithField("concurrency", cfg.Concurrency).Info("Starting task worker")
		return worker.Run()
	})

	g.Go(func() error {
		logger.WithField("addr", cfg.HealthAddress).Info("Starting health server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down campaign worker")

		scheduler.Shutdown()
		worker.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Campaign worker stopped with error")
		return
	}
	logger.Info("Campaign worker stopped")
}
