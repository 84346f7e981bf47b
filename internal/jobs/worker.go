package jobs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"

	"github.com/forem/forem-sub087/internal/errorreport"
	"github.com/forem/forem-sub087/internal/telemetry"
)

// WorkerConfig configures the task server.
type WorkerConfig struct {
	RedisURL        string
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Worker processes async tasks.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	isRunning atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
}

// NewWorker creates a new task worker. Failures that exhaust their retries are sent to reporter.
func NewWorker(cfg WorkerConfig, reporter errorreport.Reporter) (*Worker, error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueDefault:  6,
			QueueCritical: 10,
			QueueLow:      1,
		},
		Logger:          telemetry.GetGlobalLogger().Logger,
		ShutdownTimeout: cfg.ShutdownTimeout,
		ErrorHandler:    exhaustedReporter(reporter),
	})

	return &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		done:   make(chan struct{}),
	}, nil
}

// exhaustedReporter reports a task failure once no retry is left.
func exhaustedReporter(reporter errorreport.Reporter) asynq.ErrorHandlerFunc {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
			return
		}
		if reporter == nil {
			return
		}
		taskID, _ := asynq.GetTaskID(ctx)
		reporter.Report(ctx, err,
			map[string]string{"task_type": task.Type(), "retried": strconv.Itoa(retried)},
			map[string]interface{}{"task_id": taskID, "payload": string(task.Payload())},
		)
	}
}

// RegisterHandler registers a task handler for a task type.
func (w *Worker) RegisterHandler(taskType string, handler asynq.Handler) {
	w.mux.Handle(taskType, handler)
	telemetry.LogFromContext(context.Background()).WithField("task_type", taskType).Info("Registered task handler")
}

// Run starts the worker server. Blocks until Shutdown; signal handling is left to the caller.
func (w *Worker) Run() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	w.isRunning.Store(true)
	<-w.done
	return nil
}

// Shutdown gracefully stops the worker, waiting for in-flight tasks up to the shutdown timeout.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() {
		w.isRunning.Store(false)
		w.server.Shutdown()
		close(w.done)
	})
}

// IsHealthy returns true if the worker is running and healthy.
func (w *Worker) IsHealthy() bool {
	return w.isRunning.Load()
}
