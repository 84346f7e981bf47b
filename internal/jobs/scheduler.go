package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/forem/forem-sub087/internal/telemetry"
)

// Schedules maps each periodic task to its cron expression.
type Schedules struct {
	Drip    string
	Digest  string
	Survey  string
	Cleanup string
}

func (s Schedules) entries() []struct{ spec, taskType string } {
	return []struct{ spec, taskType string }{
		{s.Drip, TypeDripSchedule},
		{s.Digest, TypeDigestSchedule},
		{s.Survey, TypeSurveySampling},
		{s.Cleanup, TypeLedgerCleanup},
	}
}

// Scheduler manages periodic job scheduling using asynq.
type Scheduler struct {
	scheduler *asynq.Scheduler
	done      chan struct{}
	stopOnce  sync.Once
}

// NewScheduler creates a scheduler with every periodic task registered. An empty cron
// expression leaves that task unscheduled.
func NewScheduler(redisURL string, schedules Schedules) (*Scheduler, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger: telemetry.GetGlobalLogger().Logger,
	})

	log := telemetry.LogFromContext(context.Background())
	for _, e := range schedules.entries() {
		if e.spec == "" {
			continue
		}
		if _, err := scheduler.Register(e.spec, NewPeriodicTask(e.taskType)); err != nil {
			return nil, fmt.Errorf("register %s (%q): %w", e.taskType, e.spec, err)
		}
		log.WithFields(map[string]interface{}{
			"task_type": e.taskType,
			"schedule":  e.spec,
		}).Info("Registered periodic task")
	}

	return &Scheduler{scheduler: scheduler, done: make(chan struct{})}, nil
}

// Run starts the scheduler. Blocks until Shutdown.
func (s *Scheduler) Run() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	<-s.done
	return nil
}

// Shutdown gracefully stops the scheduler.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() {
		s.scheduler.Shutdown()
		close(s.done)
	})
}
