package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/forem/forem-sub087/internal/campaigns"
	apperrors "github.com/forem/forem-sub087/internal/errors"
	"github.com/forem/forem-sub087/internal/lock"
	"github.com/forem/forem-sub087/internal/telemetry"
	"github.com/forem/forem-sub087/internal/throttle"
)

// CampaignDispatcher fans a campaign out into batches.
type CampaignDispatcher interface {
	Dispatch(ctx context.Context, campaignID int64) (campaigns.DispatchResult, error)
}

// BatchDeliverer delivers one batch.
type BatchDeliverer interface {
	Deliver(ctx context.Context, batch campaigns.Batch) (campaigns.DeliveryStats, error)
}

// ScheduledRun is a periodic flow that sends directly.
type ScheduledRun interface {
	Run(ctx context.Context, now time.Time) (campaigns.DeliveryStats, error)
}

// DigestFanout enqueues one digest task per eligible user.
type DigestFanout interface {
	Run(ctx context.Context) (int, error)
}

// DigestSender sends one user's digest.
type DigestSender interface {
	Send(ctx context.Context, userID int64) (bool, error)
}

// LedgerCleaner purges old delivery records.
type LedgerCleaner interface {
	Run(ctx context.Context, now time.Time) (int64, error)
}

// Requeuer re-enqueues a task under its identity reservation.
type Requeuer interface {
	Requeue(ctx context.Context, task *asynq.Task) error
}

// Registrar accepts task handlers. *Worker implements it.
type Registrar interface {
	RegisterHandler(taskType string, handler asynq.Handler)
}

// Services are the pipeline flows the handlers run.
type Services struct {
	Dispatcher   CampaignDispatcher
	Batches      BatchDeliverer
	Drip         ScheduledRun
	DigestFanout DigestFanout
	Digests      DigestSender
	Surveys      ScheduledRun
	Cleanup      LedgerCleaner
}

// Handlers adapts Services to asynq. Batch and digest tasks run under an identity lock, batches
// share a global throttle, and survey sampling runs as a singleton.
type Handlers struct {
	services    Services
	locker      *lock.Locker
	requeuer    Requeuer
	batchSlots  *throttle.Semaphore
	surveySlots *throttle.Semaphore
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// NewHandlers creates the task handlers.
func NewHandlers(services Services, locker *lock.Locker, requeuer Requeuer,
	batchSlots, surveySlots *throttle.Semaphore, metrics *telemetry.Metrics) *Handlers {
	return &Handlers{
		services:    services,
		locker:      locker,
		requeuer:    requeuer,
		batchSlots:  batchSlots,
		surveySlots: surveySlots,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Register installs every handler on r.
func (h *Handlers) Register(r Registrar) {
	r.RegisterHandler(TypeCampaignDispatch, h.instrument(h.handleDispatch))
	r.RegisterHandler(TypeCampaignBatch, h.instrument(h.withIdentityLock(h.withThrottle(h.handleBatch))))
	r.RegisterHandler(TypeDripSchedule, h.instrument(h.handleDrip))
	r.RegisterHandler(TypeDigestSchedule, h.instrument(h.handleDigestFanout))
	r.RegisterHandler(TypeDigestSend, h.instrument(h.withIdentityLock(h.handleDigestSend)))
	r.RegisterHandler(TypeSurveySampling, h.instrument(h.singleton(h.surveySlots, h.handleSurveys)))
	r.RegisterHandler(TypeLedgerCleanup, h.instrument(h.handleCleanup))
}

func (h *Handlers) handleDispatch(ctx context.Context, t *asynq.Task) error {
	var p DispatchPayload
	if err := decodePayload(t, &p); err != nil {
		return err
	}
	_, err := h.services.Dispatcher.Dispatch(ctx, p.CampaignID)
	return err
}

func (h *Handlers) handleBatch(ctx context.Context, t *asynq.Task) error {
	var batch campaigns.Batch
	if err := decodePayload(t, &batch); err != nil {
		return err
	}
	_, err := h.services.Batches.Deliver(ctx, batch)
	return err
}

func (h *Handlers) handleDrip(ctx context.Context, _ *asynq.Task) error {
	_, err := h.services.Drip.Run(ctx, h.now())
	return err
}

func (h *Handlers) handleDigestFanout(ctx context.Context, _ *asynq.Task) error {
	n, err := h.services.DigestFanout.Run(ctx)
	if err != nil {
		return err
	}
	telemetry.LogFromContext(ctx).WithField("enqueued", n).Info("Digest fan-out complete")
	return nil
}

func (h *Handlers) handleDigestSend(ctx context.Context, t *asynq.Task) error {
	var p DigestPayload
	if err := decodePayload(t, &p); err != nil {
		return err
	}
	_, err := h.services.Digests.Send(ctx, p.UserID)
	return err
}

func (h *Handlers) handleSurveys(ctx context.Context, _ *asynq.Task) error {
	_, err := h.services.Surveys.Run(ctx, h.now())
	return err
}

// RunSurveys runs survey sampling in-process under the same singleton slot the scheduled task
// takes. ran is false when another execution holds the slot.
func (h *Handlers) RunSurveys(ctx context.Context) (stats campaigns.DeliveryStats, ran bool, err error) {
	run := func(ctx context.Context, _ *asynq.Task) error {
		ran = true
		var runErr error
		stats, runErr = h.services.Surveys.Run(ctx, h.now())
		return runErr
	}
	err = h.singleton(h.surveySlots, run)(ctx, NewPeriodicTask(TypeSurveySampling))
	return stats, ran, err
}

func (h *Handlers) handleCleanup(ctx context.Context, _ *asynq.Task) error {
	deleted, err := h.services.Cleanup.Run(ctx, h.now())
	if err != nil {
		return err
	}
	telemetry.LogFromContext(ctx).WithField("deleted", deleted).Info("Ledger cleanup finished")
	return nil
}

// instrument gives each execution a correlation id and span, records task metrics, and marks
// errors that would fail the same way again as not retryable.
func (h *Handlers) instrument(next asynq.HandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx = telemetry.WithCorrelationID(ctx, telemetry.NewCorrelationID())
		taskID, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)

		ctx, span := telemetry.StartSpan(ctx, "task "+t.Type(),
			attribute.String("task.type", t.Type()),
			attribute.String("task.id", taskID),
			attribute.Int("task.retry", retried),
		)
		defer span.End()

		log := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
			"task_type": t.Type(),
			"task_id":   taskID,
			"retry":     retried,
		})

		start := time.Now()
		err := next(ctx, t)
		elapsed := time.Since(start)
		h.metrics.RecordTask(ctx, t.Type(), elapsed, err)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.WithError(err).WithField("duration_ms", elapsed.Milliseconds()).Error("Task failed")
			if !apperrors.IsRetryable(err) {
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return err
		}

		log.WithField("duration_ms", elapsed.Milliseconds()).Debug("Task completed")
		return nil
	}
}

// withIdentityLock runs next while holding the task's running lock. A duplicate arriving while
// the lock is held flags a rerun and returns; the holder re-enqueues the task once on release.
func (h *Handlers) withIdentityLock(next asynq.HandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		key := lock.Key(t.Type(), t.Payload())
		log := telemetry.LogFromContext(ctx).WithField("lock_key", key)

		lease, err := h.locker.Acquire(ctx, key)
		if err != nil {
			return err
		}
		if lease == nil {
			log.Info("Identical task running, rerun requested")
			return nil
		}

		runErr := next(ctx, t)

		releaseCtx := context.WithoutCancel(ctx)
		rerun, err := lease.Release(releaseCtx)
		if err != nil {
			log.WithError(err).Warn("Failed to release identity lock")
		}
		if rerun {
			if err := h.requeuer.Requeue(releaseCtx, asynq.NewTask(t.Type(), t.Payload())); err != nil {
				log.WithError(err).Error("Failed to enqueue rerun")
			} else {
				log.Info("Rerun enqueued")
			}
		}
		return runErr
	}
}

// withThrottle waits for a batch slot before running next.
func (h *Handlers) withThrottle(next asynq.HandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		slot, err := h.batchSlots.Acquire(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := slot.Release(context.WithoutCancel(ctx)); err != nil {
				telemetry.LogFromContext(ctx).WithError(err).Warn("Failed to release throttle slot")
			}
		}()
		return next(ctx, t)
	}
}

// singleton runs next only if no other execution holds sem. Otherwise it returns immediately.
func (h *Handlers) singleton(sem *throttle.Semaphore, next asynq.HandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		slot, err := sem.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if slot == nil {
			telemetry.LogFromContext(ctx).WithField("task_type", t.Type()).Info("Already running, skipped")
			return nil
		}
		defer func() {
			if err := slot.Release(context.WithoutCancel(ctx)); err != nil {
				telemetry.LogFromContext(ctx).WithError(err).Warn("Failed to release throttle slot")
			}
		}()
		return next(ctx, t)
	}
}
