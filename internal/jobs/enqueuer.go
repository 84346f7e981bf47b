package jobs

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/forem/forem-sub087/internal/campaigns"
	apperrors "github.com/forem/forem-sub087/internal/errors"
	"github.com/forem/forem-sub087/internal/lock"
	"github.com/forem/forem-sub087/internal/telemetry"
)

// TaskClient is the subset of *asynq.Client used to enqueue.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer puts pipeline tasks on the queue. Batch and digest tasks take an identity
// reservation first, so an identical task already waiting in the queue is not enqueued twice.
type Enqueuer struct {
	client TaskClient
	locker *lock.Locker
}

// NewEnqueuer creates an enqueuer.
func NewEnqueuer(client TaskClient, locker *lock.Locker) *Enqueuer {
	return &Enqueuer{client: client, locker: locker}
}

// EnqueueDispatch schedules a campaign fan-out.
func (e *Enqueuer) EnqueueDispatch(ctx context.Context, campaignID int64) error {
	task, err := NewDispatchTask(campaignID)
	if err != nil {
		return err
	}
	return e.enqueue(ctx, task)
}

// EnqueueBatch schedules delivery of one batch.
func (e *Enqueuer) EnqueueBatch(ctx context.Context, batch campaigns.Batch) error {
	task, err := NewBatchTask(batch)
	if err != nil {
		return err
	}
	return e.Requeue(ctx, task)
}

// EnqueueDigest schedules one user's digest.
func (e *Enqueuer) EnqueueDigest(ctx context.Context, userID int64) error {
	task, err := NewDigestSendTask(userID)
	if err != nil {
		return err
	}
	return e.Requeue(ctx, task)
}

// Enqueue schedules a task without an identity reservation.
func (e *Enqueuer) Enqueue(ctx context.Context, task *asynq.Task) error {
	return e.enqueue(ctx, task)
}

// Requeue enqueues task under its identity reservation. It is a no-op when an identical task is
// already queued.
func (e *Enqueuer) Requeue(ctx context.Context, task *asynq.Task) error {
	key := lock.Key(task.Type(), task.Payload())

	reserved, err := e.locker.Reserve(ctx, key)
	if err != nil {
		return err
	}
	if !reserved {
		telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
			"task_type": task.Type(),
			"lock_key":  key,
		}).Debug("Identical task already queued, not enqueued")
		return nil
	}

	if err := e.enqueue(ctx, task); err != nil {
		if uerr := e.locker.Unreserve(ctx, key); uerr != nil {
			telemetry.LogFromContext(ctx).WithError(uerr).WithField("lock_key", key).Warn("Failed to drop reservation")
		}
		return err
	}
	return nil
}

func (e *Enqueuer) enqueue(ctx context.Context, task *asynq.Task) error {
	_, err := e.client.EnqueueContext(ctx, task, OptionsFor(task.Type())...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return apperrors.NewCacheError("enqueue_task", err).WithMetadata("task_type", task.Type())
	}
	return nil
}
