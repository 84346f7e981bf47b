// Package jobs runs the campaign pipeline on asynq: task types, payloads, the enqueuer, handlers,
// the worker server and the periodic scheduler.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/forem/forem-sub087/internal/campaigns"
	apperrors "github.com/forem/forem-sub087/internal/errors"
	"github.com/forem/forem-sub087/internal/throttle"
)

// Task type identifiers
const (
	TypeCampaignDispatch = "campaign:dispatch"
	TypeCampaignBatch    = "campaign:batch"
	TypeDripSchedule     = "drip:schedule"
	TypeDigestSchedule   = "digest:schedule"
	TypeDigestSend       = "digest:send"
	TypeSurveySampling   = "survey:sampling"
	TypeLedgerCleanup    = "ledger:cleanup"
)

// Queue names, weighted by the worker.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// surveyUniqueTTL keeps a second scheduled sampling run out of the queue while one is pending.
const surveyUniqueTTL = time.Hour

// SurveyRunTimeout bounds one survey sampling execution.
const SurveyRunTimeout = 2 * time.Hour

// NewSurveySlots creates the survey sampling singleton. The lease outlives the task timeout so a
// long run keeps its slot until asynq cancels it.
func NewSurveySlots(client redis.Cmdable, poll time.Duration) *throttle.Semaphore {
	return throttle.NewSemaphore(client, "survey_sampling", 1, SurveyRunTimeout+time.Minute, poll)
}

// DispatchPayload is the campaign:dispatch argument.
type DispatchPayload struct {
	CampaignID int64 `json:"campaign_id"`
}

// DigestPayload is the digest:send argument.
type DigestPayload struct {
	UserID int64 `json:"user_id"`
}

// OptionsFor returns the retry and queue policy of a task type.
func OptionsFor(taskType string) []asynq.Option {
	switch taskType {
	case TypeCampaignDispatch:
		return []asynq.Option{asynq.MaxRetry(5), asynq.Queue(QueueCritical)}
	case TypeCampaignBatch:
		return []asynq.Option{asynq.MaxRetry(3), asynq.Queue(QueueDefault)}
	case TypeDripSchedule:
		return []asynq.Option{asynq.MaxRetry(2), asynq.Queue(QueueDefault)}
	case TypeDigestSchedule:
		return []asynq.Option{asynq.MaxRetry(2), asynq.Queue(QueueLow)}
	case TypeDigestSend:
		return []asynq.Option{asynq.MaxRetry(0), asynq.Queue(QueueLow)}
	case TypeSurveySampling:
		return []asynq.Option{asynq.MaxRetry(2), asynq.Queue(QueueDefault),
			asynq.Unique(surveyUniqueTTL), asynq.Timeout(SurveyRunTimeout)}
	case TypeLedgerCleanup:
		return []asynq.Option{asynq.MaxRetry(3), asynq.Queue(QueueLow)}
	default:
		return nil
	}
}

// NewDispatchTask builds a campaign:dispatch task.
func NewDispatchTask(campaignID int64) (*asynq.Task, error) {
	return newJSONTask(TypeCampaignDispatch, DispatchPayload{CampaignID: campaignID})
}

// NewBatchTask builds a campaign:batch task.
func NewBatchTask(batch campaigns.Batch) (*asynq.Task, error) {
	return newJSONTask(TypeCampaignBatch, batch)
}

// NewDigestSendTask builds a digest:send task.
func NewDigestSendTask(userID int64) (*asynq.Task, error) {
	return newJSONTask(TypeDigestSend, DigestPayload{UserID: userID})
}

// NewPeriodicTask builds an argument-less scheduled task.
func NewPeriodicTask(taskType string) *asynq.Task {
	return asynq.NewTask(taskType, nil, OptionsFor(taskType)...)
}

func newJSONTask(taskType string, payload interface{}) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return asynq.NewTask(taskType, data, OptionsFor(taskType)...), nil
}

func decodePayload(t *asynq.Task, v interface{}) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return apperrors.NewValidationError("payload", fmt.Sprintf("malformed %s payload: %v", t.Type(), err))
	}
	return nil
}
