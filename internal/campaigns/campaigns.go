// Package campaigns holds the bulk email pipeline: campaign fan-out, batch delivery, onboarding
// drips, periodic digests, survey sampling and ledger retention.
//
// Services here are plain structs over small collaborator interfaces. They reach the job
// substrate only through the enqueuer interfaces and never take locks; internal/jobs wraps them
// in task handlers that add throttling, identity locks and retries.
package campaigns

import (
	"context"
	"time"

	"github.com/forem/forem-sub087/internal/database"
	"github.com/forem/forem-sub087/internal/repository"
)

// Flow names used on logs and the delivery counter.
const (
	FlowCampaign = "campaign"
	FlowDrip     = "drip"
	FlowDigest   = "digest"
	FlowSurvey   = "survey"
)

// Batch is one slice of a campaign audience plus the fields needed to send to it. It is the
// payload of a campaign:batch task and is never persisted.
type Batch struct {
	CampaignID   int64   `json:"campaign_id"`
	RecipientIDs []int64 `json:"recipient_ids"`
	Subject      string  `json:"subject"`
	Body         string  `json:"body"`
	TypeOf       string  `json:"type_of"`
	FromName     string  `json:"from_name,omitempty"`
}

// DeliveryStats counts per-recipient outcomes of one run.
type DeliveryStats struct {
	Sent    int
	Skipped int
	Failed  int
}

func (s *DeliveryStats) merge(o DeliveryStats) {
	s.Sent += o.Sent
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

// Fields returns the stats as log fields.
func (s DeliveryStats) Fields() map[string]interface{} {
	return map[string]interface{}{
		"sent":    s.Sent,
		"skipped": s.Skipped,
		"failed":  s.Failed,
	}
}

type CampaignStore interface {
	GetByID(ctx context.Context, id int64) (*database.Campaign, error)
}

type DripStore interface {
	MaxDripDay(ctx context.Context) (int, error)
	ActiveDripTemplate(ctx context.Context, day int) (*database.DripTemplate, error)
}

type AudienceSource interface {
	AudiencePage(ctx context.Context, filter repository.AudienceFilter, afterID int64, limit int) ([]int64, error)
}

type RecipientLoader interface {
	LoadByIDs(ctx context.Context, ids []int64) (map[int64]database.Recipient, error)
}

type RecipientFinder interface {
	FindByID(ctx context.Context, id int64) (*database.Recipient, error)
}

type CohortSource interface {
	RegisteredBetween(ctx context.Context, from, to time.Time) ([]database.Recipient, error)
}

type DigestAudience interface {
	DigestRecipientPage(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

type ActivePool interface {
	SampleActive(ctx context.Context, since time.Time, exclude []int64, limit int) ([]database.Recipient, error)
}

// DeliveryLedger answers dedup questions against past deliveries.
type DeliveryLedger interface {
	AlreadyDelivered(ctx context.Context, campaignID int64, candidateIDs []int64) (map[int64]struct{}, error)
	RecentDeliveryExists(ctx context.Context, recipientID int64, since time.Time) (bool, error)
	LastDeliveredAt(ctx context.Context, recipientID int64, typeOf string) (*time.Time, error)
}

type LedgerPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time, chunkSize int) (int64, error)
}

type SurveySource interface {
	ActiveSurveys(ctx context.Context) ([]database.Survey, error)
}

type FlagSource interface {
	Enabled(ctx context.Context, name string) (bool, error)
}

// BatchEnqueuer schedules campaign:batch tasks.
type BatchEnqueuer interface {
	EnqueueBatch(ctx context.Context, batch Batch) error
}

// DigestEnqueuer schedules digest:send tasks.
type DigestEnqueuer interface {
	EnqueueDigest(ctx context.Context, userID int64) error
}
