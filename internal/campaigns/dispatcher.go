package campaigns

import (
	"context"
	"fmt"

	"github.com/forem/forem-sub087/internal/repository"
	"github.com/forem/forem-sub087/internal/telemetry"
)

// DispatchResult summarizes one campaign fan-out.
type DispatchResult struct {
	Batches    int
	Recipients int
}

// Dispatcher resolves a campaign audience and schedules one batch task per page of it.
type Dispatcher struct {
	campaigns CampaignStore
	audience  AudienceSource
	enqueuer  BatchEnqueuer
	batchSize int
}

// NewDispatcher creates a campaign dispatcher. batchSize is the page size of the audience walk.
func NewDispatcher(campaigns CampaignStore, audience AudienceSource, enqueuer BatchEnqueuer, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Dispatcher{
		campaigns: campaigns,
		audience:  audience,
		enqueuer:  enqueuer,
		batchSize: batchSize,
	}
}

// Dispatch walks the campaign audience by ascending id and enqueues each page as a Batch, so
// batches of one run never overlap. A missing campaign is a no-op. Any lookup or enqueue error
// stops the walk and is returned; batches already enqueued stay enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID int64) (DispatchResult, error) {
	var result DispatchResult
	logger := telemetry.LogFromContext(ctx).WithField("campaign_id", campaignID)

	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	if repository.IsNotFound(err) {
		logger.Warn("Campaign not found, nothing to dispatch")
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("load campaign %d: %w", campaignID, err)
	}

	var filter repository.AudienceFilter
	if campaign.AudienceSegmentID.Valid {
		segmentID := campaign.AudienceSegmentID.Int64
		filter.SegmentID = &segmentID
		logger = logger.WithField("segment_id", segmentID)
	}

	var afterID int64
	for {
		ids, err := d.audience.AudiencePage(ctx, filter, afterID, d.batchSize)
		if err != nil {
			return result, fmt.Errorf("resolve audience of campaign %d after id %d: %w", campaignID, afterID, err)
		}
		if len(ids) == 0 {
			break
		}

		batch := Batch{
			CampaignID:   campaign.ID,
			RecipientIDs: ids,
			Subject:      campaign.Subject,
			Body:         campaign.Body,
			TypeOf:       campaign.TypeOf,
			FromName:     campaign.FromName.String,
		}
		if err := d.enqueuer.EnqueueBatch(ctx, batch); err != nil {
			return result, fmt.Errorf("enqueue batch %d of campaign %d: %w", result.Batches+1, campaignID, err)
		}

		result.Batches++
		result.Recipients += len(ids)
		afterID = ids[len(ids)-1]

		if len(ids) < d.batchSize {
			break
		}
	}

	logger.WithFields(map[string]interface{}{
		"batches":    result.Batches,
		"recipients": result.Recipients,
	}).Info("Campaign dispatched")

	return result, nil
}
