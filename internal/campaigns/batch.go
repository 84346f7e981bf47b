package campaigns

import (
	"context"
	"fmt"

	"github.com/forem/forem-sub087/internal/database"
	"github.com/forem/forem-sub087/internal/mailer"
	"github.com/forem/forem-sub087/internal/telemetry"
)

// BatchDeliverer sends one campaign batch, at most once per recipient per campaign.
type BatchDeliverer struct {
	recipients RecipientLoader
	ledger     DeliveryLedger
	mailer     mailer.Dispatcher
	metrics    *telemetry.Metrics
}

// NewBatchDeliverer creates a batch deliverer. metrics may be nil.
func NewBatchDeliverer(recipients RecipientLoader, ledger DeliveryLedger, dispatcher mailer.Dispatcher, metrics *telemetry.Metrics) *BatchDeliverer {
	return &BatchDeliverer{
		recipients: recipients,
		ledger:     ledger,
		mailer:     dispatcher,
		metrics:    metrics,
	}
}

// Deliver sends batch to every recipient that exists and has no prior non-test delivery of the
// campaign. A "[TEST] " subject skips the ledger lookup entirely. Send failures are logged and
// counted; only lookup failures and cancellation are returned.
func (b *BatchDeliverer) Deliver(ctx context.Context, batch Batch) (DeliveryStats, error) {
	var stats DeliveryStats
	if len(batch.RecipientIDs) == 0 {
		return stats, nil
	}

	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"campaign_id": batch.CampaignID,
		"batch_size":  len(batch.RecipientIDs),
	})

	recipients, err := b.recipients.LoadByIDs(ctx, batch.RecipientIDs)
	if err != nil {
		return stats, fmt.Errorf("load batch recipients: %w", err)
	}

	delivered := make(map[int64]struct{})
	if !database.IsTestSubject(batch.Subject) {
		delivered, err = b.ledger.AlreadyDelivered(ctx, batch.CampaignID, batch.RecipientIDs)
		if err != nil {
			return stats, fmt.Errorf("load prior deliveries: %w", err)
		}
		if delivered == nil {
			delivered = make(map[int64]struct{})
		}
	}

	defer func() {
		b.metrics.RecordDeliveries(ctx, FlowCampaign, telemetry.OutcomeSent, stats.Sent)
		b.metrics.RecordDeliveries(ctx, FlowCampaign, telemetry.OutcomeSkipped, stats.Skipped)
		b.metrics.RecordDeliveries(ctx, FlowCampaign, telemetry.OutcomeFailed, stats.Failed)
	}()

	for _, id := range batch.RecipientIDs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		recipient, ok := recipients[id]
		if !ok {
			stats.Skipped++
			continue
		}
		if _, done := delivered[id]; done {
			stats.Skipped++
			continue
		}
		if !recipient.Reachable() {
			stats.Skipped++
			logger.WithField("recipient_id", id).Warn("Recipient has no email address, skipped")
			continue
		}

		msg := mailer.Message{
			RecipientID: id,
			To:          recipient.Email,
			Name:        recipient.Name,
			Subject:     batch.Subject,
			Body:        batch.Body,
			TypeOf:      batch.TypeOf,
			CampaignID:  batch.CampaignID,
			FromName:    batch.FromName,
		}
		if err := b.mailer.Send(ctx, msg); err != nil {
			stats.Failed++
			logger.WithError(err).WithField("recipient_id", id).Error("Failed to deliver campaign message")
			continue
		}

		stats.Sent++
		delivered[id] = struct{}{}
	}

	logger.WithFields(stats.Fields()).Info("Batch delivered")
	return stats, nil
}
