package mailer

import (
	"context"
	"database/sql"
	"time"

	"github.com/forem/forem-sub087/internal/database"
	"github.com/forem/forem-sub087/internal/telemetry"
)

// Recorder appends delivery ledger entries.
type Recorder interface {
	Record(ctx context.Context, rec database.DeliveryRecord) error
}

// TrackingDispatcher records every successful send in the delivery ledger.
type TrackingDispatcher struct {
	next     Dispatcher
	recorder Recorder
	now      func() time.Time
}

// NewTrackingDispatcher wraps next.
func NewTrackingDispatcher(next Dispatcher, recorder Recorder) *TrackingDispatcher {
	return &TrackingDispatcher{next: next, recorder: recorder, now: time.Now}
}

// Send forwards msg and, on success, appends a ledger entry. A ledger write failure after a
// successful send is logged but not returned: the recipient has the message.
func (d *TrackingDispatcher) Send(ctx context.Context, msg Message) error {
	if err := d.next.Send(ctx, msg); err != nil {
		return err
	}

	rec := database.DeliveryRecord{
		RecipientID: msg.RecipientID,
		Subject:     msg.Subject,
		TypeOf:      msg.TypeOf,
		SentAt:      d.now().UTC(),
	}
	if msg.CampaignID != 0 {
		rec.CampaignID = sql.NullInt64{Int64: msg.CampaignID, Valid: true}
	}

	if err := d.recorder.Record(ctx, rec); err != nil {
		telemetry.LogFromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"recipient_id": msg.RecipientID,
			"campaign_id":  msg.CampaignID,
		}).Error("Failed to record delivery")
	}
	return nil
}
