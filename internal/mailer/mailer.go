// Package mailer sends fully rendered messages to single recipients.
package mailer

import (
	"context"

	"github.com/forem/forem-sub087/internal/telemetry"
)

// Message is one rendered email for one recipient.
type Message struct {
	RecipientID int64
	To          string
	Name        string
	Subject     string
	Body        string
	TypeOf      string
	// CampaignID is zero for sends that are not tied to an emails row (digests, survey invites).
	CampaignID int64
	FromName   string
	Data       map[string]interface{}
}

// Dispatcher delivers a message. An error means the recipient did not get it.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// LogDispatcher writes messages to the log instead of a relay. Used in development.
type LogDispatcher struct{}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{}
}

// Send logs msg.
func (d *LogDispatcher) Send(ctx context.Context, msg Message) error {
	telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"recipient_id": msg.RecipientID,
		"campaign_id":  msg.CampaignID,
		"type_of":      msg.TypeOf,
		"subject":      msg.Subject,
	}).Info("Mail relay not configured, message logged")
	return nil
}
