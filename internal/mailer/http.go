package mailer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	apperrors "github.com/forem/forem-sub087/internal/errors"
)

const relayService = "mail_relay"

// HTTPConfig configures the relay client.
type HTTPConfig struct {
	BaseURL       string
	APIKey        string
	FromAddress   string
	RatePerSecond float64
	Timeout       time.Duration
	RetryCount    int
}

// HTTPDispatcher posts messages to a transactional mail relay.
type HTTPDispatcher struct {
	client      *resty.Client
	limiter     *rate.Limiter
	fromAddress string
}

type relayAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type relayRequest struct {
	From     relayAddress           `json:"from"`
	To       relayAddress           `json:"to"`
	Subject  string                 `json:"subject"`
	HTML     string                 `json:"html"`
	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type relayResponse struct {
	ID string `json:"id"`
}

// NewHTTPDispatcher creates a relay client. A non-positive rate disables pacing.
func NewHTTPDispatcher(cfg HTTPConfig) *HTTPDispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}

	return &HTTPDispatcher{
		client:      client,
		limiter:     rate.NewLimiter(limit, burst),
		fromAddress: cfg.FromAddress,
	}
}

// Send delivers msg through the relay.
func (d *HTTPDispatcher) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return apperrors.NewValidationError("to", "recipient has no email address").
			WithMetadata("recipient_id", msg.RecipientID)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return apperrors.NewExternalError(relayService, "rate_wait", err)
	}

	metadata := map[string]interface{}{"recipient_id": msg.RecipientID}
	if msg.CampaignID != 0 {
		metadata["campaign_id"] = msg.CampaignID
	}
	for k, v := range msg.Data {
		metadata[k] = v
	}

	req := relayRequest{
		From:     relayAddress{Email: d.fromAddress, Name: msg.FromName},
		To:       relayAddress{Email: msg.To, Name: msg.Name},
		Subject:  msg.Subject,
		HTML:     msg.Body,
		Tags:     []string{msg.TypeOf},
		Metadata: metadata,
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&relayResponse{}).
		Post("/messages")
	if err != nil {
		return apperrors.NewExternalError(relayService, "send", err).
			WithMetadata("recipient_id", msg.RecipientID)
	}

	if resp.IsError() {
		return apperrors.NewExternalError(relayService, "send",
			fmt.Errorf("relay returned %d: %s", resp.StatusCode(), resp.String())).
			WithMetadata("recipient_id", msg.RecipientID).
			WithMetadata("status", resp.StatusCode())
	}

	return nil
}
