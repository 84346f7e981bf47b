// Package errorreport forwards swallowed task errors to Sentry/GlitchTip.
package errorreport

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/forem/forem-sub087/internal/telemetry"
)

// Options configures the Sentry client.
type Options struct {
	DSN         string
	Enabled     bool
	Environment string
	Release     string
	ServerName  string
}

// Reporter records an error that was handled locally and would otherwise only be logged.
type Reporter interface {
	Report(ctx context.Context, err error, tags map[string]string, extras map[string]interface{})
}

// Init initializes Sentry. Returns nil if Sentry is disabled or DSN is empty.
func Init(opts Options) error {
	if !opts.Enabled || opts.DSN == "" {
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
		ServerName:  opts.ServerName,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			sanitizeEvent(event)
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	return nil
}

// Flush flushes any buffered events before shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// SentryReporter reports through the current Sentry hub. Without Init it is a no-op.
type SentryReporter struct{}

// NewSentryReporter creates a reporter bound to the global hub.
func NewSentryReporter() *SentryReporter {
	return &SentryReporter{}
}

// Report captures err on a cloned hub so tags never leak between tasks.
func (r *SentryReporter) Report(ctx context.Context, err error, tags map[string]string, extras map[string]interface{}) {
	if err == nil {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub = hub.Clone()
	scope := hub.Scope()

	if correlationID := telemetry.GetCorrelationID(ctx); correlationID != "" {
		scope.SetTag("correlation_id", correlationID)
	}
	for k, v := range tags {
		scope.SetTag(k, v)
	}
	for k, v := range extras {
		scope.SetExtra(k, v)
	}

	hub.CaptureException(err)
}

// sanitizeEvent strips recipient addresses, which must not leave the worker.
func sanitizeEvent(event *sentry.Event) {
	delete(event.Extra, "email")
	if event.User.Email != "" {
		event.User.Email = ""
	}
}
