package campaigns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forem/forem-sub087/internal/database"
	"github.com/forem/forem-sub087/internal/flags"
	"github.com/forem/forem-sub087/internal/mailer"
	"github.com/forem/forem-sub087/internal/repository"
	"github.com/forem/forem-sub087/internal/telemetry"
)

const (
	day                = 24 * time.Hour
	defaultQuietPeriod = 12 * time.Hour
)

// DripOptions tunes the drip scheduler.
type DripOptions struct {
	// Window is the width of the registration bucket matched by each drip day. It should equal
	// the interval between scheduler runs so every user lands in exactly one run per day.
	Window time.Duration
	// QuietPeriod suppresses a drip for users who received any email this recently. Zero means
	// the 12h default; the guard cannot be turned off.
	QuietPeriod time.Duration
}

// DripScheduler sends onboarding emails keyed to days since registration.
type DripScheduler struct {
	flags    FlagSource
	drips    DripStore
	cohorts  CohortSource
	ledger   DeliveryLedger
	mailer   mailer.Dispatcher
	metrics  *telemetry.Metrics
	window   time.Duration
	quietFor time.Duration
}

// NewDripScheduler creates a drip scheduler. metrics may be nil.
func NewDripScheduler(flagSource FlagSource, drips DripStore, cohorts CohortSource, ledger DeliveryLedger,
	dispatcher mailer.Dispatcher, metrics *telemetry.Metrics, opts DripOptions) *DripScheduler {
	if opts.Window <= 0 {
		opts.Window = day
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = defaultQuietPeriod
	}
	return &DripScheduler{
		flags:    flagSource,
		drips:    drips,
		cohorts:  cohorts,
		ledger:   ledger,
		mailer:   dispatcher,
		metrics:  metrics,
		window:   opts.Window,
		quietFor: opts.QuietPeriod,
	}
}

// DripWindow returns the registration interval (from, to] matched by drip day d at now.
func DripWindow(now time.Time, d int, width time.Duration) (time.Time, time.Time) {
	to := now.Add(-time.Duration(d) * day)
	return to.Add(-width), to
}

// Run sends each active drip-day template to the users whose registration falls in that day's
// window. A disabled flag or an empty template set is a no-op. Failures for one day or user do
// not stop the others; day-level lookup failures are joined into the returned error.
func (s *DripScheduler) Run(ctx context.Context, now time.Time) (DeliveryStats, error) {
	var stats DeliveryStats
	logger := telemetry.LogFromContext(ctx).WithField("flow", FlowDrip)

	enabled, err := s.flags.Enabled(ctx, flags.OnboardingDripEmails)
	if err != nil {
		return stats, fmt.Errorf("read drip flag: %w", err)
	}
	if !enabled {
		logger.Debug("Onboarding drip emails disabled")
		return stats, nil
	}

	maxDay, err := s.drips.MaxDripDay(ctx)
	if err != nil {
		return stats, fmt.Errorf("load max drip day: %w", err)
	}
	if maxDay == 0 {
		logger.Debug("No drip templates configured")
		return stats, nil
	}

	defer func() {
		s.metrics.RecordDeliveries(ctx, FlowDrip, telemetry.OutcomeSent, stats.Sent)
		s.metrics.RecordDeliveries(ctx, FlowDrip, telemetry.OutcomeSkipped, stats.Skipped)
		s.metrics.RecordDeliveries(ctx, FlowDrip, telemetry.OutcomeFailed, stats.Failed)
	}()

	var errs []error
	for d := 1; d <= maxDay; d++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		dayStats, err := s.runDay(ctx, now, d)
		stats.merge(dayStats)
		if err != nil {
			logger.WithError(err).WithField("drip_day", d).Error("Drip day failed")
			errs = append(errs, err)
		}
	}

	logger.WithFields(stats.Fields()).WithField("max_drip_day", maxDay).Info("Drip run finished")
	return stats, errors.Join(errs...)
}

func (s *DripScheduler) runDay(ctx context.Context, now time.Time, d int) (DeliveryStats, error) {
	var stats DeliveryStats

	template, err := s.drips.ActiveDripTemplate(ctx, d)
	if repository.IsNotFound(err) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("load drip template for day %d: %w", d, err)
	}

	from, to := DripWindow(now, d, s.window)
	users, err := s.cohorts.RegisteredBetween(ctx, from, to)
	if err != nil {
		return stats, fmt.Errorf("load day %d cohort: %w", d, err)
	}

	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"flow":        FlowDrip,
		"drip_day":    d,
		"template_id": template.ID,
	})

	for _, user := range users {
		if !user.EmailNewsletter || !user.Reachable() {
			stats.Skipped++
			continue
		}

		recent, err := s.ledger.RecentDeliveryExists(ctx, user.ID, now.Add(-s.quietFor))
		if err != nil {
			stats.Failed++
			logger.WithError(err).WithField("recipient_id", user.ID).Error("Failed to check quiet period")
			continue
		}
		if recent {
			stats.Skipped++
			continue
		}

		if err := s.mailer.Send(ctx, dripMessage(user, template)); err != nil {
			stats.Failed++
			logger.WithError(err).WithField("recipient_id", user.ID).Error("Failed to send drip email")
			continue
		}
		stats.Sent++
	}

	return stats, nil
}

func dripMessage(user database.Recipient, template *database.DripTemplate) mailer.Message {
	return mailer.Message{
		RecipientID: user.ID,
		To:          user.Email,
		Name:        user.Name,
		Subject:     template.Subject,
		Body:        template.Body,
		TypeOf:      database.TypeOnboardingDrip,
		Data: map[string]interface{}{
			"drip_day":         template.DripDay,
			"drip_template_id": template.ID,
		},
	}
}
