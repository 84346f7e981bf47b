package campaigns

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strconv"
	"time"

	"github.com/forem/forem-sub087/internal/database"
	"github.com/forem/forem-sub087/internal/errorreport"
	"github.com/forem/forem-sub087/internal/mailer"
	"github.com/forem/forem-sub087/internal/telemetry"
)

// ExclusionProvider returns the ids of users who already interacted with a survey in one way.
type ExclusionProvider struct {
	Name    string
	UserIDs func(ctx context.Context, surveyID int64) ([]int64, error)
}

// SurveyInteractions reads the interaction records exclusions are built from.
type SurveyInteractions interface {
	CompletedUserIDs(ctx context.Context, surveyID int64) ([]int64, error)
	VotedUserIDs(ctx context.Context, surveyID int64) ([]int64, error)
	SkippedUserIDs(ctx context.Context, surveyID int64) ([]int64, error)
	TextResponseUserIDs(ctx context.Context, surveyID int64) ([]int64, error)
}

// DefaultExclusions excludes users who completed the survey or voted on, skipped or answered
// any of its polls.
func DefaultExclusions(src SurveyInteractions) []ExclusionProvider {
	return []ExclusionProvider{
		{Name: "completions", UserIDs: src.CompletedUserIDs},
		{Name: "votes", UserIDs: src.VotedUserIDs},
		{Name: "skips", UserIDs: src.SkippedUserIDs},
		{Name: "text_responses", UserIDs: src.TextResponseUserIDs},
	}
}

// SurveySampler invites a random sample of recently active users to each active survey.
type SurveySampler struct {
	surveys        SurveySource
	pool           ActivePool
	exclusions     []ExclusionProvider
	mailer         mailer.Dispatcher
	reporter       errorreport.Reporter
	metrics        *telemetry.Metrics
	activityWindow time.Duration
	siteURL        string
}

// NewSurveySampler creates a sampler. metrics may be nil.
func NewSurveySampler(surveys SurveySource, pool ActivePool, exclusions []ExclusionProvider,
	dispatcher mailer.Dispatcher, reporter errorreport.Reporter, metrics *telemetry.Metrics,
	activityWindow time.Duration, siteURL string) *SurveySampler {
	return &SurveySampler{
		surveys:        surveys,
		pool:           pool,
		exclusions:     exclusions,
		mailer:         dispatcher,
		reporter:       reporter,
		metrics:        metrics,
		activityWindow: activityWindow,
		siteURL:        siteURL,
	}
}

// Run samples and invites for every active survey with a positive daily distribution. A failure
// on one survey is logged and reported, and the others still run. Only failing to list the
// surveys or cancellation is returned: retrying a run would draw a fresh sample for the surveys
// that already sent.
func (s *SurveySampler) Run(ctx context.Context, now time.Time) (DeliveryStats, error) {
	var stats DeliveryStats
	logger := telemetry.LogFromContext(ctx).WithField("flow", FlowSurvey)

	surveys, err := s.surveys.ActiveSurveys(ctx)
	if err != nil {
		return stats, fmt.Errorf("load active surveys: %w", err)
	}

	defer func() {
		s.metrics.RecordDeliveries(ctx, FlowSurvey, telemetry.OutcomeSent, stats.Sent)
		s.metrics.RecordDeliveries(ctx, FlowSurvey, telemetry.OutcomeSkipped, stats.Skipped)
		s.metrics.RecordDeliveries(ctx, FlowSurvey, telemetry.OutcomeFailed, stats.Failed)
	}()

	for _, survey := range surveys {
		if survey.DailyEmailDistributions <= 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		surveyStats, err := s.runSurvey(ctx, now, survey)
		stats.merge(surveyStats)
		if err != nil {
			logger.WithError(err).WithField("survey_id", survey.ID).Error("Survey sampling failed")
			s.reporter.Report(ctx, err,
				map[string]string{"flow": FlowSurvey, "survey_id": strconv.FormatInt(survey.ID, 10)},
				map[string]interface{}{"invites_sent": surveyStats.Sent},
			)
		}
	}

	logger.WithFields(stats.Fields()).Info("Survey sampling finished")
	return stats, nil
}

func (s *SurveySampler) runSurvey(ctx context.Context, now time.Time, survey database.Survey) (DeliveryStats, error) {
	var stats DeliveryStats

	var excluded []int64
	if !survey.AllowResubmission {
		var err error
		excluded, err = s.excludedUsers(ctx, survey.ID)
		if err != nil {
			return stats, err
		}
	}

	sample, err := s.pool.SampleActive(ctx, now.Add(-s.activityWindow), excluded, survey.DailyEmailDistributions)
	if err != nil {
		return stats, fmt.Errorf("sample pool for survey %d: %w", survey.ID, err)
	}

	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"flow":      FlowSurvey,
		"survey_id": survey.ID,
	})

	for _, user := range sample {
		if !user.Reachable() {
			stats.Skipped++
			logger.WithField("recipient_id", user.ID).Warn("Recipient has no email address, skipped")
			continue
		}
		if err := s.mailer.Send(ctx, s.inviteMessage(user, survey)); err != nil {
			stats.Failed++
			logger.WithError(err).WithField("recipient_id", user.ID).Error("Failed to send survey invite")
			continue
		}
		stats.Sent++
	}

	logger.WithFields(map[string]interface{}{
		"requested": survey.DailyEmailDistributions,
		"sampled":   len(sample),
		"excluded":  len(excluded),
	}).Info("Survey invites sent")

	return stats, nil
}

// excludedUsers unions every provider's ids for surveyID into a sorted slice.
func (s *SurveySampler) excludedUsers(ctx context.Context, surveyID int64) ([]int64, error) {
	set := make(map[int64]struct{})
	for _, p := range s.exclusions {
		ids, err := p.UserIDs(ctx, surveyID)
		if err != nil {
			return nil, fmt.Errorf("load %s exclusions for survey %d: %w", p.Name, surveyID, err)
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}

	excluded := make([]int64, 0, len(set))
	for id := range set {
		excluded = append(excluded, id)
	}
	sort.Slice(excluded, func(i, j int) bool { return excluded[i] < excluded[j] })
	return excluded, nil
}

func (s *SurveySampler) inviteMessage(user database.Recipient, survey database.Survey) mailer.Message {
	link := fmt.Sprintf("%s/surveys/%d", s.siteURL, survey.ID)
	return mailer.Message{
		RecipientID: user.ID,
		To:          user.Email,
		Name:        user.Name,
		Subject:     "Share your thoughts: " + survey.Title,
		Body:        fmt.Sprintf("<p><a href=\"%s\">%s</a></p>", html.EscapeString(link), html.EscapeString(survey.Title)),
		TypeOf:      database.TypeSurveyInvite,
		Data:        map[string]interface{}{"survey_id": survey.ID},
	}
}
