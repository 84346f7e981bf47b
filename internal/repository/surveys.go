package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/forem/forem-sub087/internal/database"
)

// SurveyRepository reads surveys and the interaction tables used to build exclusion sets.
type SurveyRepository struct {
	db *sqlx.DB
}

// NewSurveyRepository creates a new survey repository.
func NewSurveyRepository(db *database.DB) *SurveyRepository {
	return &SurveyRepository{db: db.DB}
}

// ActiveSurveys returns every active survey, including ones with no daily distribution.
func (r *SurveyRepository) ActiveSurveys(ctx context.Context) ([]database.Survey, error) {
	var surveys []database.Survey
	err := r.db.SelectContext(ctx, &surveys, `
		SELECT id, title, active, allow_resubmission, daily_email_distributions
		FROM surveys
		WHERE active = true
		ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("active_surveys", err)
	}
	return surveys, nil
}

// CompletedUserIDs returns users who completed the survey.
func (r *SurveyRepository) CompletedUserIDs(ctx context.Context, surveyID int64) ([]int64, error) {
	return r.userIDs(ctx, "survey_completions", `
		SELECT DISTINCT user_id FROM survey_completions WHERE survey_id = $1`, surveyID)
}

// VotedUserIDs returns users who voted on any of the survey's polls.
func (r *SurveyRepository) VotedUserIDs(ctx context.Context, surveyID int64) ([]int64, error) {
	return r.userIDs(ctx, "poll_votes", `
		SELECT DISTINCT v.user_id
		FROM poll_votes v
		JOIN polls p ON p.id = v.poll_id
		WHERE p.survey_id = $1`, surveyID)
}

// SkippedUserIDs returns users who skipped any of the survey's polls.
func (r *SurveyRepository) SkippedUserIDs(ctx context.Context, surveyID int64) ([]int64, error) {
	return r.userIDs(ctx, "poll_skips", `
		SELECT DISTINCT s.user_id
		FROM poll_skips s
		JOIN polls p ON p.id = s.poll_id
		WHERE p.survey_id = $1`, surveyID)
}

// TextResponseUserIDs returns users who left a free-text answer on any of the survey's polls.
func (r *SurveyRepository) TextResponseUserIDs(ctx context.Context, surveyID int64) ([]int64, error) {
	return r.userIDs(ctx, "poll_text_responses", `
		SELECT DISTINCT t.user_id
		FROM poll_text_responses t
		JOIN polls p ON p.id = t.poll_id
		WHERE p.survey_id = $1`, surveyID)
}

func (r *SurveyRepository) userIDs(ctx context.Context, table, query string, surveyID int64) ([]int64, error) {
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, surveyID); err != nil {
		return nil, wrapDBError("load_"+table, err)
	}
	return ids, nil
}
