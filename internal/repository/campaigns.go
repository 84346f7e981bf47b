package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/forem/forem-sub087/internal/database"
)

const dripStatusActive = "active"

// CampaignRepository reads campaigns and drip templates from the emails table.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository creates a new campaign repository.
func NewCampaignRepository(db *database.DB) *CampaignRepository {
	return &CampaignRepository{db: db.DB}
}

// GetByID loads a campaign. Returns ErrNotFound when it does not exist.
func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*database.Campaign, error) {
	var campaign database.Campaign
	err := r.db.GetContext(ctx, &campaign, `
		SELECT id, subject, body, type_of, audience_segment_id, from_name
		FROM emails
		WHERE id = $1`, id)
	if err != nil {
		return nil, wrapDBError("get_campaign", err)
	}
	return &campaign, nil
}

// MaxDripDay returns the largest drip day across all drip templates, or 0 when there are none.
func (r *CampaignRepository) MaxDripDay(ctx context.Context) (int, error) {
	var day sql.NullInt64
	err := r.db.GetContext(ctx, &day, `
		SELECT MAX(drip_day) FROM emails WHERE type_of = $1`, database.TypeOnboardingDrip)
	if err != nil {
		return 0, wrapDBError("max_drip_day", err)
	}
	return int(day.Int64), nil
}

// ActiveDripTemplate returns the active template for day. Returns ErrNotFound when the day has
// no active template.
func (r *CampaignRepository) ActiveDripTemplate(ctx context.Context, day int) (*database.DripTemplate, error) {
	var tmpl database.DripTemplate
	err := r.db.GetContext(ctx, &tmpl, `
		SELECT id, drip_day, subject, body, status
		FROM emails
		WHERE type_of = $1 AND drip_day = $2 AND status = $3
		ORDER BY id DESC
		LIMIT 1`, database.TypeOnboardingDrip, day, dripStatusActive)
	if err != nil {
		return nil, wrapDBError("active_drip_template", err)
	}
	return &tmpl, nil
}
