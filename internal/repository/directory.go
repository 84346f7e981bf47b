package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/forem/forem-sub087/internal/database"
)

// AudienceFilter narrows the newsletter audience. A nil SegmentID means every opted-in,
// registered user.
type AudienceFilter struct {
	SegmentID *int64
}

// DirectoryRepository reads recipients. It never writes to the users tables.
type DirectoryRepository struct {
	db *sqlx.DB
}

// NewDirectoryRepository creates a new recipient directory.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db.DB}
}

// The users table is not ours; NULL contact columns scan as empty strings so one incomplete
// row never fails a whole page.
const recipientColumns = `
	u.id, COALESCE(u.email, '') AS email, COALESCE(u.name, '') AS name,
	COALESCE(u.registered, false) AS registered, u.registered_at, u.last_presence_at AS last_active_at,
	COALESCE(ns.email_newsletter, false) AS email_newsletter,
	COALESCE(ns.email_digest_periodic, false) AS email_digest_periodic`

// LoadByIDs fetches the contact fields for ids in one query. Ids without a row are absent
// from the result.
func (r *DirectoryRepository) LoadByIDs(ctx context.Context, ids []int64) (map[int64]database.Recipient, error) {
	result := make(map[int64]database.Recipient, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var rows []database.Recipient
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, COALESCE(email, '') AS email, COALESCE(name, '') AS name FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, wrapDBError("load_recipients", err)
	}

	for _, row := range rows {
		result[row.ID] = row
	}
	return result, nil
}

// FindByID re-fetches one recipient with notification settings.
func (r *DirectoryRepository) FindByID(ctx context.Context, id int64) (*database.Recipient, error) {
	var recipient database.Recipient
	err := r.db.GetContext(ctx, &recipient, `
		SELECT `+recipientColumns+`
		FROM users u
		LEFT JOIN users_notification_settings ns ON ns.user_id = u.id
		WHERE u.id = $1`, id)
	if err != nil {
		return nil, wrapDBError("find_recipient", err)
	}
	return &recipient, nil
}

// AudiencePage returns up to limit opted-in recipient ids greater than afterID, ordered by id.
// Walking pages with the last id of the previous page yields a disjoint partition of the
// audience.
func (r *DirectoryRepository) AudiencePage(ctx context.Context, filter AudienceFilter, afterID int64, limit int) ([]int64, error) {
	var (
		ids []int64
		err error
	)

	if filter.SegmentID != nil {
		err = r.db.SelectContext(ctx, &ids, `
			SELECT u.id
			FROM users u
			JOIN users_notification_settings ns ON ns.user_id = u.id
			JOIN segmented_users su ON su.user_id = u.id
			WHERE su.audience_segment_id = $1
			  AND ns.email_newsletter = true
			  AND u.registered = true
			  AND u.id > $2
			ORDER BY u.id
			LIMIT $3`, *filter.SegmentID, afterID, limit)
	} else {
		err = r.db.SelectContext(ctx, &ids, `
			SELECT u.id
			FROM users u
			JOIN users_notification_settings ns ON ns.user_id = u.id
			WHERE ns.email_newsletter = true
			  AND u.registered = true
			  AND u.id > $1
			ORDER BY u.id
			LIMIT $2`, afterID, limit)
	}
	if err != nil {
		return nil, wrapDBError("audience_page", err)
	}
	return ids, nil
}

// RegisteredBetween returns users with from < registered_at <= to, with their newsletter
// opt-in so the caller can skip and count the ones who opted out.
func (r *DirectoryRepository) RegisteredBetween(ctx context.Context, from, to time.Time) ([]database.Recipient, error) {
	var rows []database.Recipient
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+recipientColumns+`
		FROM users u
		LEFT JOIN users_notification_settings ns ON ns.user_id = u.id
		WHERE u.registered_at > $1 AND u.registered_at <= $2
		ORDER BY u.id`, from, to)
	if err != nil {
		return nil, wrapDBError("registered_between", err)
	}
	return rows, nil
}

// DigestRecipientPage returns up to limit ids of users opted into the periodic digest,
// greater than afterID.
func (r *DirectoryRepository) DigestRecipientPage(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `
		SELECT u.id
		FROM users u
		JOIN users_notification_settings ns ON ns.user_id = u.id
		WHERE ns.email_digest_periodic = true
		  AND u.registered = true
		  AND u.id > $1
		ORDER BY u.id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, wrapDBError("digest_recipient_page", err)
	}
	return ids, nil
}

// SampleActive draws up to limit users uniformly at random from newsletter subscribers active
// since the given time, excluding the given ids. Sampling happens in Postgres so the pool is
// never loaded here.
func (r *DirectoryRepository) SampleActive(ctx context.Context, since time.Time, exclude []int64, limit int) ([]database.Recipient, error) {
	if limit <= 0 {
		return nil, nil
	}
	if exclude == nil {
		exclude = []int64{}
	}

	var rows []database.Recipient
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+recipientColumns+`
		FROM users u
		JOIN users_notification_settings ns ON ns.user_id = u.id
		WHERE ns.email_newsletter = true
		  AND u.last_presence_at >= $1
		  AND NOT (u.id = ANY($2))
		ORDER BY random()
		LIMIT $3`, since, pq.Array(exclude), limit)
	if err != nil {
		return nil, wrapDBError("sample_active", err)
	}
	return rows, nil
}
