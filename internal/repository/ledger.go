package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/forem/forem-sub087/internal/database"
)

// LedgerRepository is the append-only record of past deliveries.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository creates a new delivery ledger.
func NewLedgerRepository(db *database.DB) *LedgerRepository {
	return &LedgerRepository{db: db.DB}
}

// AlreadyDelivered returns the subset of candidateIDs holding a non-test delivery of the
// campaign. One query per call regardless of len(candidateIDs).
func (r *LedgerRepository) AlreadyDelivered(ctx context.Context, campaignID int64, candidateIDs []int64) (map[int64]struct{}, error) {
	delivered := make(map[int64]struct{})
	if len(candidateIDs) == 0 {
		return delivered, nil
	}

	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT ON (recipient_id) recipient_id
		FROM delivery_records
		WHERE campaign_id = $1
		  AND recipient_id = ANY($2)
		  AND NOT starts_with(subject, $3)
		ORDER BY recipient_id, sent_at DESC`,
		campaignID, pq.Array(candidateIDs), database.TestSubjectPrefix)
	if err != nil {
		return nil, wrapDBError("already_delivered", err)
	}

	for _, id := range ids {
		delivered[id] = struct{}{}
	}
	return delivered, nil
}

// Record appends one delivery.
func (r *LedgerRepository) Record(ctx context.Context, record database.DeliveryRecord) error {
	if record.SentAt.IsZero() {
		record.SentAt = time.Now().UTC()
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO delivery_records (campaign_id, recipient_id, subject, type_of, sent_at)
		VALUES (:campaign_id, :recipient_id, :subject, :type_of, :sent_at)`, record)
	if err != nil {
		return wrapDBError("record_delivery", err)
	}
	return nil
}

// RecentDeliveryExists reports whether the recipient got anything at or after since.
func (r *LedgerRepository) RecentDeliveryExists(ctx context.Context, recipientID int64, since time.Time) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM delivery_records
			WHERE recipient_id = $1 AND sent_at >= $2
		)`, recipientID, since)
	if err != nil {
		return false, wrapDBError("recent_delivery_exists", err)
	}
	return exists, nil
}

// LastDeliveredAt returns the time of the recipient's latest delivery of typeOf, or nil.
func (r *LedgerRepository) LastDeliveredAt(ctx context.Context, recipientID int64, typeOf string) (*time.Time, error) {
	var sentAt sql.NullTime
	err := r.db.GetContext(ctx, &sentAt, `
		SELECT MAX(sent_at) FROM delivery_records
		WHERE recipient_id = $1 AND type_of = $2`, recipientID, typeOf)
	if err != nil {
		return nil, wrapDBError("last_delivered_at", err)
	}
	if !sentAt.Valid {
		return nil, nil
	}
	return &sentAt.Time, nil
}

// PurgeOlderThan deletes rows sent before cutoff in chunks of chunkSize, so a large backlog
// never holds one long transaction. Returns the number of rows deleted.
func (r *LedgerRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 5000
	}

	var total int64
	for {
		result, err := r.db.ExecContext(ctx, `
			DELETE FROM delivery_records
			WHERE id IN (
				SELECT id FROM delivery_records
				WHERE sent_at < $1
				LIMIT $2
			)`, cutoff, chunkSize)
		if err != nil {
			return total, wrapDBError("purge_delivery_records", err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return total, wrapDBError("purge_delivery_records", err)
		}
		total += n

		if n < int64(chunkSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
