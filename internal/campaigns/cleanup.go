package campaigns

import (
	"context"
	"fmt"
	"time"

	"github.com/forem/forem-sub087/internal/telemetry"
)

// RetentionCleaner deletes ledger rows older than the retention horizon.
type RetentionCleaner struct {
	ledger    LedgerPurger
	retention time.Duration
	chunkSize int
}

// NewRetentionCleaner creates a cleaner.
func NewRetentionCleaner(ledger LedgerPurger, retention time.Duration, chunkSize int) *RetentionCleaner {
	if chunkSize <= 0 {
		chunkSize = 5000
	}
	return &RetentionCleaner{ledger: ledger, retention: retention, chunkSize: chunkSize}
}

// Run purges rows sent before now minus the retention horizon and returns how many went.
func (c *RetentionCleaner) Run(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-c.retention)

	deleted, err := c.ledger.PurgeOlderThan(ctx, cutoff, c.chunkSize)
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"cutoff":  cutoff,
		"deleted": deleted,
	})
	if err != nil {
		return deleted, fmt.Errorf("purge ledger before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	logger.Info("Ledger retention cleanup finished")
	return deleted, nil
}
