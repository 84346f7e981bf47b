package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/forem/forem-sub087/internal/database"
)

// PostgresContainer manages a Postgres test container
type PostgresContainer struct {
	container testcontainers.Container
	dsn       string
}

// StartPostgresContainer starts a Postgres container for testing
func StartPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "campaigns_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, err
	}

	return &PostgresContainer{
		container: container,
		dsn:       fmt.Sprintf("postgres://postgres:postgres@%s:%s/campaigns_test?sslmode=disable", host, port.Port()),
	}, nil
}

// Stop terminates the Postgres container
func (pc *PostgresContainer) Stop(ctx context.Context) error {
	return pc.container.Terminate(ctx)
}

func TestLedgerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	pg, err := StartPostgresContainer(ctx)
	require.NoError(t, err)
	defer pg.Stop(ctx)

	sqlDB, err := sql.Open("postgres", pg.dsn)
	require.NoError(t, err)
	defer sqlDB.Close()

	schema, err := os.ReadFile("../../migrations/000001_create_delivery_records.up.sql")
	require.NoError(t, err)
	_, err = sqlDB.ExecContext(ctx, string(schema))
	require.NoError(t, err)

	ledger := NewLedgerRepository(database.Wrap(sqlDB))
	now := time.Now().UTC().Truncate(time.Second)
	campaign := sql.NullInt64{Int64: 42, Valid: true}

	t.Run("Dedup ignores test sends", func(t *testing.T) {
		require.NoError(t, ledger.Record(ctx, database.DeliveryRecord{
			CampaignID: campaign, RecipientID: 7, Subject: "Hello", TypeOf: database.TypeNewsletter, SentAt: now.Add(-time.Hour),
		}))
		require.NoError(t, ledger.Record(ctx, database.DeliveryRecord{
			CampaignID: campaign, RecipientID: 8, Subject: "[TEST] Hello", TypeOf: database.TypeNewsletter, SentAt: now,
		}))

		delivered, err := ledger.AlreadyDelivered(ctx, 42, []int64{7, 8, 9})
		require.NoError(t, err)
		assert.Contains(t, delivered, int64(7))
		assert.NotContains(t, delivered, int64(8))
		assert.NotContains(t, delivered, int64(9))

		other, err := ledger.AlreadyDelivered(ctx, 43, []int64{7})
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("Quiet period", func(t *testing.T) {
		exists, err := ledger.RecentDeliveryExists(ctx, 7, now.Add(-12*time.Hour))
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = ledger.RecentDeliveryExists(ctx, 7, now.Add(-30*time.Minute))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Purge", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, ledger.Record(ctx, database.DeliveryRecord{
				RecipientID: int64(100 + i), Subject: "Old", TypeOf: database.TypeDigest,
				SentAt: now.Add(-100 * 24 * time.Hour),
			}))
		}

		deleted, err := ledger.PurgeOlderThan(ctx, now.Add(-90*24*time.Hour), 2)
		require.NoError(t, err)
		assert.Equal(t, int64(5), deleted)

		delivered, err := ledger.AlreadyDelivered(ctx, 42, []int64{7})
		require.NoError(t, err)
		assert.Contains(t, delivered, int64(7))
	})
}
