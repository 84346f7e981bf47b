package telemetry

import (
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// InstrumentDatabase opens a Postgres connection wrapped with OpenTelemetry spans and
// registers pool statistics as metrics.
func InstrumentDatabase(dsn string, attrs ...attribute.KeyValue) (*sql.DB, error) {
	attrs = append([]attribute.KeyValue{semconv.DBSystemPostgreSQL}, attrs...)

	db, err := otelsql.Open("postgres", dsn, otelsql.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to open instrumented database: %w", err)
	}

	if err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(attrs...)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register database stats: %w", err)
	}

	return db, nil
}

// InstrumentRedisClient adds tracing and metrics hooks to a Redis client.
func InstrumentRedisClient(client *redis.Client) error {
	if err := redisotel.InstrumentTracing(client); err != nil {
		return fmt.Errorf("failed to instrument redis tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		return fmt.Errorf("failed to instrument redis metrics: %w", err)
	}
	return nil
}
