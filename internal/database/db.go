package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/forem/forem-sub087/internal/telemetry"
)

// DB wraps sqlx so repositories can use struct scanning alongside plain database/sql.
type DB struct {
	*sqlx.DB
}

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string

	// Pool sizing; zero values take the defaults below.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN renders the config as a postgres URL. golang-migrate and lib/pq both accept it.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + c.Port,
		Path:   "/" + c.DBName,
	}
	q := u.Query()
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// NewConnection opens an OpenTelemetry-instrumented Postgres pool and waits for it to answer,
// retrying the ping a few times while the database comes up.
func NewConnection(ctx context.Context, config Config) (*DB, error) {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"host":      config.Host,
		"port":      config.Port,
		"database":  config.DBName,
		"ssl_mode":  config.SSLMode,
		"operation": "database_connection",
	})

	logger.Info("Establishing database connection")

	port, _ := strconv.Atoi(config.Port)
	sqlDB, err := telemetry.InstrumentDatabase(config.DSN(),
		semconv.DBName(config.DBName),
		semconv.ServerAddress(config.Host),
		semconv.ServerPort(port),
	)
	if err != nil {
		logger.WithError(err).Error("Failed to open database connection")
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configurePool(sqlDB, config)

	var pingErr error
	for attempt := 1; attempt <= 5; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr = sqlDB.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			break
		}
		logger.WithError(pingErr).WithField("attempt", attempt).Warn("Database not ready, retrying")
		select {
		case <-ctx.Done():
			sqlDB.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	if pingErr != nil {
		sqlDB.Close()
		logger.WithError(pingErr).Error("Failed to ping database")
		return nil, fmt.Errorf("failed to ping database: %w", pingErr)
	}

	logger.Info("Database connection established successfully")
	return &DB{sqlx.NewDb(sqlDB, "postgres")}, nil
}

// Wrap adapts an existing *sql.DB (tests, sqlmock) to DB.
func Wrap(db *sql.DB) *DB {
	return &DB{sqlx.NewDb(db, "postgres")}
}

func configurePool(db *sql.DB, config Config) {
	maxOpen := config.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	maxIdle := config.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	lifetime := config.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	idleTime := config.ConnMaxIdleTime
	if idleTime == 0 {
		idleTime = time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(idleTime)
}

// Health pings the database with a short timeout.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		telemetry.LogFromContext(ctx).WithField("operation", "database_health_check").
			WithError(err).Error("Database health check failed")
		return err
	}
	return nil
}

// WithTransaction runs fn in a transaction, rolling back on error or panic.
func (db *DB) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) (err error) {
	logger := telemetry.LogFromContext(ctx).WithField("operation", "database_transaction")

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		logger.WithError(err).Error("Failed to begin transaction")
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			logger.WithField("panic", p).Error("Transaction panicked, rolling back")
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			logger.WithError(err).Warn("Transaction failed, rolling back")
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			logger.WithError(err).Error("Failed to commit transaction")
		}
	}()

	return fn(tx)
}
