// Package config provides configuration loading for the campaign worker and CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/forem/forem-sub087/internal/database"
)

// Config holds all campaign pipeline configuration.
type Config struct {
	// Deployment identity
	Environment    string
	DeploymentName string

	// Public base URL used for links in digests and survey invites
	SiteURL string

	Database database.Config

	// Redis connection URL shared by asynq, locks and flags
	RedisURL string

	// Maximum concurrent task handlers in this process
	Concurrency int

	// Address of the health HTTP server
	HealthAddress string

	Campaign CampaignConfig
	Drip     DripConfig
	Digest   DigestConfig
	Survey   SurveyConfig
	Cleanup  CleanupConfig
	Mail     MailConfig

	SentryDSN         string
	EnableSentry      bool
	SentryEnvironment string

	OTLPEndpoint string
	OTelEnabled  bool

	LogLevel  string
	LogFormat string
	LogOutput string

	Debug bool
}

// CampaignConfig tunes campaign dispatch and batch delivery.
type CampaignConfig struct {
	// Recipients per batch task (1000 in production)
	BatchSize int

	// Batches allowed to execute at once across all workers
	BatchConcurrency int

	// TTL of batch identity locks and throttle leases
	LockTTL time.Duration

	// How often a throttled batch re-checks for a free slot
	ThrottlePollInterval time.Duration
}

// DripConfig tunes the onboarding drip scheduler.
type DripConfig struct {
	Schedule string

	// Width of the registration window per drip day. Must match the schedule cadence.
	Window time.Duration

	// No drip is sent to a user who received anything within this period
	QuietPeriod time.Duration

	// Default for the onboarding_drip_emails flag when Redis holds no value
	EnabledByDefault bool
}

// DigestConfig tunes the periodic digest.
type DigestConfig struct {
	Schedule           string
	ExcludedDeployment string
	Lookback           time.Duration
	MaxArticles        int
	MinArticles        int
	MinScore           int
	FanoutPageSize     int
}

// SurveyConfig tunes survey sampling.
type SurveyConfig struct {
	Schedule       string
	ActivityWindow time.Duration
}

// CleanupConfig tunes ledger retention.
type CleanupConfig struct {
	Schedule  string
	Retention time.Duration
	ChunkSize int
}

// MailConfig configures the outbound mail relay.
type MailConfig struct {
	APIURL        string
	APIKey        string
	FromAddress   string
	RatePerSecond float64
	Timeout       time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		DeploymentName: getEnv("DEPLOYMENT_NAME", "forem.local"),
		SiteURL:        getEnv("APP_URL", "http://localhost:3000"),
		Database: database.Config{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   getEnv("DB_NAME", "forem_development"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Concurrency:   getEnvInt("WORKER_CONCURRENCY", 10),
		HealthAddress: getEnv("HEALTH_ADDRESS", ":8082"),
		Campaign: CampaignConfig{
			BatchSize:            getEnvInt("CAMPAIGN_BATCH_SIZE", 1000),
			BatchConcurrency:     getEnvInt("CAMPAIGN_BATCH_CONCURRENCY", 5),
			LockTTL:              getEnvDuration("CAMPAIGN_LOCK_TTL", 30*time.Minute),
			ThrottlePollInterval: getEnvDuration("CAMPAIGN_THROTTLE_POLL_INTERVAL", 2*time.Second),
		},
		Drip: DripConfig{
			Schedule:         getEnv("DRIP_SCHEDULE", "0 9 * * *"),
			Window:           getEnvDuration("DRIP_WINDOW", 24*time.Hour),
			QuietPeriod:      getEnvDuration("DRIP_QUIET_PERIOD", 12*time.Hour),
			EnabledByDefault: getEnvBool("FEATURE_ONBOARDING_DRIP_EMAILS", false),
		},
		Digest: DigestConfig{
			Schedule:           getEnv("DIGEST_SCHEDULE", "0 14 * * *"),
			ExcludedDeployment: getEnv("DIGEST_EXCLUDED_DEPLOYMENT", "dev.to"),
			Lookback:           getEnvDuration("DIGEST_LOOKBACK", 7*24*time.Hour),
			MaxArticles:        getEnvInt("DIGEST_MAX_ARTICLES", 6),
			MinArticles:        getEnvInt("DIGEST_MIN_ARTICLES", 3),
			MinScore:           getEnvInt("DIGEST_MIN_SCORE", 10),
			FanoutPageSize:     getEnvInt("DIGEST_FANOUT_PAGE_SIZE", 1000),
		},
		Survey: SurveyConfig{
			Schedule:       getEnv("SURVEY_SCHEDULE", "30 15 * * *"),
			ActivityWindow: getEnvDuration("SURVEY_ACTIVITY_WINDOW", 90*24*time.Hour),
		},
		Cleanup: CleanupConfig{
			Schedule:  getEnv("LEDGER_CLEANUP_SCHEDULE", "0 3 * * *"),
			Retention: getEnvDuration("LEDGER_RETENTION", 90*24*time.Hour),
			ChunkSize: getEnvInt("LEDGER_PURGE_CHUNK", 5000),
		},
		Mail: MailConfig{
			APIURL:        os.Getenv("MAIL_API_URL"),
			APIKey:        os.Getenv("MAIL_API_KEY"),
			FromAddress:   getEnv("MAIL_FROM_ADDRESS", "noreply@forem.local"),
			RatePerSecond: getEnvFloat("MAIL_RATE_PER_SECOND", 20),
			Timeout:       getEnvDuration("MAIL_TIMEOUT", 10*time.Second),
		},
		SentryDSN:         os.Getenv("SENTRY_DSN"),
		EnableSentry:      getEnvBool("ENABLE_SENTRY", true),
		SentryEnvironment: getEnv("SENTRY_ENVIRONMENT", getEnv("ENVIRONMENT", "development")),
		OTLPEndpoint:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		OTelEnabled:       getEnvBool("OTEL_ENABLED", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		LogOutput:         getEnv("LOG_OUTPUT", "stdout"),
		Debug:             getEnvBool("DEBUG", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Campaign.BatchSize <= 0 {
		return fmt.Errorf("CAMPAIGN_BATCH_SIZE must be positive, got %d", c.Campaign.BatchSize)
	}
	if c.Campaign.BatchConcurrency <= 0 {
		return fmt.Errorf("CAMPAIGN_BATCH_CONCURRENCY must be positive, got %d", c.Campaign.BatchConcurrency)
	}
	if c.Drip.Window <= 0 {
		return fmt.Errorf("DRIP_WINDOW must be positive")
	}
	if c.Drip.QuietPeriod <= 0 {
		return fmt.Errorf("DRIP_QUIET_PERIOD must be positive")
	}
	if c.Cleanup.Retention <= 0 {
		return fmt.Errorf("LEDGER_RETENTION must be positive")
	}
	if c.Digest.MinArticles > c.Digest.MaxArticles {
		return fmt.Errorf("DIGEST_MIN_ARTICLES (%d) exceeds DIGEST_MAX_ARTICLES (%d)",
			c.Digest.MinArticles, c.Digest.MaxArticles)
	}

	schedules := map[string]string{
		"DRIP_SCHEDULE":           c.Drip.Schedule,
		"DIGEST_SCHEDULE":         c.Digest.Schedule,
		"SURVEY_SCHEDULE":         c.Survey.Schedule,
		"LEDGER_CLEANUP_SCHEDULE": c.Cleanup.Schedule,
	}
	for name, spec := range schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s is not a valid cron expression: %w", name, err)
		}
	}

	return nil
}

// DigestDisabled reports whether this deployment opts out of periodic digests.
func (c *Config) DigestDisabled() bool {
	return c.Digest.ExcludedDeployment != "" &&
		strings.EqualFold(c.DeploymentName, c.Digest.ExcludedDeployment)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go duration strings ("12h", "90m").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
