// Package app wires configuration into the campaign pipeline's stores, services and task
// handlers. Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/forem/forem-sub087/internal/cache"
	"github.com/forem/forem-sub087/internal/campaigns"
	"github.com/forem/forem-sub087/internal/config"
	"github.com/forem/forem-sub087/internal/database"
	"github.com/forem/forem-sub087/internal/errorreport"
	"github.com/forem/forem-sub087/internal/flags"
	"github.com/forem/forem-sub087/internal/jobs"
	"github.com/forem/forem-sub087/internal/lock"
	"github.com/forem/forem-sub087/internal/mailer"
	"github.com/forem/forem-sub087/internal/repository"
	"github.com/forem/forem-sub087/internal/telemetry"
	"github.com/forem/forem-sub087/internal/throttle"
)

const (
	mailRetries  = 2
	flushTimeout = 2 * time.Second
)

// App holds the connected pipeline.
type App struct {
	Config   *config.Config
	DB       *database.DB
	Redis    *redis.Client
	Tasks    *asynq.Client
	Flags    *flags.Store
	Enqueuer *jobs.Enqueuer
	Services jobs.Services
	Handlers *jobs.Handlers
	Reporter errorreport.Reporter
}

// New connects to Postgres and Redis and builds every service.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	rdb, err := cache.NewClient(ctx, cache.Config{
		URL:        cfg.RedisURL,
		PoolSize:   cfg.Concurrency + 10,
		Instrument: cfg.OTelEnabled,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	a := &App{
		Config:   cfg,
		DB:       db,
		Redis:    rdb,
		Tasks:    asynq.NewClient(redisOpt),
		Reporter: errorreport.NewSentryReporter(),
	}
	a.build()
	return a, nil
}

func (a *App) build() {
	cfg := a.Config
	metrics := telemetry.DefaultMetrics()

	directory := repository.NewDirectoryRepository(a.DB)
	ledger := repository.NewLedgerRepository(a.DB)
	campaignStore := repository.NewCampaignRepository(a.DB)
	surveys := repository.NewSurveyRepository(a.DB)
	articles := repository.NewArticleRepository(a.DB)

	locker := lock.New(a.Redis, cfg.Campaign.LockTTL)
	a.Enqueuer = jobs.NewEnqueuer(a.Tasks, locker)
	a.Flags = flags.NewStore(a.Redis, map[string]bool{
		flags.OnboardingDripEmails: cfg.Drip.EnabledByDefault,
	})

	dispatcher := mailer.NewTrackingDispatcher(newTransport(cfg.Mail), ledger)

	a.Services = jobs.Services{
		Dispatcher: campaigns.NewDispatcher(campaignStore, directory, a.Enqueuer, cfg.Campaign.BatchSize),
		Batches:    campaigns.NewBatchDeliverer(directory, ledger, dispatcher, metrics),
		Drip: campaigns.NewDripScheduler(a.Flags, campaignStore, directory, ledger, dispatcher, metrics,
			campaigns.DripOptions{Window: cfg.Drip.Window, QuietPeriod: cfg.Drip.QuietPeriod}),
		DigestFanout: campaigns.NewDigestScheduler(directory, a.Enqueuer, cfg.Digest.FanoutPageSize, cfg.DigestDisabled()),
		Digests: campaigns.NewDigestSender(directory,
			campaigns.NewArticleSelector(articles, ledger, campaigns.SelectorOptions{
				Lookback:    cfg.Digest.Lookback,
				MinArticles: cfg.Digest.MinArticles,
				MaxArticles: cfg.Digest.MaxArticles,
				MinScore:    cfg.Digest.MinScore,
			}),
			dispatcher, a.Reporter, metrics, cfg.SiteURL),
		Surveys: campaigns.NewSurveySampler(surveys, directory, campaigns.DefaultExclusions(surveys),
			dispatcher, a.Reporter, metrics, cfg.Survey.ActivityWindow, cfg.SiteURL),
		Cleanup: campaigns.NewRetentionCleaner(ledger, cfg.Cleanup.Retention, cfg.Cleanup.ChunkSize),
	}

	batchSlots := throttle.NewSemaphore(a.Redis, "campaign_batch", cfg.Campaign.BatchConcurrency,
		cfg.Campaign.LockTTL, cfg.Campaign.ThrottlePollInterval)
	surveySlots := jobs.NewSurveySlots(a.Redis, cfg.Campaign.ThrottlePollInterval)
	a.Handlers = jobs.NewHandlers(a.Services, locker, a.Enqueuer, batchSlots, surveySlots, metrics)
}

// newTransport picks the relay client, or the logging dispatcher when no relay is configured.
func newTransport(cfg config.MailConfig) mailer.Dispatcher {
	if cfg.APIURL == "" {
		return mailer.NewLogDispatcher()
	}
	return mailer.NewHTTPDispatcher(mailer.HTTPConfig{
		BaseURL:       cfg.APIURL,
		APIKey:        cfg.APIKey,
		FromAddress:   cfg.FromAddress,
		RatePerSecond: cfg.RatePerSecond,
		Timeout:       cfg.Timeout,
		RetryCount:    mailRetries,
	})
}

// Close releases connections.
func (a *App) Close() {
	if err := a.Tasks.Close(); err != nil {
		telemetry.LogFromContext(context.Background()).WithError(err).Warn("Failed to close task client")
	}
	if err := a.Redis.Close(); err != nil {
		telemetry.LogFromContext(context.Background()).WithError(err).Warn("Failed to close Redis")
	}
	if err := a.DB.Close(); err != nil {
		telemetry.LogFromContext(context.Background()).WithError(err).Warn("Failed to close database")
	}
}

// InitObservability sets up logging, OpenTelemetry and Sentry for a binary and returns a
// function that flushes them.
func InitObservability(ctx context.Context, cfg *config.Config, service, version string) (func(), error) {
	if err := telemetry.InitGlobalLogger(telemetry.NewLogConfig(cfg.LogLevel, cfg.LogFormat, cfg.LogOutput)); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	otelCfg := telemetry.DefaultConfig()
	otelCfg.ServiceName = service
	otelCfg.ServiceVersion = version
	otelCfg.Environment = cfg.Environment
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	otelCfg.Enabled = cfg.OTelEnabled
	shutdownOTel, err := telemetry.InitializeOpenTelemetry(ctx, otelCfg)
	if err != nil {
		return nil, err
	}

	if err := errorreport.Init(errorreport.Options{
		DSN:         cfg.SentryDSN,
		Enabled:     cfg.EnableSentry,
		Environment: cfg.SentryEnvironment,
		Release:     service + "@" + version,
		ServerName:  cfg.DeploymentName,
	}); err != nil {
		telemetry.LogFromContext(ctx).WithError(err).Warn("Sentry disabled")
	}

	return func() {
		errorreport.Flush(flushTimeout)
		shutdownOTel()
	}, nil
}
