package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearPipelineEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"REDIS_URL", "DEPLOYMENT_NAME", "CAMPAIGN_BATCH_SIZE", "CAMPAIGN_BATCH_CONCURRENCY",
		"DRIP_SCHEDULE", "DRIP_WINDOW", "DRIP_QUIET_PERIOD", "FEATURE_ONBOARDING_DRIP_EMAILS",
		"DIGEST_SCHEDULE", "DIGEST_EXCLUDED_DEPLOYMENT", "DIGEST_MIN_ARTICLES", "DIGEST_MAX_ARTICLES",
		"SURVEY_SCHEDULE", "LEDGER_CLEANUP_SCHEDULE", "LEDGER_RETENTION", "MAIL_API_URL", "APP_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearPipelineEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 1000, cfg.Campaign.BatchSize)
	assert.Equal(t, 5, cfg.Campaign.BatchConcurrency)
	assert.Equal(t, 24*time.Hour, cfg.Drip.Window)
	assert.Equal(t, 12*time.Hour, cfg.Drip.QuietPeriod)
	assert.False(t, cfg.Drip.EnabledByDefault)
	assert.Equal(t, 90*24*time.Hour, cfg.Cleanup.Retention)
	assert.Equal(t, "dev.to", cfg.Digest.ExcludedDeployment)
	assert.Empty(t, cfg.Mail.APIURL)
	assert.Equal(t, "http://localhost:3000", cfg.SiteURL)
}

func TestLoad_Overrides(t *testing.T) {
	clearPipelineEnv(t)
	t.Setenv("CAMPAIGN_BATCH_SIZE", "10")
	t.Setenv("CAMPAIGN_BATCH_CONCURRENCY", "2")
	t.Setenv("DRIP_WINDOW", "1h")
	t.Setenv("DRIP_SCHEDULE", "0 * * * *")
	t.Setenv("FEATURE_ONBOARDING_DRIP_EMAILS", "true")
	t.Setenv("LEDGER_RETENTION", "720h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Campaign.BatchSize)
	assert.Equal(t, 2, cfg.Campaign.BatchConcurrency)
	assert.Equal(t, time.Hour, cfg.Drip.Window)
	assert.Equal(t, "0 * * * *", cfg.Drip.Schedule)
	assert.True(t, cfg.Drip.EnabledByDefault)
	assert.Equal(t, 30*24*time.Hour, cfg.Cleanup.Retention)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "zero batch size",
			env:     map[string]string{"CAMPAIGN_BATCH_SIZE": "0"},
			wantErr: "CAMPAIGN_BATCH_SIZE",
		},
		{
			name:    "negative concurrency",
			env:     map[string]string{"CAMPAIGN_BATCH_CONCURRENCY": "-1"},
			wantErr: "CAMPAIGN_BATCH_CONCURRENCY",
		},
		{
			name:    "quiet period disabled",
			env:     map[string]string{"DRIP_QUIET_PERIOD": "0s"},
			wantErr: "DRIP_QUIET_PERIOD",
		},
		{
			name:    "bad cron",
			env:     map[string]string{"SURVEY_SCHEDULE": "every day"},
			wantErr: "SURVEY_SCHEDULE",
		},
		{
			name:    "digest bounds inverted",
			env:     map[string]string{"DIGEST_MIN_ARTICLES": "8", "DIGEST_MAX_ARTICLES": "4"},
			wantErr: "DIGEST_MIN_ARTICLES",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearPipelineEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			assert.Nil(t, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_DigestDisabled(t *testing.T) {
	tests := []struct {
		deployment string
		excluded   string
		want       bool
	}{
		{"dev.to", "dev.to", true},
		{"DEV.to", "dev.to", true},
		{"community.example", "dev.to", false},
		{"dev.to", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.deployment+"/"+tt.excluded, func(t *testing.T) {
			cfg := &Config{DeploymentName: tt.deployment, Digest: DigestConfig{ExcludedDeployment: tt.excluded}}
			assert.Equal(t, tt.want, cfg.DigestDisabled())
		})
	}
}
