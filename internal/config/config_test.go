package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
saas:
  api_base_url: "https://api.saas.test"
  app_install_url: "https://app.saas.test"
  client_id: "client"
  client_secret: "${TEST_SAAS_SECRET}"
  redirect_uri: "https://connector.test/oauth/callback"
aggregator:
  api_base_url: "https://{region}.aggregator.test/api/"
  api_key: "key"
  source_id: "6b6a2f3e-5c1a-4f55-9a47-3bfe5ad1c0e1"
  redirect_url: "https://aggregator.test/connectors"
  webhook_secret: "secret"
database:
  path: "test.db"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_SAAS_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.SaaS.ClientSecret)
	assert.Equal(t, "https://api.saas.test/", cfg.SaaS.APIBaseURL)
	assert.Equal(t, "https://{region}.aggregator.test/api", cfg.Aggregator.APIBaseURL)
	assert.Equal(t, []string{"crm.objects.owners.read"}, cfg.SaaS.Scopes)
	assert.Equal(t, DefaultUsersSyncCron, cfg.Scheduler.UsersSyncCron)
	assert.Equal(t, DefaultTimeZoneRefreshCron, cfg.Scheduler.TimeZoneRefreshCron)
	assert.Equal(t, DefaultTokenRefreshMaxRetry, cfg.TokenRefreshRetries())
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 8080, cfg.API.HTTP.Port)
	assert.Equal(t, "saassync", cfg.Redis.KeyPrefix)
}

func TestLoadConfigTokenRefreshMaxRetry(t *testing.T) {
	t.Run("ExplicitZero", func(t *testing.T) {
		t.Setenv("TEST_SAAS_SECRET", "secret")
		cfg, err := Load(writeConfig(t, validYAML+"scheduler:\n  token_refresh_max_retry: 0\n"))
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.TokenRefreshRetries())
	})

	t.Run("OutOfRange", func(t *testing.T) {
		t.Setenv("TEST_SAAS_SECRET", "secret")
		_, err := Load(writeConfig(t, validYAML+"scheduler:\n  token_refresh_max_retry: 21\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TokenRefreshMaxRetry")
		assert.Contains(t, err.Error(), `"lte"`)
	})
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	base := func() Config {
		retries := 3
		cfg := Config{
			SaaS: SaaSConfig{
				APIBaseURL:    "https://api.saas.test/",
				AppInstallURL: "https://app.saas.test",
				ClientID:      "client",
				ClientSecret:  "secret",
				RedirectURI:   "https://connector.test/oauth/callback",
			},
			Aggregator: AggregatorConfig{
				APIBaseURL:    "https://aggregator.test",
				APIKey:        "key",
				SourceID:      "6b6a2f3e-5c1a-4f55-9a47-3bfe5ad1c0e1",
				RedirectURL:   "https://aggregator.test/connectors",
				WebhookSecret: "secret",
			},
			Database:  DatabaseConfig{Path: "path"},
			Scheduler: SchedulerConfig{TokenRefreshMaxRetry: &retries},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing client id", mutate: func(c *Config) { c.SaaS.ClientID = "" }, wantErr: true},
		{name: "source id not uuid", mutate: func(c *Config) { c.Aggregator.SourceID = "abc" }, wantErr: true},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "lease shorter than poll", mutate: func(c *Config) {
			c.Scheduler.LeaseTimeout = time.Second
			c.Scheduler.PollInterval = 2 * time.Second
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
