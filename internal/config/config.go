package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	SaaS       SaaSConfig       `yaml:"saas"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type SaaSConfig struct {
	APIBaseURL    string              `yaml:"api_base_url" validate:"required,url"`
	AppInstallURL string              `yaml:"app_install_url" validate:"required,url"`
	ClientID      string              `yaml:"client_id" validate:"required"`
	ClientSecret  string              `yaml:"client_secret" validate:"required"`
	RedirectURI   string              `yaml:"redirect_uri" validate:"required,url"`
	Scopes        []string            `yaml:"scopes"`
	RateLimit     SaaSRateLimitConfig `yaml:"rate_limit"`
	Timeout       time.Duration       `yaml:"timeout"`
}

// SaaSRateLimitConfig caps outbound directory calls per tenant in a fixed window.
type SaaSRateLimitConfig struct {
	Requests int           `yaml:"requests" validate:"gte=0"`
	Window   time.Duration `yaml:"window"`
}

type AggregatorConfig struct {
	APIBaseURL    string        `yaml:"api_base_url" validate:"required"`
	APIKey        string        `yaml:"api_key" validate:"required"`
	SourceID      string        `yaml:"source_id" validate:"required,uuid"`
	RedirectURL   string        `yaml:"redirect_url" validate:"required,url"`
	WebhookSecret string        `yaml:"webhook_secret" validate:"required"`
	Timeout       time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	Path     string         `yaml:"path" validate:"required"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig switches the tenant store to Postgres when URL is set.
type PostgresConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SchedulerConfig struct {
	Workers              int           `yaml:"workers" validate:"gte=1"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	LeaseTimeout         time.Duration `yaml:"lease_timeout"`
	UsersSyncCron        string        `yaml:"users_sync_cron" validate:"required"`
	TimeZoneRefreshCron  string        `yaml:"timezone_refresh_cron" validate:"required"`
	TokenRefreshMaxRetry *int          `yaml:"token_refresh_max_retry" validate:"required,gte=0,lte=20"`
	Retry                RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" validate:"gte=1"`
}

type APIConfig struct {
	HTTP      APIHTTPConfig      `yaml:"http"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

var validate = validator.New()

func Load(configPath string) (*Config, error) {
	// .env is optional outside local development
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) && len(vErrs) > 0 {
			return fmt.Errorf("%s: failed on %q", vErrs[0].Namespace(), vErrs[0].Tag())
		}
		return err
	}
	if c.Scheduler.LeaseTimeout <= c.Scheduler.PollInterval {
		return errors.New("scheduler.lease_timeout must exceed scheduler.poll_interval")
	}
	return nil
}

// TokenRefreshRetries returns the configured retry budget for token refresh.
func (c *Config) TokenRefreshRetries() int {
	if c.Scheduler.TokenRefreshMaxRetry == nil {
		return DefaultTokenRefreshMaxRetry
	}
	return *c.Scheduler.TokenRefreshMaxRetry
}

const (
	DefaultUsersSyncCron        = "0 0 * * *"
	DefaultTimeZoneRefreshCron  = "0 */6 * * *"
	DefaultTokenRefreshMaxRetry = 3
)

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "saassync"
	}
	c.SaaS.APIBaseURL = withTrailingSlash(c.SaaS.APIBaseURL)
	if len(c.SaaS.Scopes) == 0 {
		c.SaaS.Scopes = []string{"crm.objects.owners.read"}
	}
	if c.SaaS.Timeout == 0 {
		c.SaaS.Timeout = 30 * time.Second
	}
	if c.SaaS.RateLimit.Requests > 0 && c.SaaS.RateLimit.Window == 0 {
		c.SaaS.RateLimit.Window = 10 * time.Second
	}
	c.Aggregator.APIBaseURL = strings.TrimRight(c.Aggregator.APIBaseURL, "/")
	if c.Aggregator.Timeout == 0 {
		c.Aggregator.Timeout = 30 * time.Second
	}
	if c.Database.Postgres.MaxConnections == 0 {
		c.Database.Postgres.MaxConnections = 10
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "saassync"
	}

	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = time.Second
	}
	if c.Scheduler.LeaseTimeout == 0 {
		c.Scheduler.LeaseTimeout = 5 * time.Minute
	}
	if c.Scheduler.UsersSyncCron == "" {
		c.Scheduler.UsersSyncCron = DefaultUsersSyncCron
	}
	if c.Scheduler.TimeZoneRefreshCron == "" {
		c.Scheduler.TimeZoneRefreshCron = DefaultTimeZoneRefreshCron
	}
	if c.Scheduler.TokenRefreshMaxRetry == nil {
		n := DefaultTokenRefreshMaxRetry
		c.Scheduler.TokenRefreshMaxRetry = &n
	}
	if c.Scheduler.Retry.InitialDelay == 0 {
		c.Scheduler.Retry.InitialDelay = 2 * time.Second
	}
	if c.Scheduler.Retry.MaxDelay == 0 {
		c.Scheduler.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Scheduler.Retry.BackoffFactor == 0 {
		c.Scheduler.Retry.BackoffFactor = 2
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 5
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 10
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}

func withTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
