package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Region   RegionConfig   `yaml:"region"`
	Sources  SourcesConfig  `yaml:"sources"`
	Forecast ForecastConfig `yaml:"forecast"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Audit    AuditConfig    `yaml:"audit"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects Postgres (production) or SQLite (local) storage.
type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // "postgres" or "sqlite"
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Name       string `yaml:"name"`
	SSLMode    string `yaml:"sslmode"`
	SearchPath string `yaml:"search_path"`
	Path       string `yaml:"path"` // sqlite only
}

// DSN returns the data source name for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	}
	q := url.Values{}
	q.Set("sslmode", d.SSLMode)
	if d.SearchPath != "" {
		q.Set("search_path", d.SearchPath)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// RegionConfig identifies the grid region and its wall-clock zone.
type RegionConfig struct {
	Code     int    `yaml:"code"`
	Timezone string `yaml:"timezone"`
}

// Location loads the region time zone.
func (r RegionConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("region timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// SourcesConfig holds the two upstream APIs.
type SourcesConfig struct {
	Demand   SourceConfig `yaml:"demand"`
	Holidays SourceConfig `yaml:"holidays"`
}

// SourceConfig configures one HTTP API client.
type SourceConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout string        `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// ParseTimeout returns the request timeout as time.Duration.
func (s SourceConfig) ParseTimeout() time.Duration {
	return parseDuration(s.Timeout, 30*time.Second)
}

// BreakerConfig configures the circuit breaker in front of an API.
type BreakerConfig struct {
	MaxFailures uint32 `yaml:"max_failures"`
	OpenTimeout string `yaml:"open_timeout"`
}

// ParseOpenTimeout returns how long the breaker stays open.
func (b BreakerConfig) ParseOpenTimeout() time.Duration {
	return parseDuration(b.OpenTimeout, time.Minute)
}

// ForecastConfig configures the model and its window.
type ForecastConfig struct {
	ModelPath     string `yaml:"model_path"`
	LookbackHours int    `yaml:"lookback_hours"`
	Horizon       int    `yaml:"horizon"`
}

// ScheduleConfig configures the hourly trigger.
type ScheduleConfig struct {
	Cron       string `yaml:"cron"`
	Retries    int    `yaml:"retries"`
	RetryDelay string `yaml:"retry_delay"`
}

// ParseRetryDelay returns the delay between retries as time.Duration.
func (s ScheduleConfig) ParseRetryDelay() time.Duration {
	return parseDuration(s.RetryDelay, 2*time.Minute)
}

// AuditConfig sets the user recorded in the audit columns.
type AuditConfig struct {
	User string `yaml:"user"`
}

// AlertsConfig configures run-failure notification destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level"` // dbg, inf, wrn or err
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    5432,
			Name:    "energy",
			SSLMode: "disable",
			Path:    "./gridcast.db",
		},
		Region: RegionConfig{Code: 1002, Timezone: "America/Argentina/Buenos_Aires"},
		Sources: SourcesConfig{
			Demand: SourceConfig{
				BaseURL: "https://api.cammesa.com/demanda-svc/demanda/ObtieneDemandaYTemperaturaRegionByFecha",
				Timeout: "30s",
				Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: "1m"},
			},
			Holidays: SourceConfig{
				BaseURL: "http://nolaborables.com.ar/api/v2/feriados",
				Timeout: "30s",
				Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: "1m"},
			},
		},
		Forecast: ForecastConfig{
			ModelPath:     "./models/lstm_24_model.json",
			LookbackHours: 48,
			Horizon:       24,
		},
		Schedule: ScheduleConfig{Cron: "5 * * * *", Retries: 1, RetryDelay: "2m"},
		Audit:    AuditConfig{User: currentUser()},
		Server:   ServerConfig{Port: 8080},
		Log:      LogConfig{Level: "inf"},
	}
}

// Load reads configuration from a YAML file, then a .env file in the
// working directory if one exists, and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
// The ENERGY_DB* names are kept for existing deployments.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ENERGY_DB"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("ENERGY_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("ENERGY_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("ENERGY_DB_PASS"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("ENERGY_DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENERGY_DB_PORT: %w", err)
		}
		cfg.Database.Port = port
	}
	if v := os.Getenv("GRIDCAST_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("GRIDCAST_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GRIDCAST_MODEL_PATH"); v != "" {
		cfg.Forecast.ModelPath = v
	}
	if v := os.Getenv("GRIDCAST_REGION"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRIDCAST_REGION: %w", err)
		}
		cfg.Region.Code = code
	}
	if v := os.Getenv("GRIDCAST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
			errs = append(errs, errors.New("database: postgres needs host, user and name (ENERGY_DB_HOST, ENERGY_DB_USER, ENERGY_DB)"))
		}
		if c.Database.Port <= 0 {
			errs = append(errs, fmt.Errorf("database: invalid port %d", c.Database.Port))
		}
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database: sqlite needs a path"))
		}
	default:
		errs = append(errs, fmt.Errorf("database: unsupported driver %q", c.Database.Driver))
	}

	if c.Region.Code <= 0 {
		errs = append(errs, fmt.Errorf("region: invalid code %d", c.Region.Code))
	}
	if _, err := c.Region.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Forecast.LookbackHours <= 0 || c.Forecast.Horizon <= 0 {
		errs = append(errs, fmt.Errorf("forecast: lookback_hours %d and horizon %d must be positive",
			c.Forecast.LookbackHours, c.Forecast.Horizon))
	}
	if c.Schedule.Retries < 0 {
		errs = append(errs, fmt.Errorf("schedule: negative retries %d", c.Schedule.Retries))
	}

	for _, d := range []struct{ key, value string }{
		{"sources.demand.timeout", c.Sources.Demand.Timeout},
		{"sources.demand.breaker.open_timeout", c.Sources.Demand.Breaker.OpenTimeout},
		{"sources.holidays.timeout", c.Sources.Holidays.Timeout},
		{"sources.holidays.breaker.open_timeout", c.Sources.Holidays.Breaker.OpenTimeout},
		{"schedule.retry_delay", c.Schedule.RetryDelay},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
		}
	}

	switch c.Log.Level {
	case "dbg", "inf", "wrn", "err":
	default:
		errs = append(errs, fmt.Errorf("log: unknown level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "gridcast"
}
