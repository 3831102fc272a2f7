package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"RiskEngine/internal/domain"
	"RiskEngine/internal/risk"
)

const (
	defaultTimezone      = "UTC"
	configPathEnv        = "RISK_ENGINE_CONFIG"
	databaseDSNEnv       = "RISK_ENGINE_DATABASE_DSN"
	databaseDriverEnv    = "RISK_ENGINE_DATABASE_DRIVER"
	distributionURLEnv   = "RISK_ENGINE_DISTRIBUTION_URL"
	detectionEndpointEnv = "RISK_ENGINE_DETECTION_URL"
	logLevelEnv          = "RISK_ENGINE_LOG_LEVEL"
	telegramTokenEnv     = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv    = "TELEGRAM_CHAT_ID"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig             `yaml:"logging"`
	Database      DatabaseConfig            `yaml:"database"`
	Distribution  DistributionConfig        `yaml:"distribution"`
	Detection     DetectionConfig           `yaml:"detection"`
	Risk          RiskConfig                `yaml:"risk"`
	Scoring       risk.ScoringConfiguration `yaml:"scoring"`
	Scheduler     SchedulerConfig           `yaml:"scheduler"`
	Metrics       MetricsConfig             `yaml:"metrics"`
	Tracing       TracingConfig             `yaml:"tracing"`
	Notifications NotificationConfig        `yaml:"notifications"`
}

// LoggingConfig selects slog level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes the durable store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// BreakerConfig tunes the circuit breaker around distribution calls.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"maxFailures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// DistributionConfig points at the package distribution service.
type DistributionConfig struct {
	BaseURL       string        `yaml:"baseUrl"`
	Country       string        `yaml:"country"`
	CatalogFormat string        `yaml:"catalogFormat"`
	Timeout       time.Duration `yaml:"timeout"`
	PublicKey     string        `yaml:"publicKey"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// DetectionConfig points at the platform detection executor.
type DetectionConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	APIKey     string        `yaml:"apiKey"`
	DailyQuota int           `yaml:"dailyQuota"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RiskConfig controls recomputation policy.
type RiskConfig struct {
	ValidityDuration  time.Duration `yaml:"validityDuration"`
	RecomputeInterval time.Duration `yaml:"recomputeInterval"`
	DetectionMode     string        `yaml:"detectionMode"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RetentionDays     int           `yaml:"retentionDays"`
}

// Providing converts the section into the engine's configuration value.
func (r RiskConfig) Providing() domain.RiskProvidingConfiguration {
	return domain.RiskProvidingConfiguration{
		ValidityDuration:  r.ValidityDuration,
		RecomputeInterval: r.RecomputeInterval,
		DetectionMode:     domain.DetectionMode(r.DetectionMode),
	}
}

// SchedulerConfig defines when background risk requests run.
type SchedulerConfig struct {
	CronExpression string         `yaml:"cronExpression"`
	Timezone       string         `yaml:"timezone"`
	location       *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// MetricsConfig enables the Prometheus endpoint when Address is set.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if fileCfg, err := readFile(path); err != nil {
			log.Printf("config: %v (falling back to defaults)", err)
		} else {
			cfg = mergeConfig(cfg, fileCfg)
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()
	return cfg
}

// LoadFile is Load with an explicit path; errors are returned instead of logged.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		fileCfg, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()
	return cfg, nil
}

func readFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return fileCfg, nil
}

// Validate reports every setting the application cannot start with.
func (c Config) Validate() error {
	var errs []error

	if err := c.Risk.Providing().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("risk: %w", err))
	}
	if c.Risk.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("risk: request timeout must be positive"))
	}
	if err := c.Scoring.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database: unknown driver %q", c.Database.Driver))
	}
	switch c.Distribution.CatalogFormat {
	case "json", "html":
	default:
		errs = append(errs, fmt.Errorf("distribution: unknown catalog format %q", c.Distribution.CatalogFormat))
	}
	if c.Distribution.BaseURL == "" {
		errs = append(errs, fmt.Errorf("distribution: base url is required"))
	}
	if c.Detection.DailyQuota <= 0 {
		errs = append(errs, fmt.Errorf("detection: daily quota must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Database.Driver = v
	}

	if v := os.Getenv(distributionURLEnv); v != "" {
		c.Distribution.BaseURL = v
	}

	if v := os.Getenv(detectionEndpointEnv); v != "" {
		c.Detection.Endpoint = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Database.Driver != "" {
		base.Database.Driver = override.Database.Driver
	}
	if override.Database.DSN != "" {
		base.Database.DSN = override.Database.DSN
	}

	if override.Distribution.BaseURL != "" {
		base.Distribution.BaseURL = override.Distribution.BaseURL
	}
	if override.Distribution.Country != "" {
		base.Distribution.Country = override.Distribution.Country
	}
	if override.Distribution.CatalogFormat != "" {
		base.Distribution.CatalogFormat = override.Distribution.CatalogFormat
	}
	if override.Distribution.Timeout != 0 {
		base.Distribution.Timeout = override.Distribution.Timeout
	}
	if override.Distribution.PublicKey != "" {
		base.Distribution.PublicKey = override.Distribution.PublicKey
	}
	if override.Distribution.Breaker.MaxFailures != 0 {
		base.Distribution.Breaker.MaxFailures = override.Distribution.Breaker.MaxFailures
	}
	if override.Distribution.Breaker.Timeout != 0 {
		base.Distribution.Breaker.Timeout = override.Distribution.Breaker.Timeout
	}
	if override.Distribution.Breaker.Interval != 0 {
		base.Distribution.Breaker.Interval = override.Distribution.Breaker.Interval
	}

	if override.Detection.Endpoint != "" {
		base.Detection.Endpoint = override.Detection.Endpoint
	}
	if override.Detection.APIKey != "" {
		base.Detection.APIKey = override.Detection.APIKey
	}
	if override.Detection.DailyQuota != 0 {
		base.Detection.DailyQuota = override.Detection.DailyQuota
	}
	if override.Detection.Timeout != 0 {
		base.Detection.Timeout = override.Detection.Timeout
	}

	if override.Risk.ValidityDuration != 0 {
		base.Risk.ValidityDuration = override.Risk.ValidityDuration
	}
	if override.Risk.RecomputeInterval != 0 {
		base.Risk.RecomputeInterval = override.Risk.RecomputeInterval
	}
	if override.Risk.DetectionMode != "" {
		base.Risk.DetectionMode = override.Risk.DetectionMode
	}
	if override.Risk.RequestTimeout != 0 {
		base.Risk.RequestTimeout = override.Risk.RequestTimeout
	}
	if override.Risk.RetentionDays != 0 {
		base.Risk.RetentionDays = override.Risk.RetentionDays
	}

	if len(override.Scoring.AttenuationBuckets) > 0 {
		base.Scoring = override.Scoring
	}

	if override.Scheduler.CronExpression != "" {
		base.Scheduler.CronExpression = override.Scheduler.CronExpression
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}

	if override.Metrics.Address != "" {
		base.Metrics.Address = override.Metrics.Address
	}

	if override.Tracing.Enabled {
		base.Tracing.Enabled = true
	}
	if override.Tracing.Exporter != "" {
		base.Tracing.Exporter = override.Tracing.Exporter
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	return base
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	providing := domain.DefaultRiskProvidingConfiguration()
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "riskengine.db"},
		Distribution: DistributionConfig{
			BaseURL:       "https://distribution.example.org",
			Country:       "DE",
			CatalogFormat: "json",
			Timeout:       30 * time.Second,
			Breaker:       BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second, Interval: time.Minute},
		},
		Detection: DetectionConfig{
			Endpoint:   "http://localhost:8081",
			DailyQuota: 6,
			Timeout:    2 * time.Minute,
		},
		Risk: RiskConfig{
			ValidityDuration:  providing.ValidityDuration,
			RecomputeInterval: providing.RecomputeInterval,
			DetectionMode:     string(providing.DetectionMode),
			RequestTimeout:    10 * time.Minute,
			RetentionDays:     14,
		},
		Scoring:   risk.DefaultScoringConfiguration(),
		Scheduler: SchedulerConfig{CronExpression: "0 */4 * * *", Timezone: defaultTimezone, location: tz},
		Tracing:   TracingConfig{Enabled: false, Exporter: "noop"},
	}
}
