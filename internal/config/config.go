// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/journal-crawler/internal/antibot"
	"github.com/JakeFAU/journal-crawler/internal/consensus"
	"github.com/JakeFAU/journal-crawler/internal/crawler"
	colly "github.com/JakeFAU/journal-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/journal-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/journal-crawler/internal/judge"
	"github.com/JakeFAU/journal-crawler/internal/pipeline"
	"github.com/JakeFAU/journal-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/journal-crawler/internal/storage/postgres"
	"github.com/JakeFAU/journal-crawler/internal/strategy"
)

// EnvPrefix namespaces environment overrides, e.g. JCRAWL_JUDGE_API_KEY.
const EnvPrefix = "JCRAWL"

// AppName names the per-user data directory.
const AppName = "journal-crawler"

// Store and export drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
	DriverNone     = "none"
)

// Config captures every knob loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Antibot   AntibotConfig   `mapstructure:"antibot"`
	Window    WindowConfig    `mapstructure:"window"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Judge     JudgeConfig     `mapstructure:"judge"`
	Store     StoreConfig     `mapstructure:"store"`
	Export    ExportConfig    `mapstructure:"export"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FetchConfig governs the direct backend and the retry staircase.
type FetchConfig struct {
	TimeoutSeconds  int      `mapstructure:"timeout_seconds"`
	DirectAttempts  int      `mapstructure:"direct_attempts"`
	BrowserAttempts int      `mapstructure:"browser_attempts"`
	BaseDelayMs     int      `mapstructure:"base_delay_ms"`
	JitterMs        int      `mapstructure:"jitter_ms"`
	BackoffFactor   float64  `mapstructure:"backoff_factor"`
	MaxDelayMs      int      `mapstructure:"max_delay_ms"`
	UserAgents      []string `mapstructure:"user_agents"`
	RespectRobots   bool     `mapstructure:"respect_robots"`
	PerHostRPS      float64  `mapstructure:"per_host_rps"`
	PerHostBurst    int      `mapstructure:"per_host_burst"`
}

// HeadlessConfig configures the browser backend.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	BudgetSeconds int  `mapstructure:"budget_seconds"`
}

// AntibotConfig tunes challenge detection and the wait staircase.
type AntibotConfig struct {
	Markers        []string `mapstructure:"markers"`
	MinBodyBytes   int      `mapstructure:"min_body_bytes"`
	Keywords       []string `mapstructure:"keywords"`
	PollIntervalMs int      `mapstructure:"poll_interval_ms"`
	ShortWaitMs    int      `mapstructure:"short_wait_ms"`
	MediumWaitMs   int      `mapstructure:"medium_wait_ms"`
	LongWaitMs     int      `mapstructure:"long_wait_ms"`
	InteractAfter  int      `mapstructure:"interact_after"`
}

// WindowConfig controls window derivation and the nearest-match fallback.
type WindowConfig struct {
	LookbackDays  int `mapstructure:"lookback_days"`
	FallbackLimit int `mapstructure:"fallback_limit"`
}

// ConsensusConfig sizes the classification worker pool.
type ConsensusConfig struct {
	BatchSize      int   `mapstructure:"batch_size"`
	Workers        int   `mapstructure:"workers"`
	MaxInFlight    int64 `mapstructure:"max_in_flight"`
	PassDelayMinMs int   `mapstructure:"pass_delay_min_ms"`
	PassDelayMaxMs int   `mapstructure:"pass_delay_max_ms"`
}

// JudgeConfig points at an OpenAI-compatible chat completions endpoint.
type JudgeConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	Model          string  `mapstructure:"model"`
	APIKey         string  `mapstructure:"api_key"`
	Topic          string  `mapstructure:"topic"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RPS            float64 `mapstructure:"rps"`
	Attempts       int     `mapstructure:"attempts"`
}

// StoreConfig selects the article, checkpoint and failure store.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// ExportConfig selects where run reports are written.
type ExportConfig struct {
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// NotifyConfig enables Pub/Sub announcements of relevant articles when both
// fields are set.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// PipelineConfig bounds each stream pass.
type PipelineConfig struct {
	PassTimeoutMinutes int `mapstructure:"pass_timeout_minutes"`
	FetchWorkers       int `mapstructure:"fetch_workers"`
}

// MetricsConfig exposes Prometheus metrics during a run when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// CatalogConfig locates the stream catalog.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DataDir is the per-user directory for the embedded store and reports.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.direct_attempts", 3)
	v.SetDefault("fetch.browser_attempts", strategy.DefaultBrowserAttempts)
	v.SetDefault("fetch.base_delay_ms", 5000)
	v.SetDefault("fetch.jitter_ms", 10000)
	v.SetDefault("fetch.backoff_factor", crawler.DefaultBackoffFactor)
	v.SetDefault("fetch.max_delay_ms", 120000)
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.per_host_rps", 0.5)
	v.SetDefault("fetch.per_host_burst", 1)

	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.budget_seconds", 60)

	v.SetDefault("antibot.markers", []string{})
	v.SetDefault("antibot.min_body_bytes", antibot.DefaultMinBodyBytes)
	v.SetDefault("antibot.keywords", []string{})
	v.SetDefault("antibot.poll_interval_ms", 2000)
	v.SetDefault("antibot.short_wait_ms", 3000)
	v.SetDefault("antibot.medium_wait_ms", 5000)
	v.SetDefault("antibot.long_wait_ms", 8000)
	v.SetDefault("antibot.interact_after", 5)

	v.SetDefault("window.lookback_days", 7)
	v.SetDefault("window.fallback_limit", 2)

	v.SetDefault("consensus.batch_size", consensus.DefaultBatchSize)
	v.SetDefault("consensus.workers", consensus.DefaultWorkers)
	v.SetDefault("consensus.max_in_flight", 4)
	v.SetDefault("consensus.pass_delay_min_ms", 1000)
	v.SetDefault("consensus.pass_delay_max_ms", 3000)

	v.SetDefault("judge.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("judge.model", "gpt-4o-mini")
	v.SetDefault("judge.api_key", "")
	v.SetDefault("judge.topic", "")
	v.SetDefault("judge.timeout_seconds", 60)
	v.SetDefault("judge.rps", 1.0)
	v.SetDefault("judge.attempts", 3)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.sqlite_path", filepath.Join(DataDir(), "journal.db"))
	v.SetDefault("store.table_prefix", postgres.DefaultTablePrefix)

	v.SetDefault("export.driver", DriverLocal)
	v.SetDefault("export.dir", filepath.Join(DataDir(), "reports"))
	v.SetDefault("export.bucket", "")
	v.SetDefault("export.prefix", "")

	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")

	v.SetDefault("pipeline.pass_timeout_minutes", int(pipeline.DefaultPassTimeout/time.Minute))
	v.SetDefault("pipeline.fetch_workers", pipeline.DefaultFetchWorkers)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("catalog.path", "streams.yaml")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, ok := levels[strings.ToLower(c.Logging.Level)]; !ok {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.DirectAttempts < 1 || c.Fetch.DirectAttempts > crawler.MaxAttemptsCeiling {
		return fmt.Errorf("fetch.direct_attempts must be between 1 and %d", crawler.MaxAttemptsCeiling)
	}
	if c.Fetch.BrowserAttempts < 1 || c.Fetch.BrowserAttempts > crawler.MaxAttemptsCeiling {
		return fmt.Errorf("fetch.browser_attempts must be between 1 and %d", crawler.MaxAttemptsCeiling)
	}
	if c.Fetch.BaseDelayMs < 0 || c.Fetch.JitterMs < 0 {
		return fmt.Errorf("fetch.base_delay_ms and fetch.jitter_ms must be >= 0")
	}
	if c.Fetch.BackoffFactor < 1 {
		return fmt.Errorf("fetch.backoff_factor must be >= 1")
	}
	if c.Fetch.PerHostRPS < 0 {
		return fmt.Errorf("fetch.per_host_rps must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.Enabled && c.Headless.BudgetSeconds <= 0 {
		return fmt.Errorf("headless.budget_seconds must be > 0 when headless is enabled")
	}
	if c.Window.LookbackDays <= 0 {
		return fmt.Errorf("window.lookback_days must be > 0")
	}
	if c.Window.FallbackLimit < 1 || c.Window.FallbackLimit > 2 {
		return fmt.Errorf("window.fallback_limit must be 1 or 2")
	}
	if c.Consensus.BatchSize <= 0 || c.Consensus.Workers <= 0 {
		return fmt.Errorf("consensus.batch_size and consensus.workers must be > 0")
	}
	if c.Consensus.PassDelayMaxMs < c.Consensus.PassDelayMinMs {
		return fmt.Errorf("consensus.pass_delay_max_ms must be >= consensus.pass_delay_min_ms")
	}
	if strings.TrimSpace(c.Judge.Endpoint) == "" || strings.TrimSpace(c.Judge.Model) == "" {
		return fmt.Errorf("judge.endpoint and judge.model must be set")
	}
	if c.Judge.Attempts <= 0 {
		return fmt.Errorf("judge.attempts must be > 0")
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.driver is postgres")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set when store.driver is sqlite")
		}
	default:
		return fmt.Errorf("store.driver must be postgres or sqlite")
	}
	switch c.Export.Driver {
	case DriverLocal:
		if c.Export.Dir == "" {
			return fmt.Errorf("export.dir must be set when export.driver is local")
		}
	case DriverGCS:
		if c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket must be set when export.driver is gcs")
		}
	case DriverNone:
	default:
		return fmt.Errorf("export.driver must be local, gcs or none")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	if c.Pipeline.PassTimeoutMinutes <= 0 {
		return fmt.Errorf("pipeline.pass_timeout_minutes must be > 0")
	}
	if c.Pipeline.FetchWorkers <= 0 {
		return fmt.Errorf("pipeline.fetch_workers must be > 0")
	}
	if strings.TrimSpace(c.Catalog.Path) == "" {
		return fmt.Errorf("catalog.path must be set")
	}
	return nil
}

var levels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

// NotifyEnabled reports whether Pub/Sub notifications are configured.
func (c Config) NotifyEnabled() bool {
	return c.Notify.ProjectID != "" && c.Notify.Topic != ""
}

// FetchTimeout is the per-request budget of the direct backend.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

func (c Config) backoff(attempts int) crawler.BackoffConfig {
	return crawler.BackoffConfig{
		MaxAttempts: attempts,
		BaseDelay:   ms(c.Fetch.BaseDelayMs),
		Jitter:      ms(c.Fetch.JitterMs),
		Factor:      c.Fetch.BackoffFactor,
		MaxDelay:    ms(c.Fetch.MaxDelayMs),
	}
}

// StrategyConfig maps the fetch and headless sections onto the selector.
func (c Config) StrategyConfig() strategy.Config {
	return strategy.Config{
		DirectBackoff:  c.backoff(c.Fetch.DirectAttempts),
		BrowserBackoff: c.backoff(c.Fetch.BrowserAttempts),
		BrowserBudget:  time.Duration(c.Headless.BudgetSeconds) * time.Second,
		Timeout:        c.FetchTimeout(),
		RespectRobots:  c.Fetch.RespectRobots,
	}
}

// CollyConfig configures the direct backend.
func (c Config) CollyConfig() colly.Config {
	return colly.Config{
		RespectRobots: c.Fetch.RespectRobots,
		Timeout:       c.FetchTimeout(),
	}
}

// BrowserConfig configures the browser backend.
func (c Config) BrowserConfig() headless.Config {
	return headless.Config{
		MaxParallel:       c.Headless.MaxParallel,
		NavigationTimeout: time.Duration(c.Headless.NavTimeoutSec) * time.Second,
	}
}

// RateLimitConfig configures per-host politeness.
func (c Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{DefaultRPS: c.Fetch.PerHostRPS, DefaultBurst: c.Fetch.PerHostBurst}
}

// DetectorConfig configures challenge detection.
func (c Config) DetectorConfig() antibot.Config {
	return antibot.Config{
		Markers:      c.Antibot.Markers,
		MinBodyBytes: c.Antibot.MinBodyBytes,
		Keywords:     c.Antibot.Keywords,
	}
}

// AwaitConfig configures the browser wait staircase.
func (c Config) AwaitConfig() antibot.AwaitConfig {
	return antibot.AwaitConfig{
		PollInterval:  ms(c.Antibot.PollIntervalMs),
		ShortWait:     ms(c.Antibot.ShortWaitMs),
		MediumWait:    ms(c.Antibot.MediumWaitMs),
		LongWait:      ms(c.Antibot.LongWaitMs),
		InteractAfter: c.Antibot.InteractAfter,
	}
}

// ClassifierConfig configures the classifier.
func (c Config) ClassifierConfig() consensus.Config {
	return consensus.Config{
		BatchSize:    c.Consensus.BatchSize,
		Workers:      c.Consensus.Workers,
		PassDelayMin: ms(c.Consensus.PassDelayMinMs),
		PassDelayMax: ms(c.Consensus.PassDelayMaxMs),
	}
}

// JudgeClientConfig configures the chat client.
func (c Config) JudgeClientConfig() judge.Config {
	return judge.Config{
		Endpoint:    c.Judge.Endpoint,
		Model:       c.Judge.Model,
		APIKey:      c.Judge.APIKey,
		Topic:       c.Judge.Topic,
		Timeout:     time.Duration(c.Judge.TimeoutSeconds) * time.Second,
		RPS:         c.Judge.RPS,
		MaxInFlight: c.Consensus.MaxInFlight,
	}
}

// JudgeRetry is the backoff wrapped around each judge call.
func (c Config) JudgeRetry() crawler.BackoffConfig {
	return crawler.BackoffConfig{
		MaxAttempts: c.Judge.Attempts,
		BaseDelay:   time.Second,
		Jitter:      time.Second,
		Factor:      2,
		MaxDelay:    30 * time.Second,
	}
}

// PassConfig bounds stream passes.
func (c Config) PassConfig() pipeline.Config {
	return pipeline.Config{
		PassTimeout:  time.Duration(c.Pipeline.PassTimeoutMinutes) * time.Minute,
		FetchWorkers: c.Pipeline.FetchWorkers,
	}
}

// PostgresConfig configures the Postgres store.
func (c Config) PostgresConfig() postgres.Config {
	return postgres.Config{DSN: c.Store.DSN, TablePrefix: c.Store.TablePrefix}
}

// Lookback is the window length for streams without history.
func (c Config) Lookback() time.Duration {
	return time.Duration(c.Window.LookbackDays) * 24 * time.Hour
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
