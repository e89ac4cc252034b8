package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Budget       BudgetConfig       `yaml:"budget" mapstructure:"budget"`
	Methods      MethodsConfig      `yaml:"methods" mapstructure:"methods"`
	Escalation   EscalationConfig   `yaml:"escalation" mapstructure:"escalation"`
	Queue        QueueConfig        `yaml:"queue" mapstructure:"queue"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Firecrawl    FirecrawlConfig    `yaml:"firecrawl" mapstructure:"firecrawl"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Browser      BrowserConfig      `yaml:"browser" mapstructure:"browser"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	Archive      ArchiveConfig      `yaml:"archive" mapstructure:"archive"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	// OverridesPath points at the per-vendor method override table.
	OverridesPath string `yaml:"overrides_path" mapstructure:"overrides_path"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// BudgetConfig configures the spend ledger.
type BudgetConfig struct {
	DailyLimit   float64 `yaml:"daily_limit" mapstructure:"daily_limit"`
	WeeklyLimit  float64 `yaml:"weekly_limit" mapstructure:"weekly_limit"`
	MonthlyLimit float64 `yaml:"monthly_limit" mapstructure:"monthly_limit"`
	// Timezone is the IANA location used to compute period boundaries.
	Timezone   string           `yaml:"timezone" mapstructure:"timezone"`
	Thresholds ThresholdsConfig `yaml:"thresholds" mapstructure:"thresholds"`
}

// ThresholdsConfig holds utilization fractions for budget health.
type ThresholdsConfig struct {
	Warning  float64 `yaml:"warning" mapstructure:"warning"`
	Critical float64 `yaml:"critical" mapstructure:"critical"`
	Shutdown float64 `yaml:"shutdown" mapstructure:"shutdown"`
}

// MethodsConfig holds the flat per-method cost table (USD per attempt).
type MethodsConfig struct {
	Costs map[string]float64 `yaml:"costs" mapstructure:"costs"`
}

// EscalationConfig configures retry and escalation between methods.
type EscalationConfig struct {
	CooldownHours           int                      `yaml:"cooldown_hours" mapstructure:"cooldown_hours"`
	CircuitBreakerThreshold int                      `yaml:"circuit_breaker_threshold" mapstructure:"circuit_breaker_threshold"`
	MaxFailures             map[string]int           `yaml:"max_failures" mapstructure:"max_failures"`
	Minimums                map[string]MinimumConfig `yaml:"minimums" mapstructure:"minimums"`
	Retry                   map[string]RetryConfig   `yaml:"retry" mapstructure:"retry"`
}

// MinimumConfig is the remaining budget required per period before
// escalating into a method.
type MinimumConfig struct {
	Daily   float64 `yaml:"daily" mapstructure:"daily"`
	Weekly  float64 `yaml:"weekly" mapstructure:"weekly"`
	Monthly float64 `yaml:"monthly" mapstructure:"monthly"`
}

// RetryConfig is the per-method retry schedule.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// QueueConfig configures the in-process job queue.
type QueueConfig struct {
	MaxSize     int `yaml:"max_size" mapstructure:"max_size"`
	JobTTLHours int `yaml:"job_ttl_hours" mapstructure:"job_ttl_hours"`
}

// OrchestratorConfig configures batch execution.
type OrchestratorConfig struct {
	Concurrency        int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxVendorsPerRun   int `yaml:"max_vendors_per_run" mapstructure:"max_vendors_per_run"`
	BatchTimeoutMins   int `yaml:"batch_timeout_mins" mapstructure:"batch_timeout_mins"`
	// DefaultMaxAttempts caps attempts per job. Zero derives it from the
	// escalation policy.
	DefaultMaxAttempts int `yaml:"default_max_attempts" mapstructure:"default_max_attempts"`
}

// FirecrawlConfig holds Firecrawl API settings.
type FirecrawlConfig struct {
	Key          string  `yaml:"key" mapstructure:"key"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	RequestsPerS float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// AnthropicConfig holds Anthropic API settings for the vision method.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// BrowserConfig configures the headless browser used by the free method.
type BrowserConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	BinPath      string `yaml:"bin_path" mapstructure:"bin_path"`
	Stealth      bool   `yaml:"stealth" mapstructure:"stealth"`
	MaxPages     int    `yaml:"max_pages" mapstructure:"max_pages"`
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	FetchTimeout int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// PricingConfig holds per-provider pricing rates used to compute actual
// spend from provider usage.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Firecrawl FirecrawlPricing        `yaml:"firecrawl" mapstructure:"firecrawl"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// FirecrawlPricing holds Firecrawl pricing.
type FirecrawlPricing struct {
	PerCredit float64 `yaml:"per_credit" mapstructure:"per_credit"`
}

// ArchiveConfig configures the optional MongoDB result archive.
type ArchiveConfig struct {
	MongoURI   string `yaml:"mongo_uri" mapstructure:"mongo_uri"`
	Database   string `yaml:"database" mapstructure:"database"`
	Collection string `yaml:"collection" mapstructure:"collection"`
}

// MonitoringConfig configures the alert checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
}

// ServerConfig configures the trigger and status HTTP surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CronSecret  string   `yaml:"cron_secret" mapstructure:"cron_secret"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Cooldown returns the escalation cooldown as a duration.
func (e EscalationConfig) Cooldown() time.Duration {
	return time.Duration(e.CooldownHours) * time.Hour
}

// TTL returns the queued-job expiry as a duration.
func (q QueueConfig) TTL() time.Duration {
	return time.Duration(q.JobTTLHours) * time.Hour
}

// BatchTimeout returns the wall-clock budget for one batch run.
func (o OrchestratorConfig) BatchTimeout() time.Duration {
	return time.Duration(o.BatchTimeoutMins) * time.Minute
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without a default are only read from the environment once bound.
	for _, key := range []string{
		"store.database_url",
		"firecrawl.key",
		"anthropic.key",
		"browser.bin_path",
		"archive.mongo_uri",
		"monitoring.webhook_url",
		"server.cron_secret",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("overrides_path", "vendor_overrides.yaml")

	v.SetDefault("budget.daily_limit", 3.00)
	v.SetDefault("budget.weekly_limit", 15.00)
	v.SetDefault("budget.monthly_limit", 50.00)
	v.SetDefault("budget.timezone", "UTC")
	v.SetDefault("budget.thresholds.warning", 0.75)
	v.SetDefault("budget.thresholds.critical", 0.90)
	v.SetDefault("budget.thresholds.shutdown", 0.95)

	v.SetDefault("methods.costs", map[string]float64{
		"playwright": 0,
		"firecrawl":  0.01,
		"vision":     0.02,
		"manual":     0,
	})

	v.SetDefault("escalation.cooldown_hours", 24)
	v.SetDefault("escalation.circuit_breaker_threshold", 5)
	v.SetDefault("escalation.max_failures", map[string]int{
		"playwright": 3,
		"firecrawl":  2,
		"vision":     1,
	})
	v.SetDefault("escalation.minimums", map[string]any{
		"firecrawl": map[string]float64{"daily": 0.10, "weekly": 0.50, "monthly": 2.00},
		"vision":    map[string]float64{"daily": 0.25, "weekly": 1.00, "monthly": 5.00},
	})
	v.SetDefault("escalation.retry", map[string]any{
		"playwright": map[string]any{"max_attempts": 3, "initial_backoff_ms": 2000, "multiplier": 2.0, "timeout_secs": 30},
		"firecrawl":  map[string]any{"max_attempts": 2, "initial_backoff_ms": 1000, "multiplier": 1.5, "timeout_secs": 45},
		"vision":     map[string]any{"max_attempts": 1, "timeout_secs": 60},
		"manual":     map[string]any{"max_attempts": 1},
	})

	v.SetDefault("queue.max_size", 1000)
	v.SetDefault("queue.job_ttl_hours", 48)

	v.SetDefault("orchestrator.concurrency", 5)
	v.SetDefault("orchestrator.max_vendors_per_run", 50)
	v.SetDefault("orchestrator.batch_timeout_mins", 50)

	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("firecrawl.requests_per_sec", 2.0)
	v.SetDefault("anthropic.vision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.max_pages", 4)
	v.SetDefault("browser.fetch_timeout_secs", 20)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (compatible; price-scraper/1.0)")

	v.SetDefault("pricing.firecrawl.per_credit", 0.01)
	v.SetDefault("pricing.anthropic", map[string]any{
		"claude-sonnet-4-5-20250929": map[string]float64{"input": 3.0, "output": 15.0},
		"claude-haiku-4-5-20251001":  map[string]float64{"input": 1.0, "output": 5.0},
	})

	v.SetDefault("archive.database", "price_scraper")
	v.SetDefault("archive.collection", "scrape_results")

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	b := c.Budget
	if b.DailyLimit < 0 || b.WeeklyLimit < 0 || b.MonthlyLimit < 0 {
		return eris.New("config: budget limits must be non-negative")
	}
	th := b.Thresholds
	if !(th.Warning > 0 && th.Warning <= th.Critical && th.Critical <= th.Shutdown && th.Shutdown <= 1) {
		return eris.Errorf("config: budget thresholds must satisfy 0 < warning <= critical <= shutdown <= 1 (got %.2f/%.2f/%.2f)",
			th.Warning, th.Critical, th.Shutdown)
	}
	if _, err := time.LoadLocation(b.Timezone); err != nil {
		return eris.Wrapf(err, "config: budget timezone %q", b.Timezone)
	}
	for m, cost := range c.Methods.Costs {
		if cost < 0 {
			return eris.Errorf("config: method %s has negative cost", m)
		}
	}
	if c.Orchestrator.Concurrency < 1 {
		return eris.New("config: orchestrator.concurrency must be >= 1")
	}
	if c.Queue.MaxSize < 1 {
		return eris.New("config: queue.max_size must be >= 1")
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
