package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketlens/dataplane/internal/model"
)

// AuthMode describes how a source expects credentials.
type AuthMode string

const (
	AuthNone        AuthMode = "none"
	AuthKeyHeader   AuthMode = "api-key-header"
	AuthKeyQuery    AuthMode = "api-key-query"
)

// Duration wraps time.Duration for YAML values like "900s" or "15m".
type Duration time.Duration

// UnmarshalYAML parses a duration string or a bare number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RateLimitSpec is a per-source request budget over a rolling window.
type RateLimitSpec struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// SourceSpec describes one external provider. Immutable after boot.
type SourceSpec struct {
	ID          string           `yaml:"id"`
	Adapter     string           `yaml:"adapter"`
	BaseURL     string           `yaml:"base_url"`
	Auth        AuthMode         `yaml:"auth"`
	APIKeyEnv   string           `yaml:"api_key_env"`
	KeyParam    string           `yaml:"key_param"`
	KeyHeader   string           `yaml:"key_header"`
	RateLimit   RateLimitSpec    `yaml:"rate_limit"`
	Timeout     Duration         `yaml:"timeout"`
	Concurrency int              `yaml:"concurrency"`
	CostClass   string           `yaml:"cost_class"`
	Categories  []model.Category `yaml:"categories"`
}

// APIKey resolves the source credential from its configured env var.
func (s *SourceSpec) APIKey() string {
	if s.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(s.APIKeyEnv)
}

// Supports reports whether the source serves the given category.
func (s *SourceSpec) Supports(cat model.Category) bool {
	if len(s.Categories) == 0 {
		return true
	}
	for _, c := range s.Categories {
		if c == cat {
			return true
		}
	}
	return false
}

// SeriesSpec describes one series and its fallback chain. Immutable after boot.
type SeriesSpec struct {
	Key           string         `yaml:"key"`
	Name          string         `yaml:"name"`
	Category      model.Category `yaml:"category"`
	Adapters      []string       `yaml:"adapters"`
	MaxStaleness  Duration       `yaml:"max_staleness"`
	SanityLo      *float64       `yaml:"sanity_lo"`
	SanityHi      *float64       `yaml:"sanity_hi"`
	RefreshPeriod Duration       `yaml:"refresh_period"`
	Critical      bool           `yaml:"critical"`
	Unit          string         `yaml:"unit"`
}

// RefreshConfig holds cycle cadence and health thresholds.
type RefreshConfig struct {
	PricePeriod      Duration `yaml:"price_period"`
	MacroPeriod      Duration `yaml:"macro_period"`
	CycleBudget      Duration `yaml:"cycle_budget"`
	SuccessThreshold float64  `yaml:"success_threshold"`
}

// SchedulerConfig holds worker-pool and retry knobs.
type SchedulerConfig struct {
	Workers          int      `yaml:"workers"`
	QueueHighWater   int      `yaml:"queue_high_water"`
	CriticalRetry    Duration `yaml:"critical_retry"`
	CriticalAttempts int      `yaml:"critical_attempts"`
	FetchNowDeadline Duration `yaml:"fetch_now_deadline"`
}

// GatewayConfig holds the read API surface knobs.
type GatewayConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	RateLimitRPM  int    `yaml:"rate_limit_rpm"`
	RateBurst     int    `yaml:"rate_burst"`
}

// MonitorConfig holds the health monitor cadence and escalation knobs.
type MonitorConfig struct {
	Period            Duration `yaml:"period"`
	CoverageThreshold float64  `yaml:"coverage_threshold"`
	EscalationDir     string   `yaml:"escalation_dir"`
}

// StorageConfig holds connection strings and cache policy.
type StorageConfig struct {
	DatabaseURL  string   `yaml:"database_url"`
	RedisAddr    string   `yaml:"redis_addr"`
	MinLatestTTL Duration `yaml:"min_latest_ttl"`
	PoolSize     int      `yaml:"pool_size"`
}

// ValidationConfig holds validator heuristics.
type ValidationConfig struct {
	PlaceholderRunLength int `yaml:"placeholder_run_length"`
}

// AnalyticsConfig names the series feeding the derived endpoints. Keys must
// reference declared series; empty lists fall back to sensible defaults.
type AnalyticsConfig struct {
	// CorrelationUniverse is the asset set for pairwise correlation matrices.
	// Defaults to every non-economic, non-treasury series.
	CorrelationUniverse []string `yaml:"correlation_universe"`

	// Recession spread inputs, 10-year minus 3-month.
	TenYearKey    string `yaml:"ten_year_key"`
	ThreeMonthKey string `yaml:"three_month_key"`

	// Narrative regime inputs.
	EquityKey     string `yaml:"equity_key"`
	VolatilityKey string `yaml:"volatility_key"`
	GoldKey       string `yaml:"gold_key"`
	CryptoKey     string `yaml:"crypto_key"`
}

// Config is the single declarative document consumed at boot.
type Config struct {
	Refresh        RefreshConfig    `yaml:"refresh"`
	Scheduler      SchedulerConfig  `yaml:"scheduler"`
	Gateway        GatewayConfig    `yaml:"gateway"`
	Monitor        MonitorConfig    `yaml:"monitor"`
	Storage        StorageConfig    `yaml:"storage"`
	Validation     ValidationConfig `yaml:"validation"`
	Analytics      AnalyticsConfig  `yaml:"analytics"`
	SkipValidation bool             `yaml:"skip_validation"`
	Sources        []SourceSpec     `yaml:"sources"`
	Series         []SeriesSpec     `yaml:"series"`

	sourcesByID map[string]*SourceSpec
	seriesByKey map[string]*SeriesSpec
}

// Load reads, parses, defaults, and validates a config file. Any validation
// failure is a hard startup error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Refresh.PricePeriod == 0 {
		c.Refresh.PricePeriod = Duration(900 * time.Second)
	}
	if c.Refresh.MacroPeriod == 0 {
		c.Refresh.MacroPeriod = Duration(3600 * time.Second)
	}
	if c.Refresh.CycleBudget == 0 {
		c.Refresh.CycleBudget = Duration(120 * time.Second)
	}
	if c.Refresh.SuccessThreshold == 0 {
		c.Refresh.SuccessThreshold = 0.8
	}

	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = len(c.Sources)
		if c.Scheduler.Workers == 0 {
			c.Scheduler.Workers = 4
		}
	}
	if c.Scheduler.QueueHighWater == 0 {
		c.Scheduler.QueueHighWater = 2 * c.Scheduler.Workers * maxInt(len(c.Series), 1)
	}
	if c.Scheduler.CriticalRetry == 0 {
		c.Scheduler.CriticalRetry = Duration(60 * time.Second)
	}
	if c.Scheduler.CriticalAttempts == 0 {
		c.Scheduler.CriticalAttempts = 3
	}
	if c.Scheduler.FetchNowDeadline == 0 {
		c.Scheduler.FetchNowDeadline = Duration(3 * time.Second)
	}

	if c.Gateway.Host == "" {
		c.Gateway.Host = "0.0.0.0"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	if c.Gateway.RateLimitRPM == 0 {
		c.Gateway.RateLimitRPM = 100
	}
	if c.Gateway.RateBurst == 0 {
		c.Gateway.RateBurst = 20
	}

	if c.Monitor.Period == 0 {
		c.Monitor.Period = Duration(60 * time.Second)
	}
	if c.Monitor.CoverageThreshold == 0 {
		c.Monitor.CoverageThreshold = 0.8
	}
	if c.Monitor.EscalationDir == "" {
		c.Monitor.EscalationDir = "escalations"
	}

	if c.Storage.MinLatestTTL == 0 {
		c.Storage.MinLatestTTL = Duration(15 * time.Minute)
	}
	if c.Storage.PoolSize == 0 {
		c.Storage.PoolSize = 10
	}

	if c.Validation.PlaceholderRunLength == 0 {
		c.Validation.PlaceholderRunLength = 6
	}

	if c.Analytics.TenYearKey == "" {
		c.Analytics.TenYearKey = "DGS10"
	}
	if c.Analytics.ThreeMonthKey == "" {
		c.Analytics.ThreeMonthKey = "DTB3"
	}
	if c.Analytics.EquityKey == "" {
		c.Analytics.EquityKey = "SPY"
	}
	if c.Analytics.VolatilityKey == "" {
		c.Analytics.VolatilityKey = "VIX"
	}
	if c.Analytics.GoldKey == "" {
		c.Analytics.GoldKey = "GOLD"
	}
	if c.Analytics.CryptoKey == "" {
		c.Analytics.CryptoKey = "BTC"
	}
	if len(c.Analytics.CorrelationUniverse) == 0 {
		for i := range c.Series {
			switch c.Series[i].Category {
			case model.CategoryEconomic, model.CategoryTreasury:
			default:
				c.Analytics.CorrelationUniverse = append(c.Analytics.CorrelationUniverse, c.Series[i].Key)
			}
		}
	}

	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Timeout == 0 {
			src.Timeout = Duration(10 * time.Second)
		}
		if src.Concurrency == 0 {
			src.Concurrency = 1
		}
		if src.RateLimit.Window == 0 {
			src.RateLimit.Window = Duration(time.Minute)
		}
		if src.RateLimit.Requests == 0 {
			src.RateLimit.Requests = 60
		}
		if src.CostClass == "" {
			src.CostClass = "free"
		}
		if src.Adapter == "" {
			src.Adapter = src.ID
		}
	}

	for i := range c.Series {
		srs := &c.Series[i]
		if srs.RefreshPeriod == 0 {
			srs.RefreshPeriod = c.defaultPeriodFor(srs.Category)
		}
		if srs.MaxStaleness == 0 {
			srs.MaxStaleness = Duration(2 * srs.RefreshPeriod.Std())
		}
		if srs.Name == "" {
			srs.Name = srs.Key
		}
	}
}

func (c *Config) defaultPeriodFor(cat model.Category) Duration {
	switch cat {
	case model.CategoryEconomic, model.CategoryTreasury:
		return c.Refresh.MacroPeriod
	default:
		return c.Refresh.PricePeriod
	}
}

// applyEnvOverrides lets deployment env vars win over the document.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = p
		}
	}
	if v := os.Getenv("SKIP_VALIDATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SkipValidation = b
		}
	}
}

func (c *Config) validate() error {
	c.sourcesByID = make(map[string]*SourceSpec, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.ID == "" {
			return fmt.Errorf("source %d: missing id", i)
		}
		if _, dup := c.sourcesByID[src.ID]; dup {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		switch src.Auth {
		case AuthNone, AuthKeyHeader, AuthKeyQuery:
		case "":
			src.Auth = AuthNone
		default:
			return fmt.Errorf("source %q: unknown auth mode %q", src.ID, src.Auth)
		}
		if (src.Auth == AuthKeyHeader || src.Auth == AuthKeyQuery) && src.APIKeyEnv == "" {
			return fmt.Errorf("source %q: auth mode %s requires api_key_env", src.ID, src.Auth)
		}
		c.sourcesByID[src.ID] = src
	}

	c.seriesByKey = make(map[string]*SeriesSpec, len(c.Series))
	for i := range c.Series {
		srs := &c.Series[i]
		if srs.Key == "" {
			return fmt.Errorf("series %d: missing key", i)
		}
		if _, dup := c.seriesByKey[srs.Key]; dup {
			return fmt.Errorf("duplicate series key %q", srs.Key)
		}
		if !srs.Category.Valid() {
			return fmt.Errorf("series %q: unknown category %q", srs.Key, srs.Category)
		}
		if len(srs.Adapters) == 0 {
			return fmt.Errorf("series %q: no adapters configured", srs.Key)
		}
		for _, id := range srs.Adapters {
			if _, ok := c.sourcesByID[id]; !ok {
				return fmt.Errorf("series %q: adapter references unknown source %q", srs.Key, id)
			}
		}
		if srs.Critical && len(srs.Adapters) < 2 {
			return fmt.Errorf("critical series %q: needs at least 2 adapters, has %d", srs.Key, len(srs.Adapters))
		}
		if srs.SanityLo != nil && srs.SanityHi != nil && *srs.SanityLo > *srs.SanityHi {
			return fmt.Errorf("series %q: sanity range inverted [%v, %v]", srs.Key, *srs.SanityLo, *srs.SanityHi)
		}
		c.seriesByKey[srs.Key] = srs
	}

	if c.Refresh.SuccessThreshold < 0 || c.Refresh.SuccessThreshold > 1 {
		return fmt.Errorf("refresh.success_threshold must be in [0,1], got %v", c.Refresh.SuccessThreshold)
	}
	if c.Monitor.CoverageThreshold < 0 || c.Monitor.CoverageThreshold > 1 {
		return fmt.Errorf("monitor.coverage_threshold must be in [0,1], got %v", c.Monitor.CoverageThreshold)
	}
	return nil
}

// Source looks up a source descriptor by id.
func (c *Config) Source(id string) (*SourceSpec, bool) {
	src, ok := c.sourcesByID[id]
	return src, ok
}

// SeriesByKey looks up a series descriptor by key.
func (c *Config) SeriesByKey(key string) (*SeriesSpec, bool) {
	srs, ok := c.seriesByKey[key]
	return srs, ok
}

// CriticalSeries returns the keys of all series marked critical.
func (c *Config) CriticalSeries() []string {
	var keys []string
	for i := range c.Series {
		if c.Series[i].Critical {
			keys = append(keys, c.Series[i].Key)
		}
	}
	return keys
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
