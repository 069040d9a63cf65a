package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"daowatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig            `mapstructure:"app"`
	Logging       logging.Config       `mapstructure:"logging"`
	Database      DatabaseConfig       `mapstructure:"database"`
	Scheduler     SchedulerConfig      `mapstructure:"scheduler"`
	Stream        StreamConfig         `mapstructure:"stream"`
	Registry      RegistryConfig       `mapstructure:"registry"`
	Ethereum      EthereumConfig       `mapstructure:"ethereum"`
	Gateway       GatewayConfig        `mapstructure:"gateway"`
	Pricing       PricingConfig        `mapstructure:"pricing"`
	Analytics     AnalyticsConfig      `mapstructure:"analytics"`
	Catalog       CatalogConfig        `mapstructure:"catalog"`
	Organizations []OrganizationConfig `mapstructure:"organizations"`
	Alerting      AlertingConfig       `mapstructure:"alerting"`
	Server        ServerConfig         `mapstructure:"server"`
	Retention     RetentionConfig      `mapstructure:"retention"`
	Export        ExportConfig         `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the analytics cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// StreamConfig tunes connection retries and event deduplication.
type StreamConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	DedupeCapacity int           `mapstructure:"dedupe_capacity"`
	DedupeWindow   time.Duration `mapstructure:"dedupe_window"`
	DedupeBucket   time.Duration `mapstructure:"dedupe_bucket"`
}

// RegistryConfig tunes listener teardown.
type RegistryConfig struct {
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	BacklogLimit int           `mapstructure:"backlog_limit"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	OverlapBlocks  uint64        `mapstructure:"overlap_blocks"`
	MaxBlockRange  uint64        `mapstructure:"max_block_range"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	NativeSymbol   string        `mapstructure:"native_symbol"`
	// Tokens maps ticker symbols to ERC-20 addresses.
	Tokens map[string]string `mapstructure:"tokens"`
	// TokenDecimals maps ticker symbols to ERC-20 decimals; unset tokens use 18.
	TokenDecimals map[string]int32 `mapstructure:"token_decimals"`
}

// GatewayConfig covers the push gateway connection.
type GatewayConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PingTimeout       time.Duration `mapstructure:"ping_timeout"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	AuthToken         string        `mapstructure:"auth_token"`
}

// PricingConfig selects price sources and caching.
type PricingConfig struct {
	TTL     time.Duration      `mapstructure:"ttl"`
	Timeout time.Duration      `mapstructure:"timeout"`
	Sources []string           `mapstructure:"sources"`
	Market  MarketConfig       `mapstructure:"market"`
	Oracle  OracleConfig       `mapstructure:"oracle"`
	Static  map[string]float64 `mapstructure:"static"`
	Redis   RedisConfig        `mapstructure:"redis"`
}

// MarketConfig captures the HTTP market-data API.
type MarketConfig struct {
	BaseURL   string            `mapstructure:"base_url"`
	APIKey    string            `mapstructure:"api_key"`
	UserAgent string            `mapstructure:"user_agent"`
	CoinIDs   map[string]string `mapstructure:"coin_ids"`
}

// OracleConfig captures Chainlink feed addresses.
type OracleConfig struct {
	Feeds  map[string]string `mapstructure:"feeds"`
	MaxAge time.Duration     `mapstructure:"max_age"`
}

// RedisConfig enables the shared price tier when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AnalyticsConfig holds the treasury analytics thresholds.
type AnalyticsConfig struct {
	RiskFreeRate            float64            `mapstructure:"risk_free_rate"`
	PeriodsPerYear          float64            `mapstructure:"periods_per_year"`
	ConcentrationLimitPct   float64            `mapstructure:"concentration_limit_pct"`
	ConcentrationTargetPct  float64            `mapstructure:"concentration_target_pct"`
	RestakeAPYThreshold     float64            `mapstructure:"restake_apy_threshold"`
	OpportunityAPYThreshold float64            `mapstructure:"opportunity_apy_threshold"`
	HistoryWindow           time.Duration      `mapstructure:"history_window"`
	BenchmarkSymbol         string             `mapstructure:"benchmark_symbol"`
	StakingEligible         []string           `mapstructure:"staking_eligible"`
	RiskTiers               map[string]string  `mapstructure:"risk_tiers"`
	AssetAPY                map[string]float64 `mapstructure:"asset_apy"`
}

// CatalogConfig locates the yield catalog.
type CatalogConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// OrganizationConfig describes one DAO to follow.
type OrganizationConfig struct {
	ID         string `mapstructure:"id"`
	Source     string `mapstructure:"source"`
	Endpoint   string `mapstructure:"endpoint"`
	Contract   string `mapstructure:"contract"`
	StartBlock uint64 `mapstructure:"start_block"`
	Treasury   string `mapstructure:"treasury"`
	// Balances are used instead of on-chain reads when set.
	Balances map[string]float64 `mapstructure:"balances"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled    bool           `mapstructure:"enabled"`
	MinUrgency string         `mapstructure:"min_urgency"`
	Cooldown   time.Duration  `mapstructure:"cooldown"`
	Channels   []string       `mapstructure:"channels"`
	Telegram   TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ServerConfig controls the status and metrics HTTP endpoint.
type ServerConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	ListenAddr  string   `mapstructure:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// RetentionConfig prunes old rows on a cron schedule.
type RetentionConfig struct {
	Schedule    string        `mapstructure:"schedule"`
	Events      time.Duration `mapstructure:"events"`
	Suggestions time.Duration `mapstructure:"suggestions"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults. A .env file
// in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("DAOWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "daowatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64616f77))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("stream.max_attempts", 3)
	v.SetDefault("stream.backoff_base", "500ms")
	v.SetDefault("stream.backoff_max", "10s")
	v.SetDefault("stream.request_timeout", "10s")
	v.SetDefault("stream.dedupe_capacity", 200)
	v.SetDefault("stream.dedupe_window", "10m")
	v.SetDefault("stream.dedupe_bucket", "1m")

	v.SetDefault("registry.grace_period", "5s")
	v.SetDefault("registry.backlog_limit", 200)

	v.SetDefault("ethereum.poll_interval", "12s")
	v.SetDefault("ethereum.overlap_blocks", 2)
	v.SetDefault("ethereum.max_block_range", 2000)
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.native_symbol", "ETH")

	v.SetDefault("gateway.heartbeat_interval", "20s")
	v.SetDefault("gateway.ping_timeout", "5s")
	v.SetDefault("gateway.read_limit", 1<<20)

	v.SetDefault("pricing.ttl", "60s")
	v.SetDefault("pricing.timeout", "10s")
	v.SetDefault("pricing.sources", []string{"market"})
	v.SetDefault("pricing.market.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("pricing.market.user_agent", "daowatch/1.0")
	v.SetDefault("pricing.oracle.max_age", "1h")
	v.SetDefault("pricing.redis.prefix", "daowatch:price:")

	v.SetDefault("analytics.risk_free_rate", 0.06)
	v.SetDefault("analytics.periods_per_year", 365.0)
	v.SetDefault("analytics.concentration_limit_pct", 50.0)
	v.SetDefault("analytics.concentration_target_pct", 40.0)
	v.SetDefault("analytics.restake_apy_threshold", 4.0)
	v.SetDefault("analytics.opportunity_apy_threshold", 20.0)
	v.SetDefault("analytics.history_window", "720h")

	v.SetDefault("catalog.watch", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_urgency", "high")
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", ":9464")

	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("retention.events", "2160h")
	v.SetDefault("retention.suggestions", "720h")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var knownSources = map[string]bool{"": true, "ethereum": true, "websocket": true}

var knownPriceSources = map[string]bool{"market": true, "oracle": true, "static": true}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Stream.DedupeCapacity < 0 || c.Registry.BacklogLimit < 0 {
		return fmt.Errorf("stream.dedupe_capacity and registry.backlog_limit cannot be negative")
	}
	if c.Analytics.ConcentrationTargetPct > c.Analytics.ConcentrationLimitPct {
		return fmt.Errorf("analytics.concentration_target_pct must not exceed concentration_limit_pct")
	}
	if c.Analytics.ConcentrationLimitPct <= 0 || c.Analytics.ConcentrationLimitPct > 100 {
		return fmt.Errorf("analytics.concentration_limit_pct must be in (0, 100]")
	}
	for sym, dec := range c.Ethereum.TokenDecimals {
		if dec < 0 || dec > 36 {
			return fmt.Errorf("ethereum.token_decimals.%s must be in [0, 36]", sym)
		}
		if !hasSymbol(c.Ethereum.Tokens, sym) {
			return fmt.Errorf("ethereum.token_decimals.%s has no address in ethereum.tokens", sym)
		}
	}
	for _, name := range c.Pricing.Sources {
		if !knownPriceSources[strings.ToLower(name)] {
			return fmt.Errorf("pricing.sources: unknown source %q", name)
		}
	}
	switch strings.ToLower(c.Alerting.MinUrgency) {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("alerting.min_urgency must be low, medium or high")
	}

	seen := make(map[string]bool, len(c.Organizations))
	for i, org := range c.Organizations {
		if org.ID == "" {
			return fmt.Errorf("organizations[%d].id is required", i)
		}
		if seen[org.ID] {
			return fmt.Errorf("organizations[%d]: duplicate id %q", i, org.ID)
		}
		seen[org.ID] = true
		if !knownSources[strings.ToLower(org.Source)] {
			return fmt.Errorf("organizations[%d]: unknown source %q", i, org.Source)
		}
		if org.Endpoint == "" && c.Ethereum.RPCURL == "" {
			return fmt.Errorf("organizations[%d]: endpoint 必须配置", i)
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func hasSymbol(tokens map[string]string, sym string) bool {
	for s := range tokens {
		if strings.EqualFold(s, sym) {
			return true
		}
	}
	return false
}

// Organization returns the organization with the given id.
func (c *Config) Organization(id string) (OrganizationConfig, bool) {
	for _, org := range c.Organizations {
		if org.ID == id {
			return org, true
		}
	}
	return OrganizationConfig{}, false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
