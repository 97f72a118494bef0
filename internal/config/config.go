// Package config loads and validates the engine configuration from YAML.
// Unknown keys are rejected so typos surface at start-up instead of
// silently falling back to defaults.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	InstanceID     string               `yaml:"instance_id"`
	Log            LogConfig            `yaml:"log"`
	Trading        TradingConfig        `yaml:"trading"`
	Jobs           JobsConfig           `yaml:"jobs"`
	Rules          RulesConfig          `yaml:"rules"`
	Volatility     VolatilityConfig     `yaml:"volatility"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type TradingConfig struct {
	QuoteAsset         string  `yaml:"quote_asset"`
	FeeAsset           string  `yaml:"fee_asset"`
	ProfitRatio        Decimal `yaml:"profit_ratio"`
	MinOrderSize       Decimal `yaml:"min_order_size"`
	FeeAssetMinBalance Decimal `yaml:"fee_asset_min_balance"`
	FeeAssetTopup      Decimal `yaml:"fee_asset_topup"`
	OrderExpirationMin int64   `yaml:"order_expiration_min"`
}

type JobsConfig struct {
	MaintainIntervalSec     int64 `yaml:"maintain_interval_sec"`
	RefreshIntervalSec      int64 `yaml:"refresh_interval_sec"`
	VolatilityIntervalSec   int64 `yaml:"volatility_interval_sec"`
	StreamHealthIntervalSec int64 `yaml:"stream_health_interval_sec"`
	MaxRunSec               int64 `yaml:"max_run_sec"`
	StreamIdleMaxSec        int64 `yaml:"stream_idle_max_sec"`
}

type RulesConfig struct {
	TTLSec int64 `yaml:"ttl_sec"`
}

type VolatilityConfig struct {
	CandleInterval string `yaml:"candle_interval"`
	Window         int    `yaml:"window"`
}

type ExchangeConfig struct {
	APIKey          string  `yaml:"api_key"`
	APISecret       string  `yaml:"api_secret"`
	RestBaseURL     string  `yaml:"rest_base_url"`
	WSBaseURL       string  `yaml:"ws_base_url"`
	RecvWindowMs    int64   `yaml:"recv_window_ms"`
	HTTPTimeoutSec  int64   `yaml:"http_timeout_sec"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	CooldownSec          int64 `yaml:"cooldown_sec"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Trading.QuoteAsset = strings.ToUpper(strings.TrimSpace(c.Trading.QuoteAsset))
	c.Trading.FeeAsset = strings.ToUpper(strings.TrimSpace(c.Trading.FeeAsset))
	c.Volatility.CandleInterval = strings.TrimSpace(c.Volatility.CandleInterval)
	c.Exchange.APIKey = expandEnv(strings.TrimSpace(c.Exchange.APIKey))
	c.Exchange.APISecret = expandEnv(strings.TrimSpace(c.Exchange.APISecret))
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Telegram.BotToken = expandEnv(strings.TrimSpace(c.Observability.Telegram.BotToken))
	c.Observability.Telegram.ChatID = expandEnv(strings.TrimSpace(c.Observability.Telegram.ChatID))
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Trading.FeeAsset == "" {
		c.Trading.FeeAsset = "BNB"
	}
	if c.Trading.OrderExpirationMin == 0 {
		c.Trading.OrderExpirationMin = 1440
	}
	if c.Jobs.MaintainIntervalSec == 0 {
		c.Jobs.MaintainIntervalSec = 60
	}
	if c.Jobs.RefreshIntervalSec == 0 {
		c.Jobs.RefreshIntervalSec = 300
	}
	if c.Jobs.VolatilityIntervalSec == 0 {
		c.Jobs.VolatilityIntervalSec = 600
	}
	if c.Jobs.StreamHealthIntervalSec == 0 {
		c.Jobs.StreamHealthIntervalSec = 60
	}
	if c.Jobs.MaxRunSec == 0 {
		c.Jobs.MaxRunSec = 55
	}
	if c.Jobs.StreamIdleMaxSec == 0 {
		c.Jobs.StreamIdleMaxSec = 300
	}
	if c.Rules.TTLSec == 0 {
		c.Rules.TTLSec = 300
	}
	if c.Volatility.CandleInterval == "" {
		c.Volatility.CandleInterval = "15m"
	}
	if c.Volatility.Window == 0 {
		c.Volatility.Window = 96
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://api.binance.com"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://stream.binance.com:9443"
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RateLimitPerSec == 0 {
		c.Exchange.RateLimitPerSec = 10
	}
	if c.Exchange.RateLimitBurst == 0 {
		c.Exchange.RateLimitBurst = 20
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
}

var assetPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)
var instancePattern = regexp.MustCompile(`^[a-z0-9_-]{1,24}$`)

func (c Config) Validate() error {
	if !instancePattern.MatchString(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be trace, debug, info, warn, or error")
	}
	if c.Trading.QuoteAsset == "" {
		return fmt.Errorf("trading quote_asset is required")
	}
	if !assetPattern.MatchString(c.Trading.QuoteAsset) {
		return fmt.Errorf("trading quote_asset must match [A-Z0-9], length 2..10")
	}
	if !assetPattern.MatchString(c.Trading.FeeAsset) {
		return fmt.Errorf("trading fee_asset must match [A-Z0-9], length 2..10")
	}
	if c.Trading.ProfitRatio.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("trading profit_ratio must be > 0")
	}
	if c.Trading.MinOrderSize.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("trading min_order_size must be > 0")
	}
	if c.Trading.FeeAssetMinBalance.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("trading fee_asset_min_balance must be >= 0")
	}
	if c.Trading.FeeAssetTopup.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("trading fee_asset_topup must be >= 0")
	}
	if c.Trading.OrderExpirationMin < 1 {
		return fmt.Errorf("trading order_expiration_min must be >= 1")
	}
	for name, v := range map[string]int64{
		"jobs maintain_interval_sec":      c.Jobs.MaintainIntervalSec,
		"jobs refresh_interval_sec":       c.Jobs.RefreshIntervalSec,
		"jobs volatility_interval_sec":    c.Jobs.VolatilityIntervalSec,
		"jobs stream_health_interval_sec": c.Jobs.StreamHealthIntervalSec,
		"jobs max_run_sec":                c.Jobs.MaxRunSec,
		"jobs stream_idle_max_sec":        c.Jobs.StreamIdleMaxSec,
		"rules ttl_sec":                   c.Rules.TTLSec,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be >= 1", name)
		}
	}
	if c.Volatility.Window < 2 {
		return fmt.Errorf("volatility window must be >= 2")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key and api_secret are required")
	}
	if !strings.HasPrefix(c.Exchange.RestBaseURL, "https://") && !strings.HasPrefix(c.Exchange.RestBaseURL, "http://") {
		return fmt.Errorf("exchange rest_base_url must be http(s)")
	}
	if !strings.HasPrefix(c.Exchange.WSBaseURL, "wss://") && !strings.HasPrefix(c.Exchange.WSBaseURL, "ws://") {
		return fmt.Errorf("exchange ws_base_url must be ws(s)")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" || c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("telegram bot_token and chat_id are required when enabled")
		}
	}
	return nil
}
