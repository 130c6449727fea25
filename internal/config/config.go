package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LoggingConfig      `yaml:"log" toml:"log"`
	State       StateConfig        `yaml:"state" toml:"state"`
	History     HistoryConfig      `yaml:"history" toml:"history"`
	Redis       RedisConfig        `yaml:"redis" toml:"redis"`
	API         APIConfig          `yaml:"api" toml:"api"`
	Metrics     MetricsConfig      `yaml:"metrics" toml:"metrics"`
	Telegram    TelegramConfig     `yaml:"telegram" toml:"telegram"`
	Pool        PoolConfig         `yaml:"pool" toml:"pool"`
	Countdown   CountdownConfig    `yaml:"countdown" toml:"countdown"`
	Execution   ExecutionConfig    `yaml:"execution" toml:"execution"`
	Funding     FundingConfig      `yaml:"funding" toml:"funding"`
	Close       CloseConfig        `yaml:"close" toml:"close"`
	TPSL        TPSLConfig         `yaml:"tpsl" toml:"tpsl"`
	Engine      EngineConfig       `yaml:"engine" toml:"engine"`
	Exchanges   []ExchangeConfig   `yaml:"exchanges" toml:"exchanges"`
	Credentials []CredentialConfig `yaml:"credentials" toml:"credentials"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	DSN           string        `yaml:"dsn" toml:"dsn"`
	Table         string        `yaml:"table" toml:"table"`
	QueueSize     int           `yaml:"queue_size" toml:"queue_size"`
	BatchSize     int           `yaml:"batch_size" toml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" toml:"flush_interval"`
}

type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	Addr         string `yaml:"addr" toml:"addr"`
	Password     string `yaml:"password" toml:"password"`
	DB           int    `yaml:"db" toml:"db"`
	Stream       string `yaml:"stream" toml:"stream"`
	Channel      string `yaml:"channel" toml:"channel"`
	StreamMaxLen int64  `yaml:"stream_max_len" toml:"stream_max_len"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Address string `yaml:"address" toml:"address"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Token   string `yaml:"token" toml:"token"`
	ChatID  string `yaml:"chat_id" toml:"chat_id"`
}

type PoolConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl" toml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

type CountdownConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	ExpiryGrace     time.Duration `yaml:"expiry_grace" toml:"expiry_grace"`
	ExecutingExpiry time.Duration `yaml:"executing_expiry" toml:"executing_expiry"`
}

type ExecutionConfig struct {
	FeeRate            float64       `yaml:"fee_rate" toml:"fee_rate"`
	EntryPriceAttempts int           `yaml:"entry_price_attempts" toml:"entry_price_attempts"`
	EntryPriceBackoff  time.Duration `yaml:"entry_price_backoff" toml:"entry_price_backoff"`
}

type FundingConfig struct {
	Lead        time.Duration `yaml:"lead" toml:"lead"`
	Threshold   float64       `yaml:"threshold" toml:"threshold"`
	Fallback    time.Duration `yaml:"fallback" toml:"fallback"`
	NoFeedDelay time.Duration `yaml:"no_feed_delay" toml:"no_feed_delay"`
}

type CloseConfig struct {
	LimitTimeout      time.Duration `yaml:"limit_timeout" toml:"limit_timeout"`
	LimitOffsetBps    float64       `yaml:"limit_offset_bps" toml:"limit_offset_bps"`
	LimitPollInterval time.Duration `yaml:"limit_poll_interval" toml:"limit_poll_interval"`
	HybridTarget      time.Duration `yaml:"hybrid_target" toml:"hybrid_target"`
	UltraFastTarget   time.Duration `yaml:"ultra_fast_target" toml:"ultra_fast_target"`
}

type TPSLConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	MaxHold      time.Duration `yaml:"max_hold" toml:"max_hold"`
}

type EngineConfig struct {
	TerminalRetention time.Duration `yaml:"terminal_retention" toml:"terminal_retention"`
	JanitorInterval   time.Duration `yaml:"janitor_interval" toml:"janitor_interval"`
}

// ExchangeConfig registers an exchange with the connector registry. Paper
// exchanges are simulated; BalanceWSURL attaches a push balance feed.
type ExchangeConfig struct {
	Name           string        `yaml:"name" toml:"name"`
	Paper          bool          `yaml:"paper" toml:"paper"`
	PaperBalance   float64       `yaml:"paper_balance" toml:"paper_balance"`
	PaperLatency   time.Duration `yaml:"paper_latency" toml:"paper_latency"`
	OrderStream    bool          `yaml:"order_stream" toml:"order_stream"`
	BalanceWSURL   string        `yaml:"balance_ws_url" toml:"balance_ws_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" toml:"reconnect_delay"`
}

// CredentialConfig names the environment variables holding the secrets.
type CredentialConfig struct {
	ID            string `yaml:"id" toml:"id"`
	UserID        string `yaml:"user_id" toml:"user_id"`
	Exchange      string `yaml:"exchange" toml:"exchange"`
	Env           string `yaml:"env" toml:"env"`
	APIKeyEnv     string `yaml:"api_key_env" toml:"api_key_env"`
	SecretEnv     string `yaml:"secret_env" toml:"secret_env"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-arb.db"
	}
	if cfg.History.Table == "" {
		cfg.History.Table = "arb_cycles"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 1024
	}
	if cfg.History.BatchSize == 0 {
		cfg.History.BatchSize = 100
	}
	if cfg.History.FlushInterval == 0 {
		cfg.History.FlushInterval = 2 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "funding-arb:events"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "funding-arb:events"
	}
	if cfg.Redis.StreamMaxLen == 0 {
		cfg.Redis.StreamMaxLen = 10000
	}
	if cfg.API.Address == "" {
		cfg.API.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Pool.IdleTTL == 0 {
		cfg.Pool.IdleTTL = time.Hour
	}
	if cfg.Pool.SweepInterval == 0 {
		cfg.Pool.SweepInterval = 15 * time.Minute
	}
	if cfg.Countdown.PollInterval == 0 {
		cfg.Countdown.PollInterval = 250 * time.Millisecond
	}
	if cfg.Countdown.ExpiryGrace == 0 {
		cfg.Countdown.ExpiryGrace = 60 * time.Second
	}
	if cfg.Countdown.ExecutingExpiry == 0 {
		cfg.Countdown.ExecutingExpiry = 10 * time.Minute
	}
	if cfg.Execution.FeeRate == 0 {
		cfg.Execution.FeeRate = 0.00055
	}
	if cfg.Execution.EntryPriceAttempts == 0 {
		cfg.Execution.EntryPriceAttempts = 5
	}
	if cfg.Execution.EntryPriceBackoff == 0 {
		cfg.Execution.EntryPriceBackoff = 200 * time.Millisecond
	}
	if cfg.Funding.Lead == 0 {
		cfg.Funding.Lead = 5 * time.Second
	}
	if cfg.Funding.Threshold == 0 {
		cfg.Funding.Threshold = 0.9
	}
	if cfg.Funding.Fallback == 0 {
		cfg.Funding.Fallback = 15 * time.Second
	}
	if cfg.Funding.NoFeedDelay == 0 {
		cfg.Funding.NoFeedDelay = 15 * time.Second
	}
	if cfg.Close.LimitTimeout == 0 {
		cfg.Close.LimitTimeout = 5 * time.Second
	}
	if cfg.Close.LimitOffsetBps == 0 {
		cfg.Close.LimitOffsetBps = 10
	}
	if cfg.Close.LimitPollInterval == 0 {
		cfg.Close.LimitPollInterval = 250 * time.Millisecond
	}
	if cfg.Close.HybridTarget == 0 {
		cfg.Close.HybridTarget = 15 * time.Second
	}
	if cfg.Close.UltraFastTarget == 0 {
		cfg.Close.UltraFastTarget = 3 * time.Second
	}
	if cfg.TPSL.PollInterval == 0 {
		cfg.TPSL.PollInterval = 2 * time.Second
	}
	if cfg.TPSL.MaxHold == 0 {
		cfg.TPSL.MaxHold = 2 * time.Hour
	}
	if cfg.Engine.TerminalRetention == 0 {
		cfg.Engine.TerminalRetention = 24 * time.Hour
	}
	if cfg.Engine.JanitorInterval == 0 {
		cfg.Engine.JanitorInterval = 10 * time.Minute
	}
	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		ex.Name = strings.ToLower(strings.TrimSpace(ex.Name))
		if ex.ReconnectDelay == 0 {
			ex.ReconnectDelay = 3 * time.Second
		}
	}
	for i := range cfg.Credentials {
		cred := &cfg.Credentials[i]
		cred.Exchange = strings.ToLower(strings.TrimSpace(cred.Exchange))
		if cred.Env == "" {
			cred.Env = "live"
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if value, ok := os.LookupEnv("FUNDING_ARB_TELEGRAM_TOKEN"); ok && strings.TrimSpace(value) != "" {
		cfg.Telegram.Token = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("FUNDING_ARB_TELEGRAM_CHAT_ID"); ok && strings.TrimSpace(value) != "" {
		cfg.Telegram.ChatID = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("FUNDING_ARB_HISTORY_DSN"); ok && strings.TrimSpace(value) != "" {
		cfg.History.DSN = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("FUNDING_ARB_REDIS_PASSWORD"); ok {
		cfg.Redis.Password = value
	}
}

func validate(cfg *Config) error {
	if cfg.Log.Format != "json" && cfg.Log.Format != "console" {
		return errors.New("log.format must be json or console")
	}
	if cfg.Funding.Threshold <= 0 || cfg.Funding.Threshold > 1 {
		return errors.New("funding.threshold must be in (0, 1]")
	}
	if cfg.Funding.Lead < 0 || cfg.Funding.Fallback < 0 || cfg.Funding.NoFeedDelay < 0 {
		return errors.New("funding timings must be >= 0")
	}
	if cfg.Execution.FeeRate < 0 {
		return errors.New("execution.fee_rate must be >= 0")
	}
	if cfg.Execution.EntryPriceAttempts < 0 || cfg.Execution.EntryPriceBackoff < 0 {
		return errors.New("execution entry price retry settings must be >= 0")
	}
	if cfg.Close.LimitOffsetBps < 0 {
		return errors.New("close.limit_offset_bps must be >= 0")
	}
	if cfg.Close.LimitTimeout < 0 || cfg.Close.LimitPollInterval < 0 {
		return errors.New("close timings must be >= 0")
	}
	if cfg.Pool.IdleTTL < 0 || cfg.Pool.SweepInterval < 0 {
		return errors.New("pool timings must be >= 0")
	}
	if cfg.Countdown.PollInterval < 0 || cfg.Countdown.ExpiryGrace < 0 || cfg.Countdown.ExecutingExpiry < 0 {
		return errors.New("countdown timings must be >= 0")
	}
	if cfg.TPSL.PollInterval < 0 || cfg.TPSL.MaxHold < 0 {
		return errors.New("tpsl timings must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with '/'")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.History.Enabled && strings.TrimSpace(cfg.History.DSN) == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	exchanges := make(map[string]bool, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		if ex.Name == "" {
			return errors.New("exchanges[].name is required")
		}
		if exchanges[ex.Name] {
			return fmt.Errorf("exchange %q configured twice", ex.Name)
		}
		exchanges[ex.Name] = true
	}
	ids := make(map[string]bool, len(cfg.Credentials))
	for _, cred := range cfg.Credentials {
		if cred.ID == "" || cred.UserID == "" {
			return errors.New("credentials[].id and credentials[].user_id are required")
		}
		if ids[cred.ID] {
			return fmt.Errorf("credential %q configured twice", cred.ID)
		}
		ids[cred.ID] = true
		if !exchanges[cred.Exchange] {
			return fmt.Errorf("credential %q references unknown exchange %q", cred.ID, cred.Exchange)
		}
		if cred.Env != "live" && cred.Env != "sandbox" {
			return fmt.Errorf("credential %q env must be live or sandbox", cred.ID)
		}
	}
	return nil
}
