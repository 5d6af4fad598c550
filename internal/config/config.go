// Package config defines the top-level configuration for recorderbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration so values can be written as "30s" or "5m"
// in the TOML file.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by RECORDER_* environment
// variables.
type Config struct {
	Tradovate TradovateConfig  `toml:"tradovate"`
	Postgres  PostgresConfig   `toml:"postgres"`
	Redis     RedisConfig      `toml:"redis"`
	S3        S3Config         `toml:"s3"`
	Engine    EngineConfig     `toml:"engine"`
	Stream    StreamConfig     `toml:"stream"`
	Drift     DriftConfig      `toml:"drift"`
	Risk      RiskConfig       `toml:"risk"`
	Notify    NotifyConfig     `toml:"notify"`
	Recorders []RecorderConfig `toml:"recorder"`
	Contracts []ContractConfig `toml:"contract"`
	LogLevel  string           `toml:"log_level"`
}

// TradovateConfig holds broker API credentials and endpoints.
type TradovateConfig struct {
	// Environment selects the broker endpoints: "demo" or "live".
	Environment string `toml:"environment"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	// EncryptedPasswordPath points at a file produced by
	// crypto.EncryptSecret; PasswordKey decrypts it. Used when Password
	// is not provided in plaintext.
	EncryptedPasswordPath string `toml:"encrypted_password_path"`
	PasswordKey           string `toml:"password_key"`
	AppID                 string `toml:"app_id"`
	AppVersion            string `toml:"app_version"`
	CID                   string `toml:"cid"`
	Secret                string `toml:"secret"`
	DeviceID              string `toml:"device_id"`
	AccountID             int64  `toml:"account_id"`
	// Endpoint overrides; defaults are derived from Environment.
	RestURL   string `toml:"rest_url"`
	MarketWS  string `toml:"market_ws_url"`
	TradingWS string `toml:"trading_ws_url"`
}

// PostgresConfig holds database connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"sslmode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds cache and signal-bus connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// SignalChannel carries inbound signals from the webhook layer;
	// EventChannel carries outbound events to the notification layer.
	SignalChannel string `toml:"signal_channel"`
	EventChannel  string `toml:"event_channel"`
}

// S3Config holds object-storage parameters for the position archiver.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Prefix         string   `toml:"prefix"`
	Interval       Duration `toml:"interval"`
	// RetainFor is how long closed positions stay out of the archive.
	RetainFor Duration `toml:"retain_for"`
}

// EngineConfig tunes the position engine.
type EngineConfig struct {
	// InitialQty is the contract count opened by a BUY/SELL signal with
	// no open position, and the unit added by each DCA signal.
	InitialQty int `toml:"initial_qty"`
	// AllowFlip permits an opposite-direction signal matching the full
	// open quantity to close and re-open on the other side. When false
	// such a signal only closes.
	AllowFlip bool `toml:"allow_flip"`
}

// StreamConfig tunes the shared broker connections.
type StreamConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	// MissedHeartbeats is how many silent heartbeat intervals force a
	// reconnect.
	MissedHeartbeats int      `toml:"missed_heartbeats"`
	AuthTimeout      Duration `toml:"auth_timeout"`
	BackoffBase      Duration `toml:"backoff_base"`
	BackoffMax       Duration `toml:"backoff_max"`
	// LiveResetAfter is the sustained Live duration after which the
	// backoff delay resets to its base.
	LiveResetAfter Duration `toml:"live_reset_after"`
	// SilenceThreshold is how long a subscribed symbol may deliver zero
	// ticks during open market hours before the connection is treated
	// as silently dead.
	SilenceThreshold Duration `toml:"silence_threshold"`
}

// DriftConfig tunes broker-position drift detection.
type DriftConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
	// ToleranceQty is the allowed absolute contract-count divergence
	// before a drift event is emitted.
	ToleranceQty int `toml:"tolerance_qty"`
}

// RiskConfig tunes the daily max-loss guard.
type RiskConfig struct {
	Enabled bool `toml:"enabled"`
	// DailyMaxLoss is a positive currency amount; a day's loss at or
	// beyond it flattens all virtual positions.
	DailyMaxLoss float64 `toml:"daily_max_loss"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// RecorderConfig configures one recorder's exit thresholds.
type RecorderConfig struct {
	ID string `toml:"id"`
	// Unit is "ticks" or "currency" and selects how TakeProfit and
	// StopLoss are compared.
	Unit       string  `toml:"unit"`
	TakeProfit float64 `toml:"take_profit"`
	StopLoss   float64 `toml:"stop_loss"`
}

// ContractConfig configures one tradable contract.
type ContractConfig struct {
	Symbol     string  `toml:"symbol"`
	PointValue float64 `toml:"point_value"`
	TickSize   float64 `toml:"tick_size"`
}

// Defaults returns the built-in configuration defaults.
func Defaults() Config {
	return Config{
		Tradovate: TradovateConfig{
			Environment: "demo",
			AppVersion:  "1.0",
		},
		Postgres: PostgresConfig{
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      10,
			MaxRetries:    3,
			SignalChannel: "signals",
			EventChannel:  "events",
		},
		S3: S3Config{
			Interval:  Duration(6 * time.Hour),
			RetainFor: Duration(24 * time.Hour),
		},
		Engine: EngineConfig{
			InitialQty: 1,
			AllowFlip:  true,
		},
		Stream: StreamConfig{
			HeartbeatInterval: Duration(2500 * time.Millisecond),
			MissedHeartbeats:  4,
			AuthTimeout:       Duration(10 * time.Second),
			BackoffBase:       Duration(1 * time.Second),
			BackoffMax:        Duration(60 * time.Second),
			LiveResetAfter:    Duration(2 * time.Minute),
			SilenceThreshold:  Duration(90 * time.Second),
		},
		Drift: DriftConfig{
			Enabled:      true,
			Interval:     Duration(30 * time.Second),
			ToleranceQty: 0,
		},
		Risk:     RiskConfig{},
		LogLevel: "info",
	}
}

// Validate checks the configuration for internal consistency. It is called
// after Load and before the application starts.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Tradovate.Environment) {
	case "demo", "live":
	default:
		return fmt.Errorf("config: tradovate.environment must be demo or live, got %q", c.Tradovate.Environment)
	}
	if c.Tradovate.Username == "" {
		return fmt.Errorf("config: tradovate.username is required")
	}
	if c.Tradovate.Password == "" && c.Tradovate.EncryptedPasswordPath == "" {
		return fmt.Errorf("config: tradovate password or encrypted_password_path is required")
	}
	if c.Engine.InitialQty <= 0 {
		return fmt.Errorf("config: engine.initial_qty must be positive, got %d", c.Engine.InitialQty)
	}
	if len(c.Contracts) == 0 {
		return fmt.Errorf("config: at least one [[contract]] entry is required")
	}
	for i, ct := range c.Contracts {
		if ct.Symbol == "" {
			return fmt.Errorf("config: contract[%d]: symbol is required", i)
		}
		if ct.PointValue <= 0 {
			return fmt.Errorf("config: contract %s: point_value must be positive", ct.Symbol)
		}
		if ct.TickSize <= 0 {
			return fmt.Errorf("config: contract %s: tick_size must be positive", ct.Symbol)
		}
	}
	for i, r := range c.Recorders {
		if r.ID == "" {
			return fmt.Errorf("config: recorder[%d]: id is required", i)
		}
		switch r.Unit {
		case "ticks", "currency":
		default:
			return fmt.Errorf("config: recorder %s: unit must be ticks or currency, got %q", r.ID, r.Unit)
		}
		if r.TakeProfit < 0 || r.StopLoss < 0 {
			return fmt.Errorf("config: recorder %s: thresholds must be non-negative", r.ID)
		}
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: stream.heartbeat_interval must be positive")
	}
	if c.Stream.BackoffBase <= 0 || c.Stream.BackoffMax < c.Stream.BackoffBase {
		return fmt.Errorf("config: stream backoff bounds are inconsistent")
	}
	if c.Risk.Enabled && c.Risk.DailyMaxLoss <= 0 {
		return fmt.Errorf("config: risk.daily_max_loss must be positive when the guard is enabled")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" || c.S3.Region == "" {
			return fmt.Errorf("config: s3.bucket and s3.region are required when the archiver is enabled")
		}
	}
	return nil
}
