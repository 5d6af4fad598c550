package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RECORDER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RECORDER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Tradovate ──
	setStr(&cfg.Tradovate.Environment, "RECORDER_TRADOVATE_ENVIRONMENT")
	setStr(&cfg.Tradovate.Username, "RECORDER_TRADOVATE_USERNAME")
	setStr(&cfg.Tradovate.Password, "RECORDER_TRADOVATE_PASSWORD")
	setStr(&cfg.Tradovate.EncryptedPasswordPath, "RECORDER_TRADOVATE_ENCRYPTED_PASSWORD_PATH")
	setStr(&cfg.Tradovate.PasswordKey, "RECORDER_TRADOVATE_PASSWORD_KEY")
	setStr(&cfg.Tradovate.AppID, "RECORDER_TRADOVATE_APP_ID")
	setStr(&cfg.Tradovate.AppVersion, "RECORDER_TRADOVATE_APP_VERSION")
	setStr(&cfg.Tradovate.CID, "RECORDER_TRADOVATE_CID")
	setStr(&cfg.Tradovate.Secret, "RECORDER_TRADOVATE_SECRET")
	setStr(&cfg.Tradovate.DeviceID, "RECORDER_TRADOVATE_DEVICE_ID")
	setInt64(&cfg.Tradovate.AccountID, "RECORDER_TRADOVATE_ACCOUNT_ID")
	setStr(&cfg.Tradovate.RestURL, "RECORDER_TRADOVATE_REST_URL")
	setStr(&cfg.Tradovate.MarketWS, "RECORDER_TRADOVATE_MARKET_WS_URL")
	setStr(&cfg.Tradovate.TradingWS, "RECORDER_TRADOVATE_TRADING_WS_URL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "RECORDER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RECORDER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RECORDER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RECORDER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RECORDER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RECORDER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RECORDER_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "RECORDER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "RECORDER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RECORDER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RECORDER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "RECORDER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "RECORDER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "RECORDER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RECORDER_S3_REGION")
	setStr(&cfg.S3.Bucket, "RECORDER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RECORDER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RECORDER_S3_SECRET_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RECORDER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RECORDER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RECORDER_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Misc ──
	setStr(&cfg.LogLevel, "RECORDER_LOG_LEVEL")
	setFloat64(&cfg.Risk.DailyMaxLoss, "RECORDER_RISK_DAILY_MAX_LOSS")
	setBool(&cfg.Risk.Enabled, "RECORDER_RISK_ENABLED")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
