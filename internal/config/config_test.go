package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
log_level = "debug"

[tradovate]
environment = "demo"
username = "demo-user"
password = "hunter2"
app_id = "recorderbot"
cid = "1234"
secret = "api-secret"
account_id = 445566

[redis]
addr = "redis.internal:6379"
signal_channel = "tv-signals"

[engine]
initial_qty = 2
allow_flip = false

[stream]
heartbeat_interval = "5s"
backoff_max = "2m"

[risk]
enabled = true
daily_max_loss = 750.0

[[contract]]
symbol = "MNQ"
point_value = 2.0
tick_size = 0.25

[[recorder]]
id = "trend-follower"
unit = "ticks"
take_profit = 40
stop_loss = 20
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Tradovate.Username = "demo-user"
	cfg.Tradovate.Password = "hunter2"
	cfg.Contracts = []ContractConfig{{Symbol: "MNQ", PointValue: 2.0, TickSize: 0.25}}
	return &cfg
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "demo-user", cfg.Tradovate.Username)
	assert.Equal(t, int64(445566), cfg.Tradovate.AccountID)
	assert.Equal(t, 2, cfg.Engine.InitialQty)
	assert.False(t, cfg.Engine.AllowFlip)

	// File values win over defaults.
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "tv-signals", cfg.Redis.SignalChannel)
	assert.Equal(t, 5*time.Second, cfg.Stream.HeartbeatInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.Stream.BackoffMax.Std())

	// Untouched sections keep defaults.
	assert.Equal(t, "events", cfg.Redis.EventChannel)
	assert.Equal(t, 4, cfg.Stream.MissedHeartbeats)
	assert.True(t, cfg.Postgres.RunMigrations)

	require.Len(t, cfg.Recorders, 1)
	assert.Equal(t, "trend-follower", cfg.Recorders[0].ID)
	assert.Equal(t, 40.0, cfg.Recorders[0].TakeProfit)

	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("RECORDER_TRADOVATE_PASSWORD", "from-env")
	t.Setenv("RECORDER_REDIS_ADDR", "override:6380")
	t.Setenv("RECORDER_TRADOVATE_ACCOUNT_ID", "778899")
	t.Setenv("RECORDER_RISK_DAILY_MAX_LOSS", "1500.5")
	t.Setenv("RECORDER_POSTGRES_RUN_MIGRATIONS", "false")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Tradovate.Password)
	assert.Equal(t, "override:6380", cfg.Redis.Addr)
	assert.Equal(t, int64(778899), cfg.Tradovate.AccountID)
	assert.Equal(t, 1500.5, cfg.Risk.DailyMaxLoss)
	assert.False(t, cfg.Postgres.RunMigrations)
}

func TestLoadIgnoresMalformedEnvNumbers(t *testing.T) {
	t.Setenv("RECORDER_TRADOVATE_ACCOUNT_ID", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, int64(445566), cfg.Tradovate.AccountID, "file value must survive a bad override")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Std())
	assert.Error(t, d.UnmarshalText([]byte("ninety")))
}

func TestValidateAcceptsComplete(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"bad environment":    func(c *Config) { c.Tradovate.Environment = "paper" },
		"missing username":   func(c *Config) { c.Tradovate.Username = "" },
		"missing password":   func(c *Config) { c.Tradovate.Password = ""; c.Tradovate.EncryptedPasswordPath = "" },
		"zero initial qty":   func(c *Config) { c.Engine.InitialQty = 0 },
		"no contracts":       func(c *Config) { c.Contracts = nil },
		"contract no symbol": func(c *Config) { c.Contracts[0].Symbol = "" },
		"contract zero tick": func(c *Config) { c.Contracts[0].TickSize = 0 },
		"recorder bad unit":  func(c *Config) { c.Recorders = []RecorderConfig{{ID: "r", Unit: "points"}} },
		"recorder no id":     func(c *Config) { c.Recorders = []RecorderConfig{{Unit: "ticks"}} },
		"negative stop loss": func(c *Config) { c.Recorders = []RecorderConfig{{ID: "r", Unit: "ticks", StopLoss: -1}} },
		"backoff inverted":   func(c *Config) { c.Stream.BackoffMax = c.Stream.BackoffBase / 2 },
		"risk without limit": func(c *Config) { c.Risk.Enabled = true; c.Risk.DailyMaxLoss = 0 },
		"archiver no bucket": func(c *Config) { c.S3.Enabled = true; c.S3.Region = "us-east-1" },
		"zero heartbeat":     func(c *Config) { c.Stream.HeartbeatInterval = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEncryptedPasswordSatisfiesValidation(t *testing.T) {
	cfg := validConfig()
	cfg.Tradovate.Password = ""
	cfg.Tradovate.EncryptedPasswordPath = "/etc/recorderbot/password.enc"
	cfg.Tradovate.PasswordKey = "unlock"
	assert.NoError(t, cfg.Validate())
}
