package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Tradovate
	out.Tradovate = cfg.Tradovate
	redact(&out.Tradovate.Password)
	redact(&out.Tradovate.PasswordKey)
	redact(&out.Tradovate.Secret)

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Recorders != nil {
		out.Recorders = make([]RecorderConfig, len(cfg.Recorders))
		copy(out.Recorders, cfg.Recorders)
	}
	if cfg.Contracts != nil {
		out.Contracts = make([]ContractConfig, len(cfg.Contracts))
		copy(out.Contracts, cfg.Contracts)
	}

	return out
}

func redact(field *string) {
	if *field != "" {
		*field = "***"
	}
}
