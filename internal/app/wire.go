package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/openfutures/recorderbot/internal/blob/s3"
	"github.com/openfutures/recorderbot/internal/broker/tradovate"
	"github.com/openfutures/recorderbot/internal/cache/redis"
	"github.com/openfutures/recorderbot/internal/config"
	"github.com/openfutures/recorderbot/internal/crypto"
	"github.com/openfutures/recorderbot/internal/domain"
	"github.com/openfutures/recorderbot/internal/market"
	"github.com/openfutures/recorderbot/internal/notify"
	"github.com/openfutures/recorderbot/internal/store/postgres"
	"github.com/openfutures/recorderbot/internal/stream"
)

// Dependencies bundles every dependency the application needs to operate.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Broker access
	Broker *tradovate.Client

	// Market reference data
	Contracts *market.ContractTable
	Hours     *market.Hours

	// Stores
	PositionStore domain.PositionStore
	FillStore     domain.FillStore
	AuditStore    domain.AuditStore

	// Cache and messaging
	PriceCache domain.PriceCache
	SignalBus  domain.SignalBus

	// Blob storage (nil unless the archiver is enabled)
	BlobWriter domain.BlobWriter

	// Notifications
	Notifier *notify.Notifier
	Events   *notify.Publisher
}

// tokenSource adapts the broker client to the stream package's
// purpose-keyed token lookup.
type tokenSource struct {
	client *tradovate.Client
}

func (t tokenSource) Token(ctx context.Context, p stream.Purpose) (string, error) {
	if p == stream.PurposeMarketData {
		return t.client.MarketDataToken(ctx)
	}
	return t.client.Token(ctx)
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// must be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Broker ---
	password, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:           cfg.Tradovate.Password,
		EncryptedPath: cfg.Tradovate.EncryptedPasswordPath,
		Password:      cfg.Tradovate.PasswordKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: broker password: %w", err)
	}
	deps.Broker = tradovate.NewClient(cfg.Tradovate.Environment, cfg.Tradovate.RestURL, tradovate.Credentials{
		Username:   cfg.Tradovate.Username,
		Password:   password,
		AppID:      cfg.Tradovate.AppID,
		AppVersion: cfg.Tradovate.AppVersion,
		CID:        cfg.Tradovate.CID,
		Secret:     cfg.Tradovate.Secret,
		DeviceID:   cfg.Tradovate.DeviceID,
	}, logger)

	// --- Market reference data ---
	specs := make([]market.ContractSpec, 0, len(cfg.Contracts))
	for _, ct := range cfg.Contracts {
		specs = append(specs, market.ContractSpec{
			Symbol:     ct.Symbol,
			PointValue: ct.PointValue,
			TickSize:   ct.TickSize,
		})
	}
	deps.Contracts = market.NewContractTable(specs)

	deps.Hours, err = market.NewHours()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: market hours: %w", err)
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.FillStore = postgres.NewFillStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 (only when the archiver is enabled) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Events = notify.NewPublisher(deps.SignalBus, cfg.Redis.EventChannel, deps.Notifier, logger)

	return deps, cleanup, nil
}
