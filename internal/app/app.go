// Package app provides the top-level application lifecycle for recorderbot.
// It wires together all dependencies (broker client, stores, caches, blob
// storage, notifications), attaches stream listeners through the connection
// registry, and runs the engine-facing workers until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/openfutures/recorderbot/internal/blob/s3"
	"github.com/openfutures/recorderbot/internal/broker/tradovate"
	"github.com/openfutures/recorderbot/internal/config"
	"github.com/openfutures/recorderbot/internal/drift"
	"github.com/openfutures/recorderbot/internal/engine"
	"github.com/openfutures/recorderbot/internal/feed"
	"github.com/openfutures/recorderbot/internal/risk"
	"github.com/openfutures/recorderbot/internal/stream"
)

// App is the root application object. It owns the configuration, logger,
// and a list of cleanup functions called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts every worker, and blocks until the
// context is cancelled or a worker fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting recorderbot",
		slog.String("environment", a.cfg.Tradovate.Environment),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	// Event publisher first so every later component can emit.
	g.Go(func() error {
		return deps.Events.Run(ctx)
	})

	// Position engine, restored from storage.
	eng := engine.New(engine.Config{
		InitialQty: a.cfg.Engine.InitialQty,
		AllowFlip:  a.cfg.Engine.AllowFlip,
	}, deps.Contracts, deps.PositionStore, deps.FillStore, deps.Events, a.logger)
	if err := eng.LoadOpen(ctx); err != nil {
		return fmt.Errorf("app: restore positions: %w", err)
	}

	// Exit rules per recorder.
	rules := make(map[string]engine.ExitRule, len(a.cfg.Recorders))
	for _, r := range a.cfg.Recorders {
		rules[r.ID] = engine.ExitRule{
			Unit:       engine.ExitUnit(r.Unit),
			TakeProfit: r.TakeProfit,
			StopLoss:   r.StopLoss,
		}
	}
	if len(rules) > 0 {
		eng.AddTickObserver(engine.NewTPSLMonitor(rules, deps.Contracts, eng, deps.Events, a.logger))
	}

	// Inbound signal feed.
	feeder := feed.NewSignalFeeder(deps.SignalBus, a.cfg.Redis.SignalChannel, eng, deps.Events, a.logger)
	g.Go(func() error {
		return feeder.Run(ctx)
	})

	// Stream listeners behind the shared connection registry.
	registry := stream.NewRegistry(stream.Config{
		HeartbeatInterval: a.cfg.Stream.HeartbeatInterval.Std(),
		MissedHeartbeats:  a.cfg.Stream.MissedHeartbeats,
		AuthTimeout:       a.cfg.Stream.AuthTimeout.Std(),
		BackoffBase:       a.cfg.Stream.BackoffBase.Std(),
		BackoffMax:        a.cfg.Stream.BackoffMax.Std(),
		LiveResetAfter:    a.cfg.Stream.LiveResetAfter.Std(),
		SilenceThreshold:  a.cfg.Stream.SilenceThreshold.Std(),
	}, deps.Hours, deps.Events, a.logger)
	a.closers = append(a.closers, registry.Close)

	credential := stream.Credential{
		Name:   a.cfg.Tradovate.Username,
		Tokens: tokenSource{client: deps.Broker},
	}
	environment := stream.EnvDemo
	if a.cfg.Tradovate.Environment == "live" {
		environment = stream.EnvLive
	}

	quotes := feed.NewQuoteListener(eng, deps.PriceCache, a.logger)
	g.Go(func() error {
		return quotes.Run(ctx)
	})

	symbols := make([]string, 0, len(a.cfg.Contracts))
	for _, ct := range a.cfg.Contracts {
		symbols = append(symbols, ct.Symbol)
	}
	if _, err := registry.Attach(ctx, stream.ConnSpec{
		URL:         tradovate.MarketWSURL(a.cfg.Tradovate.MarketWS),
		Credential:  credential,
		Environment: environment,
		Purpose:     stream.PurposeMarketData,
		Resolve:     deps.Broker.ContractSymbol,
	}, quotes, symbols); err != nil {
		return fmt.Errorf("app: attach quote listener: %w", err)
	}

	fills := feed.NewFillListener(deps.AuditStore, a.logger)
	g.Go(func() error {
		return fills.Run(ctx)
	})

	guard := risk.NewDailyGuard(risk.Config{
		DailyMaxLoss: a.cfg.Risk.DailyMaxLoss,
	}, deps.Hours, eng, deps.Events, a.logger)
	balances := feed.NewBalanceListener(guard, a.logger)

	userSubs := []string{}
	if a.cfg.Tradovate.AccountID != 0 {
		userSubs = append(userSubs, strconv.FormatInt(a.cfg.Tradovate.AccountID, 10))
	}
	userSpec := stream.ConnSpec{
		URL:         tradovate.TradingWSURL(a.cfg.Tradovate.Environment, a.cfg.Tradovate.TradingWS),
		Credential:  credential,
		Environment: environment,
		Purpose:     stream.PurposeUserData,
		Resolve:     deps.Broker.ContractSymbol,
	}
	if _, err := registry.Attach(ctx, userSpec, fills, userSubs); err != nil {
		return fmt.Errorf("app: attach fill listener: %w", err)
	}
	if _, err := registry.Attach(ctx, userSpec, balances, nil); err != nil {
		return fmt.Errorf("app: attach balance listener: %w", err)
	}

	if a.cfg.Risk.Enabled {
		g.Go(func() error {
			return guard.Run(ctx)
		})
	}

	if a.cfg.Drift.Enabled {
		detector := drift.New(drift.Config{
			Interval:     a.cfg.Drift.Interval.Std(),
			ToleranceQty: a.cfg.Drift.ToleranceQty,
		}, deps.Broker, eng, deps.Events, a.logger)
		g.Go(func() error {
			return detector.Run(ctx)
		})
	}

	if a.cfg.S3.Enabled {
		archiver := s3blob.NewArchiver(
			deps.BlobWriter,
			deps.PositionStore, deps.FillStore, deps.AuditStore,
			a.cfg.S3.Prefix, a.cfg.S3.RetainFor.Std(), a.cfg.S3.Interval.Std(),
			a.logger,
		)
		g.Go(func() error {
			return archiver.Run(ctx)
		})
	}

	a.logger.InfoContext(ctx, "recorderbot running",
		slog.Int("recorders", len(a.cfg.Recorders)),
		slog.Int("contracts", len(a.cfg.Contracts)),
	)
	return g.Wait()
}

// Close tears down all resources in reverse registration order. Safe to
// call multiple times.
func (a *App) Close() {
	a.logger.Info("shutting down recorderbot")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
