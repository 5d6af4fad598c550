// Package risk enforces account-level guardrails on top of the position
// engine. The daily guard flattens everything once the day's total loss
// crosses the configured limit.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openfutures/recorderbot/internal/domain"
	"github.com/openfutures/recorderbot/internal/market"
)

// Flattener is the slice of the engine the guard needs.
type Flattener interface {
	OpenPositions() []domain.VirtualPosition
	CloseAll(ctx context.Context, reason string)
}

// Config tunes the daily guard.
type Config struct {
	// DailyMaxLoss is the positive currency amount of combined realized
	// and unrealized loss tolerated per trading day.
	DailyMaxLoss float64
	// CheckInterval is how often the guard re-evaluates. Defaults to 5s.
	CheckInterval time.Duration
}

// DailyGuard tracks the day's cash-balance drawdown plus open unrealized
// P&L and flattens all positions once their sum breaches the limit. The
// breach fires at most once per trading day; the day rolls over at the
// Globex session boundary.
type DailyGuard struct {
	cfg    Config
	hours  *market.Hours
	engine Flattener
	events domain.EventSink
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	day      string
	start    map[int64]float64 // balance at first observation of the day
	latest   map[int64]float64
	breached bool
}

// NewDailyGuard builds a guard. It is inert until balances are observed.
func NewDailyGuard(cfg Config, hours *market.Hours, engine Flattener, events domain.EventSink, logger *slog.Logger) *DailyGuard {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if events == nil {
		events = domain.NopSink{}
	}
	return &DailyGuard{
		cfg:    cfg,
		hours:  hours,
		engine: engine,
		events: events,
		logger: logger.With(slog.String("component", "risk")),
		now:    time.Now,
		start:  make(map[int64]float64),
		latest: make(map[int64]float64),
	}
}

// ObserveBalance records a broker cash-balance update. The first balance
// seen in a trading day becomes that day's baseline.
func (g *DailyGuard) ObserveBalance(accountID int64, amount float64, ts time.Time) {
	if ts.IsZero() {
		ts = g.now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked(ts)
	if _, ok := g.start[accountID]; !ok {
		g.start[accountID] = amount
	}
	g.latest[accountID] = amount
}

// rolloverLocked resets daily state when the trading day changes.
func (g *DailyGuard) rolloverLocked(ts time.Time) {
	day := g.hours.SessionDay(ts)
	if day == g.day {
		return
	}
	g.day = day
	g.breached = false
	g.start = make(map[int64]float64)
	for id, bal := range g.latest {
		g.start[id] = bal
	}
}

// Run re-evaluates the guard on an interval until the context is canceled.
func (g *DailyGuard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.CheckInterval)
	defer ticker.Stop()

	g.logger.InfoContext(ctx, "daily guard started",
		slog.Float64("max_loss", g.cfg.DailyMaxLoss),
		slog.Duration("interval", g.cfg.CheckInterval),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}

// Check evaluates the limit once. Exported for tests and for event-driven
// invocation.
func (g *DailyGuard) Check(ctx context.Context) {
	if g.cfg.DailyMaxLoss <= 0 {
		return
	}

	var unrealized float64
	for _, pos := range g.engine.OpenPositions() {
		unrealized += pos.UnrealizedPnL
	}

	g.mu.Lock()
	g.rolloverLocked(g.now())
	var realized float64
	for id, bal := range g.latest {
		realized += bal - g.start[id]
	}
	total := realized + unrealized
	shouldTrip := !g.breached && total <= -g.cfg.DailyMaxLoss
	if shouldTrip {
		g.breached = true
	}
	g.mu.Unlock()

	if !shouldTrip {
		return
	}

	g.logger.ErrorContext(ctx, "daily max loss breached, flattening",
		slog.Float64("realized", realized),
		slog.Float64("unrealized", unrealized),
		slog.Float64("total", total),
		slog.Float64("limit", g.cfg.DailyMaxLoss),
	)
	g.events.Emit(domain.Event{
		Kind: domain.EventMaxLossBreached,
		Payload: map[string]any{
			"realized":   realized,
			"unrealized": unrealized,
			"total":      total,
			"limit":      g.cfg.DailyMaxLoss,
		},
		At: g.now().UTC(),
	})
	g.engine.CloseAll(ctx, "daily max loss")
}
