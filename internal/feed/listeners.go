package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/openfutures/recorderbot/internal/domain"
	"github.com/openfutures/recorderbot/internal/stream"
)

// TickApplier is the slice of the engine the quote listener drives.
type TickApplier interface {
	ApplyTick(ctx context.Context, ticker string, price float64, ts time.Time)
}

// BalanceObserver receives broker cash-balance updates.
type BalanceObserver interface {
	ObserveBalance(accountID int64, amount float64, ts time.Time)
}

// QuoteListener moves market-data ticks off the stream read loop onto its
// own worker, where they update the engine and the price cache. Ticks are
// dropped, not queued unboundedly, when the worker falls behind: the next
// tick supersedes a stale one anyway.
type QuoteListener struct {
	engine TickApplier
	cache  domain.PriceCache
	logger *slog.Logger
	ticks  chan stream.QuoteEvent
}

// NewQuoteListener builds a quote listener. cache may be nil.
func NewQuoteListener(engine TickApplier, cache domain.PriceCache, logger *slog.Logger) *QuoteListener {
	return &QuoteListener{
		engine: engine,
		cache:  cache,
		logger: logger.With(slog.String("component", "quote_listener")),
		ticks:  make(chan stream.QuoteEvent, 1024),
	}
}

var _ stream.Listener = (*QuoteListener)(nil)

func (l *QuoteListener) Name() string { return "quotes" }

func (l *QuoteListener) Wants(c stream.Category) bool { return c == stream.CategoryPrice }

// OnEvents implements stream.Listener. It never blocks the read loop.
func (l *QuoteListener) OnEvents(_ context.Context, events []stream.Event) {
	for _, ev := range events {
		if ev.Quote == nil || ev.Quote.Symbol == "" || ev.Quote.Price <= 0 {
			continue
		}
		select {
		case l.ticks <- *ev.Quote:
		default:
			// Worker is behind; this tick is already stale.
		}
	}
}

// Run drains the tick queue until the context is canceled.
func (l *QuoteListener) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "quote worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q := <-l.ticks:
			l.engine.ApplyTick(ctx, q.Symbol, q.Price, q.Timestamp)
			if l.cache != nil {
				if err := l.cache.SetPrice(ctx, q.Symbol, q.Price, q.Timestamp); err != nil {
					l.logger.WarnContext(ctx, "price cache update failed",
						slog.String("ticker", q.Symbol),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// FillListener records broker-reported executions and order updates into
// the audit log, off the read loop. The engine never consumes them; they
// exist so drift investigations have the broker's side of the story.
type FillListener struct {
	audit  domain.AuditStore
	logger *slog.Logger
	queue  chan auditItem
}

type auditItem struct {
	event  string
	detail map[string]any
}

// NewFillListener builds a fill listener over an audit store.
func NewFillListener(audit domain.AuditStore, logger *slog.Logger) *FillListener {
	return &FillListener{
		audit:  audit,
		logger: logger.With(slog.String("component", "fill_listener")),
		queue:  make(chan auditItem, 256),
	}
}

var _ stream.Listener = (*FillListener)(nil)

func (l *FillListener) Name() string { return "fills" }

func (l *FillListener) Wants(c stream.Category) bool {
	return c == stream.CategoryFill || c == stream.CategoryOrder
}

func (l *FillListener) OnEvents(_ context.Context, events []stream.Event) {
	for _, ev := range events {
		var item auditItem
		switch {
		case ev.Fill != nil:
			item = auditItem{event: "broker_fill", detail: map[string]any{
				"fill_id":     ev.Fill.FillID,
				"account_id":  ev.Fill.AccountID,
				"contract_id": ev.Fill.ContractID,
				"symbol":      ev.Fill.Symbol,
				"action":      ev.Fill.Action,
				"qty":         ev.Fill.Qty,
				"price":       ev.Fill.Price,
				"timestamp":   ev.Fill.Timestamp,
			}}
		case ev.Order != nil:
			item = auditItem{event: "broker_order", detail: map[string]any{
				"order_id":   ev.Order.OrderID,
				"account_id": ev.Order.AccountID,
				"action":     ev.Order.Action,
				"status":     ev.Order.Status,
				"timestamp":  ev.Order.Timestamp,
			}}
		default:
			continue
		}
		select {
		case l.queue <- item:
		default:
			l.logger.Warn("audit queue full, dropping entry", slog.String("event", item.event))
		}
	}
}

// Run writes queued audit entries until the context is canceled.
func (l *FillListener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-l.queue:
			if err := l.audit.Log(ctx, item.event, item.detail); err != nil {
				l.logger.WarnContext(ctx, "audit write failed",
					slog.String("event", item.event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// BalanceListener forwards cash-balance updates to the risk guard.
type BalanceListener struct {
	observer BalanceObserver
	logger   *slog.Logger
}

// NewBalanceListener builds a balance listener.
func NewBalanceListener(observer BalanceObserver, logger *slog.Logger) *BalanceListener {
	return &BalanceListener{
		observer: observer,
		logger:   logger.With(slog.String("component", "balance_listener")),
	}
}

var _ stream.Listener = (*BalanceListener)(nil)

func (l *BalanceListener) Name() string { return "balances" }

func (l *BalanceListener) Wants(c stream.Category) bool { return c == stream.CategoryBalance }

// OnEvents forwards balances synchronously; ObserveBalance is an in-memory
// update.
func (l *BalanceListener) OnEvents(_ context.Context, events []stream.Event) {
	for _, ev := range events {
		if ev.Balance == nil {
			continue
		}
		l.observer.ObserveBalance(ev.Balance.AccountID, ev.Balance.Amount, ev.Balance.Timestamp)
	}
}
