package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openfutures/recorderbot/internal/domain"
	"github.com/openfutures/recorderbot/internal/market"
)

// ExitUnit selects how take-profit and stop-loss thresholds are measured.
type ExitUnit string

const (
	// UnitTicks measures price excursion from the average entry in ticks.
	UnitTicks ExitUnit = "ticks"
	// UnitCurrency measures the position's unrealized P&L in account
	// currency.
	UnitCurrency ExitUnit = "currency"
)

// ExitRule is one recorder's exit policy. A zero threshold disables that
// side of the rule.
type ExitRule struct {
	Unit       ExitUnit
	TakeProfit float64
	StopLoss   float64
}

// SignalApplier is the slice of the engine the monitor needs to flatten a
// position.
type SignalApplier interface {
	ApplySignal(ctx context.Context, sig domain.Signal) (domain.VirtualPosition, error)
}

// TPSLMonitor watches post-tick position snapshots and flattens a position
// once its configured take-profit or stop-loss threshold is crossed. Each
// position triggers at most once; a tick that crosses both thresholds
// resolves as a stop-loss.
type TPSLMonitor struct {
	rules  map[string]ExitRule
	table  *market.ContractTable
	engine SignalApplier
	events domain.EventSink
	logger *slog.Logger

	// disarmed records, per (recorder, ticker), the ID of the position
	// that last triggered. A fresh position on the same key carries a
	// new ID and re-arms the rule, so the map stays bounded by the
	// configured key space.
	mu       sync.Mutex
	disarmed map[posKey]string
}

// NewTPSLMonitor builds a monitor from per-recorder exit rules. Recorders
// absent from rules are never auto-exited.
func NewTPSLMonitor(rules map[string]ExitRule, table *market.ContractTable, engine SignalApplier, events domain.EventSink, logger *slog.Logger) *TPSLMonitor {
	if events == nil {
		events = domain.NopSink{}
	}
	return &TPSLMonitor{
		rules:    rules,
		table:    table,
		engine:   engine,
		events:   events,
		logger:   logger.With(slog.String("component", "tpsl")),
		disarmed: make(map[posKey]string),
	}
}

var _ TickObserver = (*TPSLMonitor)(nil)

// OnPositionTick implements TickObserver.
func (m *TPSLMonitor) OnPositionTick(ctx context.Context, pos domain.VirtualPosition) {
	if !pos.IsOpen() {
		return
	}

	rule, ok := m.rules[pos.RecorderID]
	if !ok {
		return
	}

	kind, excursion, threshold, crossed := m.evaluate(rule, pos)
	if !crossed {
		return
	}

	// Disarm before flattening so a concurrent duplicate tick cannot
	// trigger twice for the same position.
	key := posKey{recorder: pos.RecorderID, ticker: pos.Ticker}
	m.mu.Lock()
	if m.disarmed[key] == pos.ID {
		m.mu.Unlock()
		return
	}
	m.disarmed[key] = pos.ID
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "exit threshold crossed",
		slog.String("kind", kind),
		slog.String("recorder", pos.RecorderID),
		slog.String("ticker", pos.Ticker),
		slog.Float64("price", pos.CurrentPrice),
		slog.Float64("excursion", excursion),
		slog.Float64("threshold", threshold),
	)
	m.events.Emit(domain.Event{
		Kind:       kind,
		RecorderID: pos.RecorderID,
		Ticker:     pos.Ticker,
		Payload: map[string]any{
			"position_id": pos.ID,
			"price":       pos.CurrentPrice,
			"excursion":   excursion,
			"threshold":   threshold,
			"unit":        string(rule.Unit),
		},
		At: time.Now().UTC(),
	})

	_, err := m.engine.ApplySignal(ctx, domain.Signal{
		RecorderID: pos.RecorderID,
		Ticker:     pos.Ticker,
		Action:     domain.ActionClose,
		Price:      pos.CurrentPrice,
		Timestamp:  time.Now().UTC(),
		Synthetic:  true,
		Reason:     kind,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "auto exit failed",
			slog.String("recorder", pos.RecorderID),
			slog.String("ticker", pos.Ticker),
			slog.String("error", err.Error()),
		)
	}
}

// evaluate measures the position against its rule and reports which side,
// if any, has been crossed. Stop-loss wins when a single tick crosses both.
func (m *TPSLMonitor) evaluate(rule ExitRule, pos domain.VirtualPosition) (kind string, excursion, threshold float64, crossed bool) {
	switch rule.Unit {
	case UnitTicks:
		spec, ok := m.table.Spec(pos.Ticker)
		if !ok || spec.TickSize <= 0 {
			return "", 0, 0, false
		}
		excursion = (pos.CurrentPrice - pos.AvgEntryPrice) * pos.Side.Sign() / spec.TickSize
	case UnitCurrency:
		excursion = pos.UnrealizedPnL
	default:
		return "", 0, 0, false
	}

	if rule.StopLoss > 0 && excursion <= -rule.StopLoss {
		return domain.EventSLHit, excursion, rule.StopLoss, true
	}
	if rule.TakeProfit > 0 && excursion >= rule.TakeProfit {
		return domain.EventTPHit, excursion, rule.TakeProfit, true
	}
	return "", excursion, 0, false
}
