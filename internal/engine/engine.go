// Package engine owns the virtual position state machine. Signals and
// price ticks mutate per-(recorder, ticker) positions under fine-grained
// locks; every applied signal leaves one immutable fill record behind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfutures/recorderbot/internal/domain"
	"github.com/openfutures/recorderbot/internal/market"
)

// Config tunes signal interpretation.
type Config struct {
	// InitialQty is the lot size: the quantity opened by a fresh signal
	// and the unit added or removed by subsequent ones.
	InitialQty int
	// AllowFlip lets an opposite-direction signal that exactly offsets
	// the open quantity close and re-open on the other side. When false
	// it only closes.
	AllowFlip bool
}

// TickObserver is notified with a position snapshot after each tick is
// applied. Observers run outside the position lock, so they may call back
// into the engine.
type TickObserver interface {
	OnPositionTick(ctx context.Context, pos domain.VirtualPosition)
}

type posKey struct {
	recorder string
	ticker   string
}

// Engine is the authoritative in-memory keeper of virtual positions.
// Position and fill writes to the stores are an audit trail; read paths
// during operation never touch storage.
type Engine struct {
	cfg    Config
	table  *market.ContractTable
	store  domain.PositionStore
	fills  domain.FillStore
	events domain.EventSink
	logger *slog.Logger

	// mu guards the maps; individual positions are guarded by their
	// per-key lock so unrelated tickers update concurrently.
	mu        sync.Mutex
	positions map[posKey]*domain.VirtualPosition
	locks     map[posKey]*sync.Mutex

	obsMu     sync.RWMutex
	observers []TickObserver
}

// New creates an Engine. store and fills may be shared with other readers;
// the engine is their only writer.
func New(cfg Config, table *market.ContractTable, store domain.PositionStore, fills domain.FillStore, events domain.EventSink, logger *slog.Logger) *Engine {
	if cfg.InitialQty <= 0 {
		cfg.InitialQty = 1
	}
	if events == nil {
		events = domain.NopSink{}
	}
	return &Engine{
		cfg:       cfg,
		table:     table,
		store:     store,
		fills:     fills,
		events:    events,
		logger:    logger.With(slog.String("component", "engine")),
		positions: make(map[posKey]*domain.VirtualPosition),
		locks:     make(map[posKey]*sync.Mutex),
	}
}

// AddTickObserver registers an observer for post-tick snapshots.
func (e *Engine) AddTickObserver(o TickObserver) {
	e.obsMu.Lock()
	e.observers = append(e.observers, o)
	e.obsMu.Unlock()
}

// LoadOpen restores open positions from the store, typically at startup.
func (e *Engine) LoadOpen(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	open, err := e.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("engine: load open positions: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range open {
		pos := open[i]
		key := posKey{recorder: pos.RecorderID, ticker: pos.Ticker}
		e.positions[key] = &pos
		if _, ok := e.locks[key]; !ok {
			e.locks[key] = &sync.Mutex{}
		}
	}
	e.logger.InfoContext(ctx, "open positions restored", slog.Int("count", len(open)))
	return nil
}

// lockFor returns the update lock for a key, creating it on first use.
func (e *Engine) lockFor(key posKey) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// ApplySignal applies one inbound signal and returns the resulting
// position snapshot. Domain errors (invalid signal, unknown ticker,
// quantity underflow) are typed and leave state untouched.
func (e *Engine) ApplySignal(ctx context.Context, sig domain.Signal) (domain.VirtualPosition, error) {
	sig.RecorderID = strings.TrimSpace(sig.RecorderID)
	sig.Ticker = strings.ToUpper(strings.TrimSpace(sig.Ticker))

	if sig.RecorderID == "" || sig.Ticker == "" || !sig.Action.Valid() || sig.Price <= 0 {
		return domain.VirtualPosition{}, fmt.Errorf("engine: signal %s %s %s: %w",
			sig.RecorderID, sig.Ticker, sig.Action, domain.ErrInvalidSignal)
	}
	spec, ok := e.table.Spec(sig.Ticker)
	if !ok {
		return domain.VirtualPosition{}, fmt.Errorf("engine: signal for %s: %w",
			sig.Ticker, domain.ErrUnknownTicker)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}

	key := posKey{recorder: sig.RecorderID, ticker: sig.Ticker}
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	pos := e.positions[key]
	e.mu.Unlock()
	if pos != nil && !pos.IsOpen() {
		pos = nil
	}

	switch {
	case pos == nil:
		if sig.Action == domain.ActionClose {
			return domain.VirtualPosition{}, fmt.Errorf("engine: close for %s/%s with no open position: %w",
				sig.RecorderID, sig.Ticker, domain.ErrNotFound)
		}
		return e.open(ctx, key, sig, spec)

	case sig.Action == domain.ActionClose:
		return e.close(ctx, key, pos, sig, spec)

	case sig.Action.Side() == pos.Side:
		return e.addTo(ctx, pos, sig, spec)

	default:
		return e.reduceOrFlip(ctx, key, pos, sig, spec)
	}
}

// open creates a fresh position from an opening signal.
func (e *Engine) open(ctx context.Context, key posKey, sig domain.Signal, spec market.ContractSpec) (domain.VirtualPosition, error) {
	pos := &domain.VirtualPosition{
		ID:            uuid.NewString(),
		RecorderID:    sig.RecorderID,
		Ticker:        sig.Ticker,
		Side:          sig.Action.Side(),
		Quantity:      e.cfg.InitialQty,
		AvgEntryPrice: sig.Price,
		CurrentPrice:  sig.Price,
		Status:        domain.PositionStatusOpen,
		OpenedAt:      sig.Timestamp,
	}

	e.mu.Lock()
	e.positions[key] = pos
	e.mu.Unlock()

	e.persistCreate(ctx, *pos)
	e.persistFill(ctx, domain.VirtualFill{
		PositionID: pos.ID,
		Action:     sig.Action,
		Price:      sig.Price,
		QtyDelta:   pos.Quantity,
		AvgEntry:   pos.AvgEntryPrice,
		FilledAt:   sig.Timestamp,
	})

	e.logger.InfoContext(ctx, "position opened",
		slog.String("recorder", pos.RecorderID),
		slog.String("ticker", pos.Ticker),
		slog.String("side", string(pos.Side)),
		slog.Int("qty", pos.Quantity),
		slog.Float64("entry", pos.AvgEntryPrice),
	)
	e.emit(domain.EventPositionOpened, *pos, map[string]any{
		"side":  string(pos.Side),
		"qty":   pos.Quantity,
		"entry": pos.AvgEntryPrice,
	})
	return *pos, nil
}

// addTo scales into an existing same-direction position, shifting the
// volume-weighted average entry.
func (e *Engine) addTo(ctx context.Context, pos *domain.VirtualPosition, sig domain.Signal, spec market.ContractSpec) (domain.VirtualPosition, error) {
	addQty := e.cfg.InitialQty
	oldQty := float64(pos.Quantity)

	pos.AvgEntryPrice = (pos.AvgEntryPrice*oldQty + sig.Price*float64(addQty)) / (oldQty + float64(addQty))
	pos.Quantity += addQty
	e.mark(pos, sig.Price, spec)

	e.persistUpdate(ctx, *pos)
	e.persistFill(ctx, domain.VirtualFill{
		PositionID: pos.ID,
		Action:     sig.Action,
		Price:      sig.Price,
		QtyDelta:   addQty,
		AvgEntry:   pos.AvgEntryPrice,
		FilledAt:   sig.Timestamp,
	})

	e.logger.InfoContext(ctx, "position scaled in",
		slog.String("recorder", pos.RecorderID),
		slog.String("ticker", pos.Ticker),
		slog.Int("qty", pos.Quantity),
		slog.Float64("avg_entry", pos.AvgEntryPrice),
	)
	return *pos, nil
}

// reduceOrFlip handles an opposite-direction signal: a partial reduce when
// the open quantity exceeds the unit, a close (and optionally a flip) when
// it exactly offsets, and a rejection when it would underflow.
func (e *Engine) reduceOrFlip(ctx context.Context, key posKey, pos *domain.VirtualPosition, sig domain.Signal, spec market.ContractSpec) (domain.VirtualPosition, error) {
	unit := e.cfg.InitialQty

	switch {
	case pos.Quantity > unit:
		realized := (sig.Price - pos.AvgEntryPrice) * pos.Side.Sign() * float64(unit) * spec.PointValue
		pos.RealizedPnL += realized
		pos.Quantity -= unit
		// Average entry is deliberately unchanged on a partial reduce.
		e.mark(pos, sig.Price, spec)

		e.persistUpdate(ctx, *pos)
		e.persistFill(ctx, domain.VirtualFill{
			PositionID: pos.ID,
			Action:     sig.Action,
			Price:      sig.Price,
			QtyDelta:   -unit,
			AvgEntry:   pos.AvgEntryPrice,
			FilledAt:   sig.Timestamp,
		})

		e.logger.InfoContext(ctx, "position reduced",
			slog.String("recorder", pos.RecorderID),
			slog.String("ticker", pos.Ticker),
			slog.Int("qty", pos.Quantity),
			slog.Float64("realized", realized),
		)
		return *pos, nil

	case pos.Quantity == unit:
		closed, err := e.close(ctx, key, pos, sig, spec)
		if err != nil || !e.cfg.AllowFlip {
			return closed, err
		}
		// Flip: open the opposite side at the same signal price,
		// emitting a second fill through the regular open path.
		return e.open(ctx, key, sig, spec)

	default:
		// Underflow is surfaced, not clamped: it means the signal
		// source and the engine disagree about position size.
		e.logger.ErrorContext(ctx, "reducing signal exceeds open quantity",
			slog.String("recorder", pos.RecorderID),
			slog.String("ticker", pos.Ticker),
			slog.Int("open_qty", pos.Quantity),
			slog.Int("reduce_qty", unit),
		)
		return domain.VirtualPosition{}, fmt.Errorf("engine: reduce %d against open %d for %s/%s: %w",
			unit, pos.Quantity, pos.RecorderID, pos.Ticker, domain.ErrInconsistentQuantity)
	}
}

// close flattens a position at the signal price, realizing the remaining
// P&L.
func (e *Engine) close(ctx context.Context, key posKey, pos *domain.VirtualPosition, sig domain.Signal, spec market.ContractSpec) (domain.VirtualPosition, error) {
	qty := pos.Quantity
	realized := (sig.Price - pos.AvgEntryPrice) * pos.Side.Sign() * float64(qty) * spec.PointValue

	pos.RealizedPnL += realized
	pos.Quantity = 0
	pos.CurrentPrice = sig.Price
	pos.UnrealizedPnL = 0
	pos.Status = domain.PositionStatusClosed
	closedAt := sig.Timestamp
	pos.ClosedAt = &closedAt

	e.persistUpdate(ctx, *pos)
	e.persistFill(ctx, domain.VirtualFill{
		PositionID: pos.ID,
		Action:     sig.Action,
		Price:      sig.Price,
		QtyDelta:   -qty,
		AvgEntry:   pos.AvgEntryPrice,
		FilledAt:   sig.Timestamp,
	})

	e.logger.InfoContext(ctx, "position closed",
		slog.String("recorder", pos.RecorderID),
		slog.String("ticker", pos.Ticker),
		slog.Float64("exit", sig.Price),
		slog.Float64("realized", pos.RealizedPnL),
		slog.Float64("worst", pos.WorstPnL),
		slog.Bool("synthetic", sig.Synthetic),
	)
	e.emit(domain.EventPositionClosed, *pos, map[string]any{
		"exit":      sig.Price,
		"realized":  pos.RealizedPnL,
		"worst":     pos.WorstPnL,
		"synthetic": sig.Synthetic,
		"reason":    sig.Reason,
	})
	return *pos, nil
}

// mark refreshes the derived pricing fields from a new price. It is
// idempotent: re-marking at the same price changes nothing.
func (e *Engine) mark(pos *domain.VirtualPosition, price float64, spec market.ContractSpec) {
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Side.Sign() * float64(pos.Quantity) * spec.PointValue
	if pos.UnrealizedPnL < pos.WorstPnL {
		pos.WorstPnL = pos.UnrealizedPnL
	}
}

// ApplyTick refreshes every open position on the ticker with a new price
// and hands the updated snapshots to the tick observers.
func (e *Engine) ApplyTick(ctx context.Context, ticker string, price float64, ts time.Time) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" || price <= 0 {
		return
	}
	spec, ok := e.table.Spec(ticker)
	if !ok {
		return
	}

	// The prefilter reads map keys only; position fields, including
	// status, are owned by the per-key lock and re-checked below.
	e.mu.Lock()
	keys := make([]posKey, 0, 2)
	for key := range e.positions {
		if key.ticker == ticker {
			keys = append(keys, key)
		}
	}
	e.mu.Unlock()

	var snapshots []domain.VirtualPosition
	for _, key := range keys {
		lock := e.lockFor(key)
		lock.Lock()
		e.mu.Lock()
		pos := e.positions[key]
		e.mu.Unlock()
		if pos != nil && pos.IsOpen() {
			e.mark(pos, price, spec)
			snapshots = append(snapshots, *pos)
		}
		lock.Unlock()
	}

	if len(snapshots) == 0 {
		return
	}

	e.obsMu.RLock()
	observers := make([]TickObserver, len(e.observers))
	copy(observers, e.observers)
	e.obsMu.RUnlock()

	// Observers run outside the position locks so they may apply
	// synthetic signals without deadlocking.
	for _, snap := range snapshots {
		for _, o := range observers {
			o.OnPositionTick(ctx, snap)
		}
	}
}

// GetPosition returns a snapshot of the current position for a key, open
// or most recently tracked.
func (e *Engine) GetPosition(recorderID, ticker string) (domain.VirtualPosition, bool) {
	key := posKey{
		recorder: strings.TrimSpace(recorderID),
		ticker:   strings.ToUpper(strings.TrimSpace(ticker)),
	}

	// Read path: never mint a lock for a key the engine has not seen.
	e.mu.Lock()
	lock := e.locks[key]
	e.mu.Unlock()
	if lock == nil {
		return domain.VirtualPosition{}, false
	}

	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	pos := e.positions[key]
	e.mu.Unlock()
	if pos == nil {
		return domain.VirtualPosition{}, false
	}
	return *pos, true
}

// OpenPositions returns snapshots of all open positions.
func (e *Engine) OpenPositions() []domain.VirtualPosition {
	e.mu.Lock()
	keys := make([]posKey, 0, len(e.positions))
	for key := range e.positions {
		keys = append(keys, key)
	}
	e.mu.Unlock()

	out := make([]domain.VirtualPosition, 0, len(keys))
	for _, key := range keys {
		lock := e.lockFor(key)
		lock.Lock()
		e.mu.Lock()
		pos := e.positions[key]
		e.mu.Unlock()
		if pos != nil && pos.IsOpen() {
			out = append(out, *pos)
		}
		lock.Unlock()
	}
	return out
}

// CloseAll flattens every open position at its last marked price via
// synthetic close signals. Used by the max-loss guard.
func (e *Engine) CloseAll(ctx context.Context, reason string) {
	for _, pos := range e.OpenPositions() {
		price := pos.CurrentPrice
		if price <= 0 {
			price = pos.AvgEntryPrice
		}
		_, err := e.ApplySignal(ctx, domain.Signal{
			RecorderID: pos.RecorderID,
			Ticker:     pos.Ticker,
			Action:     domain.ActionClose,
			Price:      price,
			Timestamp:  time.Now().UTC(),
			Synthetic:  true,
			Reason:     reason,
		})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			e.logger.ErrorContext(ctx, "close all: flatten failed",
				slog.String("recorder", pos.RecorderID),
				slog.String("ticker", pos.Ticker),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Persistence is an audit trail: failures are logged loudly but do not
// roll back the in-memory state, which stays authoritative.

func (e *Engine) persistCreate(ctx context.Context, pos domain.VirtualPosition) {
	if e.store == nil {
		return
	}
	if err := e.store.Create(ctx, pos); err != nil {
		e.logger.ErrorContext(ctx, "persist position create failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) persistUpdate(ctx context.Context, pos domain.VirtualPosition) {
	if e.store == nil {
		return
	}
	if err := e.store.Update(ctx, pos); err != nil {
		e.logger.ErrorContext(ctx, "persist position update failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) persistFill(ctx context.Context, fill domain.VirtualFill) {
	if e.fills == nil {
		return
	}
	if _, err := e.fills.Append(ctx, fill); err != nil {
		e.logger.ErrorContext(ctx, "persist fill failed",
			slog.String("position_id", fill.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) emit(kind string, pos domain.VirtualPosition, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["position_id"] = pos.ID
	e.events.Emit(domain.Event{
		Kind:       kind,
		RecorderID: pos.RecorderID,
		Ticker:     pos.Ticker,
		Payload:    payload,
		At:         time.Now().UTC(),
	})
}
