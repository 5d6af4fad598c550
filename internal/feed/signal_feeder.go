// Package feed connects external inputs to the position engine: inbound
// trade signals from the pub/sub boundary and decoded stream events from
// the broker websockets.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openfutures/recorderbot/internal/domain"
	"github.com/openfutures/recorderbot/internal/engine"
)

// wirePrice tolerates prices encoded as JSON numbers or strings; webhook
// producers commonly quote them to avoid float truncation.
type wirePrice float64

func (p *wirePrice) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("feed: parse price %q: %w", s, err)
	}
	*p = wirePrice(f)
	return nil
}

type wireSignal struct {
	RecorderID string    `json:"recorder_id"`
	Ticker     string    `json:"ticker"`
	Action     string    `json:"action"`
	Price      wirePrice `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// SignalFeeder consumes inbound signals from the bus and applies them to
// the engine. Malformed or rejected signals are reported on the event sink
// and do not stop the feed.
type SignalFeeder struct {
	bus     domain.SignalBus
	channel string
	engine  engine.SignalApplier
	events  domain.EventSink
	logger  *slog.Logger
}

// NewSignalFeeder wires a feeder to a bus channel.
func NewSignalFeeder(bus domain.SignalBus, channel string, applier engine.SignalApplier, events domain.EventSink, logger *slog.Logger) *SignalFeeder {
	if events == nil {
		events = domain.NopSink{}
	}
	return &SignalFeeder{
		bus:     bus,
		channel: channel,
		engine:  applier,
		events:  events,
		logger:  logger.With(slog.String("component", "signal_feeder")),
	}
}

// Run subscribes and consumes until the context is canceled.
func (f *SignalFeeder) Run(ctx context.Context) error {
	msgs, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", f.channel, err)
	}
	f.logger.InfoContext(ctx, "signal feeder started", slog.String("channel", f.channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return fmt.Errorf("feed: signal channel %s closed", f.channel)
			}
			f.handle(ctx, payload)
		}
	}
}

func (f *SignalFeeder) handle(ctx context.Context, payload []byte) {
	var w wireSignal
	if err := json.Unmarshal(payload, &w); err != nil {
		f.reject(ctx, "", "", "malformed payload", err)
		return
	}

	sig := domain.Signal{
		RecorderID: w.RecorderID,
		Ticker:     w.Ticker,
		Action:     domain.SignalAction(strings.ToLower(strings.TrimSpace(w.Action))),
		Price:      float64(w.Price),
		Timestamp:  w.Timestamp,
	}
	pos, err := f.engine.ApplySignal(ctx, sig)
	if err != nil {
		f.reject(ctx, w.RecorderID, w.Ticker, "signal rejected", err)
		return
	}
	f.logger.DebugContext(ctx, "signal applied",
		slog.String("recorder", pos.RecorderID),
		slog.String("ticker", pos.Ticker),
		slog.String("action", string(sig.Action)),
		slog.Int("qty", pos.Quantity),
	)
}

func (f *SignalFeeder) reject(ctx context.Context, recorder, ticker, msg string, err error) {
	f.logger.WarnContext(ctx, msg,
		slog.String("recorder", recorder),
		slog.String("ticker", ticker),
		slog.String("error", err.Error()),
	)
	f.events.Emit(domain.Event{
		Kind:       domain.EventSignalRejected,
		RecorderID: recorder,
		Ticker:     ticker,
		Payload:    map[string]any{"reason": err.Error()},
		At:         time.Now().UTC(),
	})
}
