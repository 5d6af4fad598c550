// Package drift periodically compares the engine's virtual positions with
// the broker's reported positions and raises an event when they diverge.
// It observes and reports only; reconciliation is a human decision.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openfutures/recorderbot/internal/domain"
)

// SnapshotSource fetches the broker's current net positions.
type SnapshotSource interface {
	Positions(ctx context.Context) ([]domain.BrokerPositionSnapshot, error)
}

// PositionView exposes the engine's open positions.
type PositionView interface {
	OpenPositions() []domain.VirtualPosition
}

// Config tunes the detector.
type Config struct {
	Interval time.Duration
	// ToleranceQty is the absolute net-quantity difference tolerated per
	// ticker before a divergence is reported. Zero means exact match.
	ToleranceQty int
}

// Detector polls the broker and compares per-ticker net quantities. Each
// distinct divergence is reported once; the report repeats only after the
// divergence clears and reappears or changes shape.
type Detector struct {
	cfg    Config
	source SnapshotSource
	view   PositionView
	events domain.EventSink
	logger *slog.Logger

	// reported maps ticker to the divergence fingerprint last raised.
	reported map[string]string
}

// New builds a Detector.
func New(cfg Config, source SnapshotSource, view PositionView, events domain.EventSink, logger *slog.Logger) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if events == nil {
		events = domain.NopSink{}
	}
	return &Detector{
		cfg:      cfg,
		source:   source,
		view:     view,
		events:   events,
		logger:   logger.With(slog.String("component", "drift")),
		reported: make(map[string]string),
	}
}

// Run polls until the context is canceled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.InfoContext(ctx, "drift detector started",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("tolerance_qty", d.cfg.ToleranceQty),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Check(ctx); err != nil {
				d.logger.WarnContext(ctx, "drift check failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Check runs one comparison pass.
func (d *Detector) Check(ctx context.Context) error {
	broker, err := d.source.Positions(ctx)
	if err != nil {
		return fmt.Errorf("drift: fetch broker positions: %w", err)
	}

	brokerNet := make(map[string]int)
	for _, snap := range broker {
		brokerNet[normalize(snap.Ticker)] += snap.NetQty
	}

	virtualNet := make(map[string]int)
	for _, pos := range d.view.OpenPositions() {
		virtualNet[normalize(pos.Ticker)] += int(pos.Side.Sign()) * pos.Quantity
	}

	tickers := make(map[string]struct{}, len(brokerNet)+len(virtualNet))
	for t := range brokerNet {
		tickers[t] = struct{}{}
	}
	for t := range virtualNet {
		tickers[t] = struct{}{}
	}

	for ticker := range tickers {
		bq, vq := brokerNet[ticker], virtualNet[ticker]
		diff := bq - vq
		if diff < 0 {
			diff = -diff
		}
		if diff <= d.cfg.ToleranceQty {
			delete(d.reported, ticker)
			continue
		}

		fp := fmt.Sprintf("%d/%d", bq, vq)
		if d.reported[ticker] == fp {
			continue
		}
		d.reported[ticker] = fp

		d.logger.WarnContext(ctx, "position drift detected",
			slog.String("ticker", ticker),
			slog.Int("broker_qty", bq),
			slog.Int("virtual_qty", vq),
		)
		d.events.Emit(domain.Event{
			Kind:   domain.EventDriftDetected,
			Ticker: ticker,
			Payload: map[string]any{
				"broker_qty":  bq,
				"virtual_qty": vq,
				"difference":  bq - vq,
			},
			At: time.Now().UTC(),
		})
	}
	return nil
}

func normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
