package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/openfutures/recorderbot/internal/domain"
)

// Publisher is the process-wide event sink. Emit never blocks the caller:
// events are queued and a background worker publishes each one to the
// outbound bus channel and to the operator notifier. A full queue drops
// the oldest pending event first; alerts are advisory, the audit trail in
// storage is the record.
type Publisher struct {
	bus      domain.SignalBus
	channel  string
	notifier *Notifier
	logger   *slog.Logger

	queue chan domain.Event
	done  chan struct{}
}

var _ domain.EventSink = (*Publisher)(nil)

// NewPublisher builds a Publisher. bus and notifier may each be nil when
// that boundary is not configured.
func NewPublisher(bus domain.SignalBus, channel string, notifier *Notifier, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:      bus,
		channel:  channel,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "events")),
		queue:    make(chan domain.Event, 256),
		done:     make(chan struct{}),
	}
}

// Emit implements domain.EventSink.
func (p *Publisher) Emit(event domain.Event) {
	for {
		select {
		case p.queue <- event:
			return
		default:
		}
		// Shed the oldest pending event to make room.
		select {
		case dropped := <-p.queue:
			p.logger.Warn("event queue full, dropping oldest",
				slog.String("kind", dropped.Kind),
			)
		default:
		}
	}
}

// Run drains the queue until the context is canceled, then delivers what is
// already queued with a short grace period.
func (p *Publisher) Run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case event := <-p.queue:
			p.deliver(ctx, event)
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event := <-p.queue:
			p.deliver(ctx, event)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, event domain.Event) {
	if p.bus != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			p.logger.ErrorContext(ctx, "marshal event failed",
				slog.String("kind", event.Kind),
				slog.String("error", err.Error()),
			)
		} else if err := p.bus.Publish(ctx, p.channel, payload); err != nil {
			p.logger.WarnContext(ctx, "publish event failed",
				slog.String("kind", event.Kind),
				slog.String("error", err.Error()),
			)
		}
	}

	if p.notifier != nil {
		title, message := formatEvent(event)
		if err := p.notifier.Notify(ctx, event.Kind, title, message); err != nil {
			p.logger.WarnContext(ctx, "notify failed",
				slog.String("kind", event.Kind),
				slog.String("error", err.Error()),
			)
		}
	}
}

var eventTitles = map[string]string{
	domain.EventTPHit:           "Take profit hit",
	domain.EventSLHit:           "Stop loss hit",
	domain.EventDriftDetected:   "Position drift detected",
	domain.EventConnectionError: "Stream connection error",
	domain.EventSignalRejected:  "Signal rejected",
	domain.EventMaxLossBreached: "Daily max loss breached",
	domain.EventPositionOpened:  "Position opened",
	domain.EventPositionClosed:  "Position closed",
}

// formatEvent renders an event into a sender-agnostic title and body.
func formatEvent(event domain.Event) (title, message string) {
	title = eventTitles[event.Kind]
	if title == "" {
		title = event.Kind
	}

	var b strings.Builder
	if event.RecorderID != "" {
		fmt.Fprintf(&b, "recorder: %s\n", event.RecorderID)
	}
	if event.Ticker != "" {
		fmt.Fprintf(&b, "ticker: %s\n", event.Ticker)
	}

	keys := make([]string, 0, len(event.Payload))
	for k := range event.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, event.Payload[k])
	}
	return title, strings.TrimRight(b.String(), "\n")
}
