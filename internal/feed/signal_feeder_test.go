package feed

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfutures/recorderbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBus struct {
	ch chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{ch: make(chan []byte, 16)}
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

type recordingApplier struct {
	mu      sync.Mutex
	signals []domain.Signal
	err     error
}

func (a *recordingApplier) ApplySignal(_ context.Context, sig domain.Signal) (domain.VirtualPosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signals = append(a.signals, sig)
	if a.err != nil {
		return domain.VirtualPosition{}, a.err
	}
	return domain.VirtualPosition{RecorderID: sig.RecorderID, Ticker: sig.Ticker, Quantity: 1}, nil
}

func (a *recordingApplier) applied() []domain.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Signal, len(a.signals))
	copy(out, a.signals)
	return out
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Emit(e domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureSink) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func runFeeder(t *testing.T, f *SignalFeeder) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFeederAppliesWellFormedSignal(t *testing.T) {
	bus := newFakeBus()
	applier := &recordingApplier{}
	sink := &captureSink{}
	runFeeder(t, NewSignalFeeder(bus, "signals", applier, sink, testLogger()))

	payload := []byte(`{"recorder_id":"rec-1","ticker":"MNQZ5","action":"BUY","price":"25600.25","timestamp":"2026-08-31T14:30:00Z"}`)
	require.NoError(t, bus.Publish(context.Background(), "signals", payload))

	waitFor(t, func() bool { return len(applier.applied()) == 1 })
	sig := applier.applied()[0]
	assert.Equal(t, "rec-1", sig.RecorderID)
	assert.Equal(t, "MNQZ5", sig.Ticker)
	assert.Equal(t, domain.ActionBuy, sig.Action)
	assert.Equal(t, 25600.25, sig.Price)
	assert.Equal(t, time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC), sig.Timestamp)
	assert.Empty(t, sink.kinds())
}

func TestFeederAcceptsNumericPrice(t *testing.T) {
	bus := newFakeBus()
	applier := &recordingApplier{}
	runFeeder(t, NewSignalFeeder(bus, "signals", applier, nil, testLogger()))

	payload := []byte(`{"recorder_id":"rec-1","ticker":"MNQ","action":"sell","price":25600.5}`)
	require.NoError(t, bus.Publish(context.Background(), "signals", payload))

	waitFor(t, func() bool { return len(applier.applied()) == 1 })
	assert.Equal(t, 25600.5, applier.applied()[0].Price)
	assert.Equal(t, domain.ActionSell, applier.applied()[0].Action)
}

func TestFeederRejectsMalformedPayload(t *testing.T) {
	bus := newFakeBus()
	applier := &recordingApplier{}
	sink := &captureSink{}
	runFeeder(t, NewSignalFeeder(bus, "signals", applier, sink, testLogger()))

	require.NoError(t, bus.Publish(context.Background(), "signals", []byte(`{not json`)))

	waitFor(t, func() bool { return len(sink.kinds()) == 1 })
	assert.Equal(t, domain.EventSignalRejected, sink.kinds()[0])
	assert.Empty(t, applier.applied())
}

func TestFeederReportsEngineRejection(t *testing.T) {
	bus := newFakeBus()
	applier := &recordingApplier{err: domain.ErrUnknownTicker}
	sink := &captureSink{}
	runFeeder(t, NewSignalFeeder(bus, "signals", applier, sink, testLogger()))

	payload := []byte(`{"recorder_id":"rec-1","ticker":"ZB","action":"buy","price":"118.5"}`)
	require.NoError(t, bus.Publish(context.Background(), "signals", payload))

	waitFor(t, func() bool { return len(sink.kinds()) == 1 })
	assert.Equal(t, domain.EventSignalRejected, sink.kinds()[0])
}

func TestFeederKeepsConsumingAfterRejection(t *testing.T) {
	bus := newFakeBus()
	applier := &recordingApplier{}
	sink := &captureSink{}
	runFeeder(t, NewSignalFeeder(bus, "signals", applier, sink, testLogger()))

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "signals", []byte(`garbage`)))
	require.NoError(t, bus.Publish(ctx, "signals", []byte(`{"recorder_id":"rec-1","ticker":"MNQ","action":"buy","price":"25600"}`)))

	waitFor(t, func() bool { return len(applier.applied()) == 1 })
	assert.Equal(t, "MNQ", applier.applied()[0].Ticker)
}
