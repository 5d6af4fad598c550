package engine

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
	"github.com/openfutures/recorderbot/internal/market"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTable() *market.ContractTable {
	return market.NewContractTable([]market.ContractSpec{
		{Symbol: "MNQ", PointValue: 2.0, TickSize: 0.25},
		{Symbol: "MES", PointValue: 5.0, TickSize: 0.25},
	})
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

func newTestEngine(t *testing.T, cfg Config) (*Engine, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	return New(cfg, testTable(), nil, nil, sink, testLogger()), sink
}

func buy(ticker string, price float64) domain.Signal {
	return domain.Signal{
		RecorderID: "rec-1",
		Ticker:     ticker,
		Action:     domain.ActionBuy,
		Price:      price,
		Timestamp:  time.Now().UTC(),
	}
}

func sell(ticker string, price float64) domain.Signal {
	s := buy(ticker, price)
	s.Action = domain.ActionSell
	return s
}

func closeSig(ticker string, price float64) domain.Signal {
	s := buy(ticker, price)
	s.Action = domain.ActionClose
	return s
}

func TestApplySignalOpensPosition(t *testing.T) {
	e, sink := newTestEngine(t, Config{InitialQty: 1})

	pos, err := e.ApplySignal(context.Background(), buy("MNQ", 25600))
	require.NoError(t, err)

	assert.Equal(t, domain.SideLong, pos.Side)
	assert.Equal(t, 1, pos.Quantity)
	assert.Equal(t, 25600.0, pos.AvgEntryPrice)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.NotEmpty(t, pos.ID)
	assert.Contains(t, sink.kinds(), domain.EventPositionOpened)
}

func TestApplySignalAveragesIn(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	_, err := e.ApplySignal(ctx, buy("MNQ", 25600))
	require.NoError(t, err)
	_, err = e.ApplySignal(ctx, buy("MNQ", 25610))
	require.NoError(t, err)
	pos, err := e.ApplySignal(ctx, buy("MNQ", 25620))
	require.NoError(t, err)

	assert.Equal(t, 3, pos.Quantity)
	assert.InDelta(t, 25610.0, pos.AvgEntryPrice, 1e-9)
}

func TestCloseRealizesFullPnL(t *testing.T) {
	e, sink := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	for _, p := range []float64{25600, 25610, 25620} {
		_, err := e.ApplySignal(ctx, buy("MNQ", p))
		require.NoError(t, err)
	}
	pos, err := e.ApplySignal(ctx, closeSig("MNQ", 25620))
	require.NoError(t, err)

	// (25620 - 25610) * 3 contracts * $2 point value.
	assert.InDelta(t, 60.0, pos.RealizedPnL, 1e-9)
	assert.Equal(t, 0, pos.Quantity)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	require.NotNil(t, pos.ClosedAt)
	assert.Zero(t, pos.UnrealizedPnL)
	assert.Contains(t, sink.kinds(), domain.EventPositionClosed)
}

func TestPartialReduceKeepsAvgEntry(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	for _, p := range []float64{25600, 25620} {
		_, err := e.ApplySignal(ctx, buy("MNQ", p))
		require.NoError(t, err)
	}
	pos, err := e.ApplySignal(ctx, sell("MNQ", 25630))
	require.NoError(t, err)

	assert.Equal(t, 1, pos.Quantity)
	assert.InDelta(t, 25610.0, pos.AvgEntryPrice, 1e-9)
	// One contract realized at +20 points * $2.
	assert.InDelta(t, 40.0, pos.RealizedPnL, 1e-9)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
}

func TestOppositeSignalFlips(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1, AllowFlip: true})
	ctx := context.Background()

	opened, err := e.ApplySignal(ctx, buy("MNQ", 25600))
	require.NoError(t, err)

	flipped, err := e.ApplySignal(ctx, sell("MNQ", 25590))
	require.NoError(t, err)

	assert.NotEqual(t, opened.ID, flipped.ID)
	assert.Equal(t, domain.SideShort, flipped.Side)
	assert.Equal(t, 1, flipped.Quantity)
	assert.Equal(t, 25590.0, flipped.AvgEntryPrice)
	assert.Zero(t, flipped.RealizedPnL)
}

func TestOppositeSignalClosesWithoutFlip(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1, AllowFlip: false})
	ctx := context.Background()

	_, err := e.ApplySignal(ctx, buy("MNQ", 25600))
	require.NoError(t, err)

	pos, err := e.ApplySignal(ctx, sell("MNQ", 25590))
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.InDelta(t, -20.0, pos.RealizedPnL, 1e-9)

	snap, tracked := e.GetPosition("rec-1", "MNQ")
	require.True(t, tracked)
	assert.False(t, snap.IsOpen())
}

func TestReduceUnderflowRejected(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	_, err := e.ApplySignal(ctx, buy("MNQ", 25600))
	require.NoError(t, err)
	mutateQty(t, e, "rec-1", "MNQ", 0)

	_, err = e.ApplySignal(ctx, sell("MNQ", 25590))
	assert.ErrorIs(t, err, domain.ErrInconsistentQuantity)
}

// mutateQty reaches into the engine to set up inconsistent state that the
// public API guards against.
func mutateQty(t *testing.T, e *Engine, recorder, ticker string, qty int) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.positions[posKey{recorder: recorder, ticker: ticker}]
	require.NotNil(t, pos)
	pos.Quantity = qty
}

func TestShortSidePnL(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	_, err := e.ApplySignal(ctx, domain.Signal{
		RecorderID: "rec-1", Ticker: "MES", Action: domain.ActionSell, Price: 6500,
	})
	require.NoError(t, err)

	pos, err := e.ApplySignal(ctx, closeSig("MES", 6490))
	require.NoError(t, err)

	// Short from 6500 to 6490 is +10 points * $5.
	assert.InDelta(t, 50.0, pos.RealizedPnL, 1e-9)
}

func TestCloseWithoutPositionIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})

	_, err := e.ApplySignal(context.Background(), closeSig("MNQ", 25600))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUnknownTickerRejected(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})

	_, err := e.ApplySignal(context.Background(), buy("ZB", 118.5))
	assert.ErrorIs(t, err, domain.ErrUnknownTicker)
}

func TestInvalidSignalRejected(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	cases := []domain.Signal{
		{RecorderID: "", Ticker: "MNQ", Action: domain.ActionBuy, Price: 25600},
		{RecorderID: "rec-1", Ticker: "", Action: domain.ActionBuy, Price: 25600},
		{RecorderID: "rec-1", Ticker: "MNQ", Action: "hold", Price: 25600},
		{RecorderID: "rec-1", Ticker: "MNQ", Action: domain.ActionBuy, Price: 0},
		{RecorderID: "rec-1", Ticker: "MNQ", Action: domain.ActionBuy, Price: -1},
	}
	for _, sig := range cases {
		_, err := e.ApplySignal(ctx, sig)
		assert.ErrorIs(t, err, domain.ErrInvalidSignal)
	}
}

func TestTickUpdatesUnrealizedAndWorst(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	_, err := e.ApplySignal(ctx, buy("MNQ", 25600))
	require.NoError(t, err)

	e.ApplyTick(ctx, "MNQ", 25590, time.Now())
	pos, ok := e.GetPosition("rec-1", "MNQ")
	require.True(t, ok)
	assert.InDelta(t, -20.0, pos.UnrealizedPnL, 1e-9)
	assert.InDelta(t, -20.0, pos.WorstPnL, 1e-9)

	// Recovery lifts unrealized but never the worst mark.
	e.ApplyTick(ctx, "MNQ", 25620, time.Now())
	pos, _ = e.GetPosition("rec-1", "MNQ")
	assert.InDelta(t, 40.0, pos.UnrealizedPnL, 1e-9)
	assert.InDelta(t, -20.0, pos.WorstPnL, 1e-9)
}

func TestTickIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	_, err := e.ApplySignal(ctx, buy("MNQ", 25600))
	require.NoError(t, err)

	e.ApplyTick(ctx, "MNQ", 25590, time.Now())
	first, _ := e.GetPosition("rec-1", "MNQ")
	e.ApplyTick(ctx, "MNQ", 25590, time.Now())
	second, _ := e.GetPosition("rec-1", "MNQ")

	assert.Equal(t, first.UnrealizedPnL, second.UnrealizedPnL)
	assert.Equal(t, first.WorstPnL, second.WorstPnL)
}

func TestTickResolvesExpirySuffix(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	_, err := e.ApplySignal(ctx, buy("MNQZ5", 25600))
	require.NoError(t, err)

	e.ApplyTick(ctx, "MNQZ5", 25610, time.Now())
	pos, ok := e.GetPosition("rec-1", "MNQZ5")
	require.True(t, ok)
	assert.InDelta(t, 20.0, pos.UnrealizedPnL, 1e-9)
}

type snapshotObserver struct {
	mu    sync.Mutex
	snaps []domain.VirtualPosition
}

func (o *snapshotObserver) OnPositionTick(_ context.Context, pos domain.VirtualPosition) {
	o.mu.Lock()
	o.snaps = append(o.snaps, pos)
	o.mu.Unlock()
}

func TestTickObserversReceiveSnapshots(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	obs := &snapshotObserver{}
	e.AddTickObserver(obs)
	ctx := context.Background()

	_, err := e.ApplySignal(ctx, buy("MNQ", 25600))
	require.NoError(t, err)
	e.ApplyTick(ctx, "MNQ", 25590, time.Now())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.snaps, 1)
	assert.InDelta(t, -20.0, obs.snaps[0].UnrealizedPnL, 1e-9)
}

func TestCloseAllFlattensEverything(t *testing.T) {
	e, sink := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	_, err := e.ApplySignal(ctx, buy("MNQ", 25600))
	require.NoError(t, err)
	_, err = e.ApplySignal(ctx, domain.Signal{
		RecorderID: "rec-2", Ticker: "MES", Action: domain.ActionSell, Price: 6500,
	})
	require.NoError(t, err)

	e.CloseAll(ctx, "daily max loss")

	assert.Empty(t, e.OpenPositions())
	assert.Contains(t, sink.kinds(), domain.EventPositionClosed)
}

func TestConcurrentTicksAndSnapshotsDuringLifecycle(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	// Open, close, mark and snapshot the same key from four goroutines.
	// Snapshots taken mid-flight must never show a half-updated position.
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_, _ = e.ApplySignal(ctx, buy("MNQ", 25600))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_, _ = e.ApplySignal(ctx, closeSig("MNQ", 25610))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			e.ApplyTick(ctx, "MNQ", 25605, time.Now())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			for _, pos := range e.OpenPositions() {
				assert.True(t, pos.IsOpen())
				assert.Greater(t, pos.Quantity, 0)
			}
		}
	}()
	wg.Wait()
}

func TestGetPositionUnknownKeyAllocatesNothing(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})

	for i := 0; i < 3; i++ {
		_, ok := e.GetPosition("rec-unknown", "MNQ")
		assert.False(t, ok)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.locks)
	assert.Empty(t, e.positions)
}

type stubPositionStore struct {
	open []domain.VirtualPosition
}

func (s *stubPositionStore) Create(context.Context, domain.VirtualPosition) error { return nil }
func (s *stubPositionStore) Update(context.Context, domain.VirtualPosition) error { return nil }
func (s *stubPositionStore) GetByID(context.Context, string) (domain.VirtualPosition, error) {
	return domain.VirtualPosition{}, domain.ErrNotFound
}
func (s *stubPositionStore) ListOpen(context.Context) ([]domain.VirtualPosition, error) {
	return s.open, nil
}
func (s *stubPositionStore) ListHistory(context.Context, string, domain.ListOpts) ([]domain.VirtualPosition, error) {
	return nil, nil
}
func (s *stubPositionStore) ListClosedBefore(context.Context, time.Time) ([]domain.VirtualPosition, error) {
	return nil, nil
}

func TestLoadOpenRestoredPositionIsReadable(t *testing.T) {
	store := &stubPositionStore{open: []domain.VirtualPosition{{
		ID: "p1", RecorderID: "rec-1", Ticker: "MNQ",
		Side: domain.SideLong, Quantity: 2, Status: domain.PositionStatusOpen,
		AvgEntryPrice: 25600,
	}}}
	e := New(Config{InitialQty: 1}, testTable(), store, nil, &captureSink{}, testLogger())

	require.NoError(t, e.LoadOpen(context.Background()))

	pos, ok := e.GetPosition("rec-1", "MNQ")
	require.True(t, ok)
	assert.Equal(t, 2, pos.Quantity)
	assert.True(t, pos.IsOpen())
}

func TestConcurrentSignalsSerializePerKey(t *testing.T) {
	e, _ := newTestEngine(t, Config{InitialQty: 1})
	ctx := context.Background()

	_, err := e.ApplySignal(ctx, buy("MNQ", 25600))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = e.ApplySignal(ctx, buy("MNQ", 25600+float64(i)))
		}(i)
	}
	wg.Wait()

	pos, ok := e.GetPosition("rec-1", "MNQ")
	require.True(t, ok)
	assert.Equal(t, 21, pos.Quantity)
}
