package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openfutures/recorderbot/internal/domain"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateLive
	StateBackoff
)

// String returns the state name for logging and inspection.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateLive:
		return "live"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// WSConn is the subset of a websocket connection the stream layer uses.
// *websocket.Conn satisfies it directly.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens websocket connections. Tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (WSConn, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (WSConn, error) {
	d := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// writeWait bounds every socket write.
const writeWait = 10 * time.Second

// SharedConnection owns one authenticated broker socket. It is created and
// torn down exclusively by the Registry; consumers interact with it through
// attach handles.
type SharedConnection struct {
	id     Identity
	spec   ConnSpec
	cfg    Config
	hours  SessionOracle
	events domain.EventSink
	dial   Dialer
	logger *slog.Logger

	state atomic.Int32
	reqID atomic.Int64

	mu           sync.Mutex
	listeners    []*Handle
	subs         map[string]struct{}
	ws           WSConn
	lastTick     time.Time
	sessionStart time.Time
	symbols      map[int64]string
	resolving    map[int64]struct{}
	terminalErr  error

	cancel context.CancelFunc
	done   chan struct{}
}

func newSharedConnection(id Identity, spec ConnSpec, cfg Config, hours SessionOracle, events domain.EventSink, dial Dialer, logger *slog.Logger) *SharedConnection {
	return &SharedConnection{
		id:     id,
		spec:   spec,
		cfg:    cfg,
		hours:  hours,
		events: events,
		dial:   dial,
		logger: logger.With(
			slog.String("component", "stream"),
			slog.String("purpose", string(id.Purpose)),
			slog.String("credential", id.Credential),
		),
		subs:      make(map[string]struct{}),
		symbols:   make(map[int64]string),
		resolving: make(map[int64]struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *SharedConnection) State() State {
	return State(c.state.Load())
}

// TerminalErr returns the fatal error that stopped the connection, if any.
func (c *SharedConnection) TerminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalErr
}

func (c *SharedConnection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *SharedConnection) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
}

func (c *SharedConnection) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	<-c.done
}

// run is the reconnect loop: each successful or failed session is followed
// by an exponentially backed-off delay with jitter, reset to the base after
// a sustained Live period. Credential-level failures stop the loop.
func (c *SharedConnection) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	delay := c.cfg.BackoffBase

	for {
		c.setState(StateConnecting)
		sessionStart := time.Now()
		err := c.session(ctx)

		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrCaptchaRequired) {
			c.mu.Lock()
			c.terminalErr = err
			c.mu.Unlock()
			c.logger.Error("connection failed permanently",
				slog.String("error", err.Error()),
			)
			c.events.Emit(domain.Event{
				Kind: domain.EventConnectionError,
				Payload: map[string]any{
					"purpose":  string(c.id.Purpose),
					"terminal": true,
					"error":    err.Error(),
				},
				At: time.Now().UTC(),
			})
			return
		}

		// A session that stayed live long enough earns a fresh backoff.
		if time.Since(sessionStart) >= c.cfg.LiveResetAfter {
			delay = c.cfg.BackoffBase
		}

		c.setState(StateBackoff)
		wait := delay + jitter(delay)
		c.logger.Warn("connection lost, backing off",
			slog.String("error", errText(err)),
			slog.Duration("delay", wait),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		delay = nextBackoff(delay, c.cfg.BackoffMax)
	}
}

// nextBackoff doubles the delay up to the ceiling.
func nextBackoff(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		delay = max
	}
	return delay
}

// jitter returns a random fraction (up to 25%) of the delay so that many
// connections recovering from the same outage do not reconnect in lockstep.
func jitter(delay time.Duration) time.Duration {
	quarter := delay / 4
	if quarter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(quarter)))
}

func errText(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// session dials, authenticates, restores subscriptions, and reads frames
// until the socket fails. The returned error classifies the failure for the
// reconnect loop.
func (c *SharedConnection) session(ctx context.Context) error {
	ws, err := c.dial.Dial(ctx, c.spec.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.spec.URL, err)
	}
	defer ws.Close()

	c.mu.Lock()
	c.ws = ws
	c.sessionStart = time.Now()
	c.lastTick = time.Time{}
	c.mu.Unlock()

	// The server greets with an open frame before accepting requests.
	if err := c.awaitOpen(ws); err != nil {
		return err
	}

	c.setState(StateAuthenticating)
	token, err := c.spec.Credential.Tokens.Token(ctx, c.id.Purpose)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if err := c.authenticate(ws, token); err != nil {
		return err
	}

	c.setState(StateLive)
	c.logger.Info("connection live", slog.String("url", c.spec.URL))

	if err := c.sendSubscriptions(ws, c.currentSubs(), nil); err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go c.heartbeatLoop(ws, sessionDone)
	go c.silenceWatchdog(ws, sessionDone)

	return c.readLoop(ctx, ws)
}

// awaitOpen reads until the SockJS open frame arrives.
func (c *SharedConnection) awaitOpen(ws WSConn) error {
	deadline := time.Now().Add(c.cfg.AuthTimeout)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await open frame: %w", err)
		}
		ft, _, err := SplitFrame(raw)
		if err != nil {
			return err
		}
		switch ft {
		case FrameOpen, FrameHeartbeat:
			if ft == FrameOpen {
				return nil
			}
		case FrameClose:
			return domain.ErrWSDisconnect
		}
	}
}

// authenticate sends the purpose token and waits for the acknowledgment
// within the auth timeout. A non-200 acknowledgment is a credential error,
// not a transient one.
func (c *SharedConnection) authenticate(ws WSConn, token string) error {
	authID := c.reqID.Add(1)
	if err := c.writeRequest(ws, "authorize", authID, "", token); err != nil {
		return fmt.Errorf("send authorize: %w", err)
	}

	deadline := time.Now().Add(c.cfg.AuthTimeout)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await auth ack: %w", err)
		}
		ft, msgs, err := SplitFrame(raw)
		if err != nil {
			c.logger.Warn("undecodable frame during auth", slog.String("error", err.Error()))
			continue
		}
		if ft != FrameArray {
			if ft == FrameClose {
				return domain.ErrWSDisconnect
			}
			continue
		}
		for _, rawMsg := range msgs {
			msg, err := ParseMessage(rawMsg)
			if err != nil {
				continue
			}
			if msg.IsResponse() && msg.ID == authID {
				if msg.Status != 200 {
					return fmt.Errorf("auth rejected (status %d, %s): %w",
						msg.Status, msg.ErrText, domain.ErrUnauthorized)
				}
				return nil
			}
		}
	}
}

// readLoop consumes frames until the socket errors. Frames are delivered to
// listeners in arrival order.
func (c *SharedConnection) readLoop(ctx context.Context, ws WSConn) error {
	liveness := c.cfg.HeartbeatInterval * time.Duration(c.cfg.MissedHeartbeats)

	for {
		_ = ws.SetReadDeadline(time.Now().Add(liveness))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		ft, msgs, err := SplitFrame(raw)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}

		switch ft {
		case FrameHeartbeat:
			// Server heartbeats are answered with an empty client frame.
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.TextMessage, []byte("[]"))
		case FrameClose:
			return domain.ErrWSDisconnect
		case FrameArray:
			c.handleMessages(ctx, msgs)
		}
	}
}

func (c *SharedConnection) handleMessages(ctx context.Context, msgs []json.RawMessage) {
	now := time.Now()
	var batch []Event
	for _, rawMsg := range msgs {
		msg, err := ParseMessage(rawMsg)
		if err != nil {
			continue
		}
		if msg.IsResponse() {
			if msg.Status != 200 {
				c.logger.Warn("request rejected",
					slog.Int64("request_id", msg.ID),
					slog.Int("status", msg.Status),
					slog.String("error", msg.ErrText),
				)
			}
			continue
		}
		batch = append(batch, DecodeEvents(msg, c.cachedSymbol, now)...)
	}
	if len(batch) == 0 {
		return
	}

	c.noteTicks(batch, now)
	c.fanout(ctx, batch)
}

// noteTicks records tick arrival so the silence watchdog can distinguish a
// quiet market from a dead subscription.
func (c *SharedConnection) noteTicks(events []Event, now time.Time) {
	for _, ev := range events {
		if ev.Category == CategoryPrice {
			c.mu.Lock()
			c.lastTick = now
			c.mu.Unlock()
			return
		}
	}
}

// fanout delivers the batch to each attached listener that declared
// interest in at least one carried category. Listener panics are isolated.
func (c *SharedConnection) fanout(ctx context.Context, batch []Event) {
	c.mu.Lock()
	handles := make([]*Handle, len(c.listeners))
	copy(handles, c.listeners)
	c.mu.Unlock()

	for _, h := range handles {
		filtered := batch[:0:0]
		for _, ev := range batch {
			if h.listener.Wants(ev.Category) {
				filtered = append(filtered, ev)
			}
		}
		if len(filtered) == 0 {
			continue
		}
		c.deliver(ctx, h.listener, filtered)
	}
}

func (c *SharedConnection) deliver(ctx context.Context, l Listener, events []Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked",
				slog.String("listener", l.Name()),
				slog.Any("panic", r),
			)
		}
	}()
	l.OnEvents(ctx, events)
}

// heartbeatLoop writes a keep-alive frame on a fixed interval for the
// duration of one session.
func (c *SharedConnection) heartbeatLoop(ws WSConn, sessionDone <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sessionDone:
			return
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, []byte("[]")); err != nil {
				// The read loop observes the failure; just stop writing.
				_ = ws.Close()
				return
			}
		}
	}
}

// silenceWatchdog force-closes a market-data session whose subscriptions
// stop delivering even though the socket reports healthy. Zero ticks is
// expected while the market session is closed, so the market-hours oracle
// is consulted before declaring the connection dead.
func (c *SharedConnection) silenceWatchdog(ws WSConn, sessionDone <-chan struct{}) {
	if c.id.Purpose != PurposeMarketData || c.cfg.SilenceThreshold <= 0 {
		return
	}

	interval := c.cfg.SilenceThreshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sessionDone:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			subscribed := len(c.subs) > 0
			baseline := c.sessionStart
			if c.lastTick.After(baseline) {
				baseline = c.lastTick
			}
			c.mu.Unlock()

			if !subscribed || now.Sub(baseline) < c.cfg.SilenceThreshold {
				continue
			}
			if c.hours != nil && !c.hours.IsOpen(now) {
				continue
			}

			c.logger.Warn("no ticks during open market hours, forcing reconnect",
				slog.Duration("silent_for", now.Sub(baseline)),
			)
			_ = ws.Close()
			return
		}
	}
}

// currentSubs snapshots the subscription set.
func (c *SharedConnection) currentSubs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

// addSubscriptions merges symbols into the set and, when live, sends the
// matching subscribe frames.
func (c *SharedConnection) addSubscriptions(symbols []string) error {
	c.mu.Lock()
	var added []string
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := c.subs[s]; !ok {
			c.subs[s] = struct{}{}
			added = append(added, s)
		}
	}
	ws := c.ws
	c.mu.Unlock()

	if len(added) == 0 || c.State() != StateLive || ws == nil {
		return nil
	}
	return c.sendSubscriptions(ws, added, nil)
}

// setSubscriptions replaces the subscription set, subscribing and
// unsubscribing the differences when live.
func (c *SharedConnection) setSubscriptions(symbols []string) error {
	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			next[s] = struct{}{}
		}
	}

	c.mu.Lock()
	var added, removed []string
	for s := range next {
		if _, ok := c.subs[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range c.subs {
		if _, ok := next[s]; !ok {
			removed = append(removed, s)
		}
	}
	c.subs = next
	ws := c.ws
	c.mu.Unlock()

	if c.State() != StateLive || ws == nil {
		return nil
	}
	return c.sendSubscriptions(ws, added, removed)
}

// sendSubscriptions emits the purpose-specific subscribe/unsubscribe
// requests. Market-data connections subscribe per symbol; user-data
// connections issue one sync request covering the credential's users.
func (c *SharedConnection) sendSubscriptions(ws WSConn, added, removed []string) error {
	if c.id.Purpose == PurposeUserData {
		if len(added) == 0 && len(removed) == 0 {
			return nil
		}
		users := make([]int64, 0, len(added))
		for _, s := range c.currentSubs() {
			if id, err := strconv.ParseInt(s, 10, 64); err == nil {
				users = append(users, id)
			}
		}
		body := fmt.Sprintf(`{"users":%s}`, jsonInts(users))
		return c.writeRequest(ws, "user/syncrequest", c.reqID.Add(1), "", body)
	}

	for _, s := range added {
		body := fmt.Sprintf(`{"symbol":%q}`, s)
		if err := c.writeRequest(ws, "md/subscribeQuote", c.reqID.Add(1), "", body); err != nil {
			return err
		}
	}
	for _, s := range removed {
		body := fmt.Sprintf(`{"symbol":%q}`, s)
		if err := c.writeRequest(ws, "md/unsubscribeQuote", c.reqID.Add(1), "", body); err != nil {
			return err
		}
	}
	return nil
}

func jsonInts(vals []int64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// writeRequest sends one client request in the broker's text format:
// endpoint, request id, query string, and body on separate lines.
func (c *SharedConnection) writeRequest(ws WSConn, endpoint string, id int64, query, body string) error {
	frame := fmt.Sprintf("%s\n%d\n%s\n%s", endpoint, id, query, body)
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// cachedSymbol returns the known symbol for a contract ID, kicking off a
// background resolution for unknown contracts so later events carry the
// symbol. It never blocks the read loop.
func (c *SharedConnection) cachedSymbol(contractID int64) string {
	c.mu.Lock()
	if sym, ok := c.symbols[contractID]; ok {
		c.mu.Unlock()
		return sym
	}
	if c.spec.Resolve == nil {
		c.mu.Unlock()
		return ""
	}
	if _, busy := c.resolving[contractID]; busy {
		c.mu.Unlock()
		return ""
	}
	c.resolving[contractID] = struct{}{}
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sym, err := c.spec.Resolve(ctx, contractID)

		c.mu.Lock()
		delete(c.resolving, contractID)
		if err == nil && sym != "" {
			c.symbols[contractID] = sym
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("symbol resolution failed",
				slog.Int64("contract_id", contractID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return ""
}

func (c *SharedConnection) attach(h *Handle) {
	c.mu.Lock()
	c.listeners = append(c.listeners, h)
	c.mu.Unlock()
}

// detach removes a handle and reports how many listeners remain.
func (c *SharedConnection) detach(h *Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.listeners {
		if cur == h {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
	return len(c.listeners)
}
