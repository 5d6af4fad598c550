package stream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openfutures/recorderbot/internal/domain"
)

// Environment selects the broker environment a connection targets.
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvLive Environment = "live"
)

// Purpose distinguishes the broker's market-data socket from the trading
// (user-data) socket; the two require different tokens and subscriptions.
type Purpose string

const (
	PurposeMarketData Purpose = "market-data"
	PurposeUserData   Purpose = "user-data"
)

// Identity is the deduplication key for shared connections: at most one
// live socket exists per identity at any time.
type Identity struct {
	Credential  string // fingerprint, not the secret itself
	Environment Environment
	Purpose     Purpose
}

// TokenSource supplies the purpose-specific bearer token for a credential.
type TokenSource interface {
	Token(ctx context.Context, p Purpose) (string, error)
}

// Credential names one broker login and its token source.
type Credential struct {
	Name   string
	Tokens TokenSource
}

// Fingerprint returns a short stable hash identifying the credential
// without exposing it.
func (c Credential) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.Name))
	return hex.EncodeToString(sum[:8])
}

// SessionOracle reports whether the relevant market session is plausibly
// open, so a silent subscription can be told apart from a dead connection.
type SessionOracle interface {
	IsOpen(t time.Time) bool
}

// Config tunes connection behavior; see config.StreamConfig for the
// operator-facing knobs.
type Config struct {
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	AuthTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	LiveResetAfter    time.Duration
	SilenceThreshold  time.Duration
}

// ConnSpec describes the connection a listener wants to attach to.
type ConnSpec struct {
	URL         string
	Credential  Credential
	Environment Environment
	Purpose     Purpose
	// Resolve maps broker contract IDs to ticker symbols (REST-backed).
	// Optional; unresolved contracts yield events with an empty symbol.
	Resolve func(ctx context.Context, contractID int64) (string, error)
}

func (s ConnSpec) identity() Identity {
	return Identity{
		Credential:  s.Credential.Fingerprint(),
		Environment: s.Environment,
		Purpose:     s.Purpose,
	}
}

// Registry is the process-wide table of shared connections. All connection
// lifecycle goes through it: no component opens a broker socket directly.
type Registry struct {
	cfg    Config
	hours  SessionOracle
	events domain.EventSink
	dial   Dialer
	logger *slog.Logger

	mu    sync.Mutex
	conns map[Identity]*SharedConnection
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, hours SessionOracle, events domain.EventSink, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		hours:  hours,
		events: events,
		dial:   wsDialer{},
		logger: logger,
		conns:  make(map[Identity]*SharedConnection),
	}
}

// SetDialer overrides the websocket dialer. Intended for tests.
func (r *Registry) SetDialer(d Dialer) {
	r.dial = d
}

// Handle represents one listener's attachment to a shared connection.
type Handle struct {
	registry *Registry
	conn     *SharedConnection
	listener Listener
	id       Identity

	once sync.Once
}

// Identity returns the connection identity the handle is attached to.
func (h *Handle) Identity() Identity { return h.id }

// State returns the underlying connection's lifecycle state.
func (h *Handle) State() State { return h.conn.State() }

// TerminalErr returns the fatal error that stopped the underlying
// connection, if any.
func (h *Handle) TerminalErr() error { return h.conn.TerminalErr() }

// UpdateSubscriptions replaces the connection's subscription set. Note the
// set is shared: symbols other listeners rely on should be included.
func (h *Handle) UpdateSubscriptions(symbols []string) error {
	return h.conn.setSubscriptions(symbols)
}

// Attach registers a listener on the shared connection for spec's identity,
// creating and starting the connection if this is the first attachment.
// initialSubs is merged into the connection's subscription set.
//
// The supplied context bounds the connection's lifetime when this attach
// creates it; use the application context, not a request-scoped one.
func (r *Registry) Attach(ctx context.Context, spec ConnSpec, l Listener, initialSubs []string) (*Handle, error) {
	if l == nil {
		return nil, fmt.Errorf("stream: nil listener")
	}
	if spec.URL == "" {
		return nil, fmt.Errorf("stream: connection URL is required")
	}
	if spec.Credential.Tokens == nil {
		return nil, fmt.Errorf("stream: credential token source is required")
	}

	id := spec.identity()

	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		conn = newSharedConnection(id, spec, r.cfg, r.hours, r.events, r.dial, r.logger)
		r.conns[id] = conn
		conn.start(ctx)
		r.logger.Info("shared connection created",
			slog.String("purpose", string(id.Purpose)),
			slog.String("environment", string(id.Environment)),
			slog.String("credential", id.Credential),
		)
	}
	h := &Handle{registry: r, conn: conn, listener: l, id: id}
	// Attach while holding the registry lock so a racing Detach of the
	// last other listener cannot tear the connection down underneath us.
	conn.attach(h)
	r.mu.Unlock()

	if err := conn.addSubscriptions(initialSubs); err != nil {
		return h, fmt.Errorf("stream: initial subscriptions: %w", err)
	}
	return h, nil
}

// Detach removes the listener; the connection is torn down when its last
// listener detaches. Detach is idempotent.
func (r *Registry) Detach(h *Handle) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		r.mu.Lock()
		remaining := h.conn.detach(h)
		if remaining > 0 {
			r.mu.Unlock()
			return
		}
		if cur, ok := r.conns[h.id]; ok && cur == h.conn {
			delete(r.conns, h.id)
		}
		r.mu.Unlock()

		h.conn.stop()
		r.logger.Info("shared connection closed",
			slog.String("purpose", string(h.id.Purpose)),
			slog.String("credential", h.id.Credential),
		)
	})
}

// Size returns the number of live shared connections. Used for invariant
// checks and operational introspection.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close detaches nothing but stops every connection. Intended for process
// shutdown after consumers have already stopped.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*SharedConnection, 0, len(r.conns))
	for id, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.stop()
	}
}
