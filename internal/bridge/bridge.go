// Package bridge owns the WebSocket control channel to the automation
// daemon. The bridge always initiates: it dials the daemon, announces
// itself with a hello frame, then serves JSON requests until the channel
// drops, at which point it reconnects on the configured policy.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tabbridge/tabbridge/internal/config"
	"github.com/tabbridge/tabbridge/internal/router"
	"github.com/tabbridge/tabbridge/internal/wire"
)

// State is the connection lifecycle phase. Exactly one state holds at
// any moment.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// Label returns the compact text shown on status surfaces.
func (s State) Label() string {
	switch s {
	case StateConnected:
		return "ON"
	case StateConnecting:
		return "..."
	case StateError:
		return "ERR"
	default:
		return "OFF"
	}
}

// Color returns the fixed indicator color for the state.
func (s State) Color() string {
	switch s {
	case StateConnected:
		return "green"
	case StateConnecting:
		return "yellow"
	case StateError:
		return "red"
	default:
		return "gray"
	}
}

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConnecting:
		return "connecting"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// Status is a point-in-time snapshot of the channel for observers.
type Status struct {
	State    State     `json:"-"`
	Name     string    `json:"state"`
	Color    string    `json:"color"`
	Label    string    `json:"label"`
	Gateway  string    `json:"gateway"`
	Since    time.Time `json:"since"`
	Attempts int       `json:"attempts,omitempty"`
	LastErr  string    `json:"lastError,omitempty"`
}

// Manager drives the single control channel: dial, hello, read loop,
// reconnect. It is the only writer of connection state; everything else
// observes through Status and OnStateChange.
type Manager struct {
	cfg       config.GatewayConfig
	router    *router.Router
	onSession func() // invoked once per fresh channel, before requests flow
	logger    *slog.Logger

	conn      net.Conn
	state     State
	since     time.Time
	attempts  int
	lastErr   string
	listeners []func(State)
	started   bool
	kick      chan struct{} // wakes the reconnect wait early
	done      chan struct{}
	mu        sync.RWMutex
	writeMu   sync.Mutex // serializes writes
}

// New builds a Manager. onSession may be nil; when set it runs at the
// start of every successful connection, before the hello is written.
func New(cfg config.GatewayConfig, r *router.Router, onSession func(), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		router:    r,
		onSession: onSession,
		logger:    logger.With("component", "bridge"),
		state:     StateDisconnected,
		since:     time.Now(),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Connect starts the connection loop. Calling it again while the loop is
// running is a no-op.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop(ctx)
}

// Close shuts the channel down for good; the loop exits and no further
// reconnects are attempted.
func (m *Manager) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.setState(StateDisconnected, "")
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ForceReconnect tears down any existing channel and redials immediately,
// skipping the remaining reconnect delay.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close() // read loop surfaces the error and falls into reconnect
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// IsConnected reports whether the channel is currently open.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:    m.state,
		Name:     m.state.String(),
		Color:    m.state.Color(),
		Label:    m.state.Label(),
		Gateway:  m.cfg.URL,
		Since:    m.since,
		Attempts: m.attempts,
		LastErr:  m.lastErr,
	}
}

// OnStateChange registers a listener invoked on every transition. Must be
// called before Connect.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) setState(s State, errMsg string) {
	m.mu.Lock()
	if m.state == s && m.lastErr == errMsg {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.since = time.Now()
	m.lastErr = errMsg
	listeners := make([]func(State), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// loop is the whole lifecycle: dial, serve, wait, repeat. Exits only when
// ctx is done or Close is called.
func (m *Manager) loop(ctx context.Context) {
	delay := m.cfg.ReconnectDelay.Std()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		m.setState(StateConnecting, "")
		conn, err := m.dial(ctx)
		if err != nil {
			m.mu.Lock()
			m.attempts++
			attempt := m.attempts
			m.mu.Unlock()
			m.setState(StateError, err.Error())
			m.logger.Warn("connect failed", "error", err, "attempt", attempt, "retry_in", delay)

			if !m.wait(ctx, delay) {
				return
			}
			delay = m.nextDelay(delay)
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.attempts = 0
		m.mu.Unlock()
		delay = m.cfg.ReconnectDelay.Std()

		if m.onSession != nil {
			m.onSession()
		}

		if err := m.writeJSON(wire.NewHello(m.router.Capabilities())); err != nil {
			m.logger.Warn("write hello failed", "error", err)
			conn.Close()
			m.setState(StateError, err.Error())
			if !m.wait(ctx, delay) {
				return
			}
			continue
		}

		m.setState(StateConnected, "")
		m.logger.Info("control channel open", "gateway", m.cfg.URL)

		m.readLoop(ctx, conn)

		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		m.setState(StateDisconnected, "")
		m.logger.Warn("control channel lost", "retry_in", delay)
		if !m.wait(ctx, delay) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (net.Conn, error) {
	dialer := ws.Dialer{Timeout: 10 * time.Second}
	if m.cfg.Token != "" {
		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+m.cfg.Token)
		dialer.Header = ws.HandshakeHeaderHTTP(hdr)
	}

	conn, _, _, err := dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// wait sleeps for d unless interrupted by shutdown or a forced reconnect.
// Returns false when the loop should exit.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.done:
		return false
	case <-ctx.Done():
		return false
	case <-m.kick:
		return true
	case <-t.C:
		return true
	}
}

// nextDelay applies the backoff multiplier, clamped to MaxDelay. With the
// default multiplier of 1.0 the delay stays fixed.
func (m *Manager) nextDelay(d time.Duration) time.Duration {
	if m.cfg.Backoff <= 1.0 {
		return d
	}
	next := time.Duration(float64(d) * m.cfg.Backoff)
	if maxDelay := m.cfg.MaxDelay.Std(); maxDelay > 0 && next > maxDelay {
		next = maxDelay
	}
	return next
}

// readLoop consumes one JSON request per text message until the channel
// errors. Each request is dispatched on its own goroutine so a slow
// handler never blocks later frames; responses may therefore arrive out
// of order, which the peer correlates by id.
func (m *Manager) readLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-m.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			conn.Close()
			return
		}

		req, recoveredID, err := wire.ParseRequest(data)
		if err != nil {
			m.logger.Error("malformed request frame", "error", err)
			// Best-effort reply; the id may be empty when unrecoverable.
			if werr := m.writeJSON(wire.ErrResponse(recoveredID, err)); werr != nil {
				m.logger.Warn("write parse-error response failed", "error", werr)
			}
			continue
		}

		go m.serve(ctx, req)
	}
}

func (m *Manager) serve(ctx context.Context, req *wire.Request) {
	resp := m.router.Dispatch(ctx, req)
	if err := m.writeJSON(resp); err != nil {
		m.logger.Warn("write response failed", "id", req.ID, "method", req.Method, "error", err)
	}
}

func (m *Manager) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wsutil.WriteClientText(conn, data)
}
