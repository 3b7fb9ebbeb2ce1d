// Package conn owns the single websocket to the controller: a connect and
// retry state machine with a fixed reconnect delay, a liveness check, and
// best-effort send.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manaflow-ai/tabrelay/internal/protocol"
)

// State is the connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Error        State = "error"
)

const (
	DefaultReconnectDelay   = 5 * time.Second
	DefaultLivenessInterval = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// Options configure a Manager.
type Options struct {
	URL              string
	ReconnectDelay   time.Duration
	LivenessInterval time.Duration
	HandshakeTimeout time.Duration
	// ClientID and Version go into the identification handshake.
	ClientID string
	Version  string
	Header   http.Header
	Logger   *slog.Logger
}

// Manager is the connection manager. The zero value is not usable; call New.
type Manager struct {
	opts   Options
	log    *slog.Logger
	dialer *websocket.Dialer

	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	gen        uint64
	timer      *time.Timer
	stopped    bool
	liveCancel context.CancelFunc
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	listeners  map[int]func(State)
	nextID     int
	onMessage  func([]byte)

	writeMu sync.Mutex

	notifyMu sync.Mutex
	queue    []State
	wake     chan struct{}
}

// New returns a disconnected Manager.
func New(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = DefaultLivenessInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		opts:      opts,
		log:       opts.Logger.With("component", "conn"),
		dialer:    &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		state:     Disconnected,
		listeners: make(map[int]func(State)),
		wake:      make(chan struct{}, 1),
	}
	go m.notifyLoop()
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers fn for every transition, delivered in order on a
// single goroutine. The returned func unregisters it.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// OnMessage sets the handler for inbound frames. It runs on the read
// goroutine, so frames are handled in arrival order.
func (m *Manager) OnMessage(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// Connect starts connecting. It is a no-op while connecting or connected.
// An invalid URL moves the manager to Error.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = false
	if m.lifeCtx == nil {
		m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	}
	if m.liveCancel == nil {
		ctx, cancel := context.WithCancel(m.lifeCtx)
		m.liveCancel = cancel
		go m.liveness(ctx)
	}
	return m.connectLocked()
}

func (m *Manager) connectLocked() error {
	if m.stopped || m.state == Connecting || m.state == Connected {
		return nil
	}
	if err := validateURL(m.opts.URL); err != nil {
		m.setStateLocked(Error)
		return err
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	m.setStateLocked(Connecting)
	go m.dial(m.lifeCtx, m.gen)
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("controller url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("controller url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("controller url %q: missing host", raw)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	m.log.Debug("dialing controller", "url", m.opts.URL)
	ws, resp, err := m.dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.log.Warn("controller dial failed", "url", m.opts.URL, "error", err)
		m.fail(gen)
		return
	}

	// The handshake goes out before the state flips to connected, so no
	// other sender can get ahead of it.
	hello := protocol.NewHandshake(m.opts.ClientID, m.opts.Version)
	if err := m.write(ws, hello); err != nil {
		m.log.Warn("handshake failed", "error", err)
		ws.Close()
		m.fail(gen)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		ws.Close()
		return
	}
	m.ws = ws
	m.setStateLocked(Connected)
	m.mu.Unlock()

	m.log.Info("connected to controller", "url", m.opts.URL)
	go m.readLoop(ws, gen)
}

// fail moves a live generation to Disconnected and schedules one reconnect.
func (m *Manager) fail(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if m.ws != nil {
		m.ws.Close()
		m.ws = nil
	}
	if m.state != Connecting && m.state != Connected {
		return
	}
	m.setStateLocked(Disconnected)
	m.scheduleLocked()
}

// scheduleLocked arms the single reconnect timer.
func (m *Manager) scheduleLocked() {
	if m.stopped || m.timer != nil {
		return
	}
	m.log.Info("reconnect scheduled", "delay", m.opts.ReconnectDelay)
	m.timer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.timer = nil
		if err := m.connectLocked(); err != nil {
			m.log.Error("reconnect failed", "error", err)
		}
	})
}

// liveness re-invokes connect if the manager is disconnected with no
// reconnect armed.
func (m *Manager) liveness(ctx context.Context) {
	ticker := time.NewTicker(m.opts.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.state == Disconnected && m.timer == nil && !m.stopped {
				m.log.Info("liveness check reconnecting")
				if err := m.connectLocked(); err != nil {
					m.log.Error("liveness reconnect failed", "error", err)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Info("controller closed connection", "error", err)
			} else {
				m.log.Warn("controller read failed", "error", err)
			}
			m.fail(gen)
			return
		}
		m.mu.Lock()
		handler := m.onMessage
		m.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

// Send transmits v as JSON. It reports false, without error, when the
// socket is not connected or the write fails.
func (m *Manager) Send(v any) bool {
	m.mu.Lock()
	ws, gen, state := m.ws, m.gen, m.state
	m.mu.Unlock()
	if state != Connected || ws == nil {
		return false
	}
	if err := m.write(ws, v); err != nil {
		m.log.Warn("send failed", "error", err)
		m.fail(gen)
		return false
	}
	return true
}

func (m *Manager) write(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Reconnect drops the current socket and connects again immediately.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.ws != nil {
		m.ws.Close()
		m.ws = nil
	}
	if m.state == Connecting || m.state == Connected {
		m.setStateLocked(Disconnected)
	}
	m.mu.Unlock()
	return m.Connect()
}

// Close releases the socket and cancels pending reconnects. Connect may be
// called again later.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.lifeCancel != nil {
		m.lifeCancel()
		m.lifeCtx, m.lifeCancel, m.liveCancel = nil, nil, nil
	}
	if m.ws != nil {
		m.writeMu.Lock()
		_ = m.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		m.writeMu.Unlock()
		m.ws.Close()
		m.ws = nil
	}
	m.setStateLocked(Disconnected)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Debug("state change", "from", m.state, "to", s)
	m.state = s
	m.notifyMu.Lock()
	m.queue = append(m.queue, s)
	m.notifyMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) notifyLoop() {
	for range m.wake {
		for {
			m.notifyMu.Lock()
			if len(m.queue) == 0 {
				m.notifyMu.Unlock()
				break
			}
			s := m.queue[0]
			m.queue = m.queue[1:]
			m.notifyMu.Unlock()

			m.mu.Lock()
			fns := make([]func(State), 0, len(m.listeners))
			for _, fn := range m.listeners {
				fns = append(fns, fn)
			}
			m.mu.Unlock()
			for _, fn := range fns {
				fn(s)
			}
		}
	}
}
