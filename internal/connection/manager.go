// Package connection keeps the transport session alive: it pairs, persists
// credentials, reconnects within a bounded budget and routes inbound chat
// messages to the dialogue layer.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/salesbot/internal/auth"
	"github.com/ashureev/salesbot/internal/domain"
	"github.com/ashureev/salesbot/internal/identity"
	"github.com/ashureev/salesbot/internal/metrics"
	"github.com/ashureev/salesbot/internal/transport"
	"k8s.io/utils/clock"
)

const (
	DefaultMaxAttempts     = 5
	DefaultBackoff         = 5 * time.Second
	DefaultOutboundHistory = 512
)

// closeRequested marks a close triggered by Reconnect. It never counts
// against the reconnect budget.
const closeRequested transport.CloseReason = "requested"

// ErrEmptyMessage is returned by Send for text content that is blank.
var ErrEmptyMessage = errors.New("connection: empty message")

// Store is the persistence the Manager needs.
type Store interface {
	LoadCredentials(ctx context.Context) domain.Credentials
	SaveCredentials(ctx context.Context, creds domain.Credentials)
	LoadKeys(ctx context.Context) map[string][]byte
	SetKey(ctx context.Context, name string, blob []byte)
	DeleteKey(ctx context.Context, name string)
	ClearAuth(ctx context.Context)
}

// Handler receives normalized inbound chat text.
type Handler interface {
	// HandleMessage is called for text written by a contact.
	HandleMessage(ctx context.Context, jid, text string)
	// HandleOperatorMessage is called for text the operator typed from the
	// business account into the chat with jid.
	HandleOperatorMessage(ctx context.Context, jid, text string)
}

// Config tunes reconnect behavior.
type Config struct {
	MaxAttempts     int
	Backoff         time.Duration
	OutboundHistory int
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides the reconnect settings. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		if cfg.MaxAttempts > 0 {
			m.cfg.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.Backoff > 0 {
			m.cfg.Backoff = cfg.Backoff
		}
		if cfg.OutboundHistory > 0 {
			m.cfg.OutboundHistory = cfg.OutboundHistory
		}
	}
}

// WithClock sets the clock used for backoff.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager owns the transport connection. Run drives a single loop; all
// other methods are safe for concurrent use.
type Manager struct {
	transport transport.Transport
	store     Store
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config

	handlerMu sync.RWMutex
	handler   Handler

	mu       sync.RWMutex
	state    State
	qr       string
	me       string
	attempts int
	fatal    bool
	since    time.Time
	conn     transport.Conn

	subsMu sync.Mutex
	subs   map[chan Status]struct{}

	reconnect   chan struct{}
	fatalCh     chan struct{}
	echoes      *echoGate
	fingerprint string
}

// New creates a Manager.
func New(t transport.Transport, st Store, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		store:     st,
		clock:     clock.RealClock{},
		logger:    slog.Default(),
		cfg: Config{
			MaxAttempts:     DefaultMaxAttempts,
			Backoff:         DefaultBackoff,
			OutboundHistory: DefaultOutboundHistory,
		},
		subs:      make(map[chan Status]struct{}),
		reconnect: make(chan struct{}, 1),
		fatalCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.since = m.clock.Now()
	m.echoes = newEchoGate(newOutboundRing(m.cfg.OutboundHistory))
	return m
}

// SetHandler sets the receiver of inbound messages. It may be called before
// or while Run executes.
func (m *Manager) SetHandler(h Handler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

// Run connects and keeps reconnecting until ctx is done. It returns nil on
// cancellation; exhausting the reconnect budget does not end Run, it waits
// for Reconnect.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Connection manager started",
		"max_attempts", m.cfg.MaxAttempts, "backoff", m.cfg.Backoff)
	defer m.setState(Disconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}

		closed := m.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !m.afterClose(ctx, closed) {
			return nil
		}
	}
}

// connectOnce opens one connection and consumes its events until it closes.
func (m *Manager) connectOnce(ctx context.Context) transport.Closed {
	m.setState(Connecting)

	creds := m.store.LoadCredentials(ctx)
	m.fingerprint = auth.Fingerprint(creds)
	keys := newKeyCache(ctx, m.store)

	conn, err := m.transport.Connect(ctx, transport.Auth{Creds: creds, Keys: keys})
	if err != nil {
		m.logger.Warn("Failed to open connection", "error", err)
		return transport.Closed{Reason: transport.CloseConnectionLost, Err: err}
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	closed := m.consume(ctx, conn)

	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	if err := conn.Close(); err != nil {
		m.logger.Debug("Failed to close connection", "error", err)
	}
	return closed
}

func (m *Manager) consume(ctx context.Context, conn transport.Conn) transport.Closed {
	for {
		select {
		case <-ctx.Done():
			return transport.Closed{Reason: transport.CloseUnknown, Err: ctx.Err()}
		case <-m.reconnect:
			m.logger.Info("Reconnect requested, restarting connection")
			return transport.Closed{Reason: closeRequested}
		case ev, ok := <-conn.Events():
			if !ok {
				return transport.Closed{Reason: transport.CloseConnectionLost, Err: transport.ErrClosed}
			}
			if closed, done := m.handleEvent(ctx, ev); done {
				return closed
			}
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev transport.Event) (transport.Closed, bool) {
	switch e := ev.(type) {
	case transport.QR:
		m.logger.Info("Pairing code received, waiting for scan")
		m.update(func() {
			m.state = AwaitingScan
			m.qr = e.Code
		})
	case transport.Opened:
		m.logger.Info("Connection open", "me", e.Me)
		m.update(func() {
			m.state = Connected
			m.qr = ""
			m.me = e.Me
			m.attempts = 0
			m.fatal = false
		})
	case transport.CredsUpdated:
		m.saveCredentials(ctx, e.Creds)
	case transport.Message:
		m.route(ctx, e)
	case transport.Closed:
		return e, true
	}
	return transport.Closed{}, false
}

// afterClose applies the reconnect policy and reports whether Run should
// connect again.
func (m *Manager) afterClose(ctx context.Context, closed transport.Closed) bool {
	m.setState(Closing)

	switch closed.Reason {
	case transport.CloseLoggedOut:
		m.logger.Warn("Logged out, clearing credentials and pairing again")
		m.store.ClearAuth(ctx)
		m.fingerprint = ""
		return true
	case closeRequested:
		m.update(func() { m.attempts = 0 })
		return true
	}

	m.mu.Lock()
	retry := m.attempts < m.cfg.MaxAttempts
	if retry {
		m.attempts++
	}
	attempts := m.attempts
	m.mu.Unlock()
	m.broadcast()

	if retry {
		m.metrics.ReconnectAttempt()
		m.logger.Warn("Connection closed, reconnecting",
			"reason", closed.Reason, "error", closed.Err,
			"attempt", attempts, "max_attempts", m.cfg.MaxAttempts, "backoff", m.cfg.Backoff)
		m.setState(Connecting)
		select {
		case <-m.clock.After(m.cfg.Backoff):
			return true
		case <-ctx.Done():
			return false
		}
	}

	m.update(func() {
		m.state = Disconnected
		m.fatal = true
		m.qr = ""
	})
	m.metrics.ConnectionFatal()
	m.logger.Error("Max reconnection attempts reached, waiting for operator",
		"reason", closed.Reason, "error", closed.Err, "attempts", m.cfg.MaxAttempts)
	select {
	case m.fatalCh <- struct{}{}:
	default:
	}

	select {
	case <-m.reconnect:
		m.logger.Info("Operator requested reconnect")
		m.update(func() {
			m.attempts = 0
			m.fatal = false
		})
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) saveCredentials(ctx context.Context, creds domain.Credentials) {
	fp := auth.Fingerprint(creds)
	if fp != "" && fp == m.fingerprint {
		return
	}
	m.store.SaveCredentials(ctx, creds)
	m.fingerprint = fp
	m.logger.Debug("Credentials saved", "registered", creds.Registered())
}

// route forwards a chat message to the handler. Group and broadcast chats,
// messages without text and echoes of the bot's own sends are dropped.
func (m *Manager) route(ctx context.Context, msg transport.Message) {
	if !identity.IsUserChat(msg.JID) {
		return
	}
	text := msg.Text()
	if text == "" {
		return
	}
	jid := identity.Normalize(msg.JID)
	if jid == "" {
		jid = msg.JID
	}

	if msg.FromMe {
		if m.echoes.Admit(jid, msg.ID, text) {
			m.operatorMessage(ctx, jid, text)
		}
		return
	}

	h := m.currentHandler()
	if h == nil {
		return
	}
	m.metrics.Inbound("contact")
	h.HandleMessage(ctx, jid, text)
}

func (m *Manager) operatorMessage(ctx context.Context, jid, text string) {
	h := m.currentHandler()
	if h == nil {
		return
	}
	m.metrics.Inbound("operator")
	h.HandleOperatorMessage(ctx, jid, text)
}

func (m *Manager) currentHandler() Handler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

// Send delivers content to jid. A failed image send with a caption falls
// back to sending the caption as text. Failures are logged and returned.
func (m *Manager) Send(ctx context.Context, jid string, content transport.Content) error {
	if !content.IsImage() {
		content.Text = strings.TrimSpace(content.Text)
		if content.Text == "" {
			m.logger.Warn("Refusing to send empty message", "jid", jid)
			return ErrEmptyMessage
		}
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		m.metrics.Send(kindOf(content), transport.ErrNotConnected)
		m.logger.Warn("Dropping send while disconnected", "jid", jid)
		return transport.ErrNotConnected
	}

	key := identity.Normalize(jid)
	if key == "" {
		key = jid
	}
	m.echoes.Begin(key)
	id, err := m.deliver(ctx, conn, jid, content)
	for _, held := range m.echoes.Finish(key, id) {
		m.operatorMessage(ctx, key, held.text)
	}
	return err
}

// deliver sends content and returns the message id of whichever send
// succeeded.
func (m *Manager) deliver(ctx context.Context, conn transport.Conn, jid string, content transport.Content) (string, error) {
	id, err := conn.Send(ctx, jid, content)
	m.metrics.Send(kindOf(content), err)
	if err == nil {
		return id, nil
	}
	m.logger.Error("Failed to send message", "jid", jid, "kind", kindOf(content), "error", err)

	if content.IsImage() && strings.TrimSpace(content.Caption) != "" {
		id, fallbackErr := conn.Send(ctx, jid, transport.Text(content.Caption))
		m.metrics.Send("text", fallbackErr)
		if fallbackErr == nil {
			return id, nil
		}
		m.logger.Error("Failed to send caption fallback", "jid", jid, "error", fallbackErr)
		return "", fmt.Errorf("send caption fallback: %w", fallbackErr)
	}
	return "", fmt.Errorf("send to %s: %w", jid, err)
}

func kindOf(c transport.Content) string {
	if c.IsImage() {
		return "image"
	}
	return "text"
}

// IsConnected reports whether a session is open.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == Connected
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:    m.state,
		Name:     m.state.String(),
		QR:       m.qr,
		Me:       m.me,
		Attempts: m.attempts,
		Fatal:    m.fatal,
		Since:    m.since,
	}
}

// Fatal is signalled each time the reconnect budget is exhausted.
func (m *Manager) Fatal() <-chan struct{} {
	return m.fatalCh
}

// Reconnect asks the run loop to restart the connection, or to resume after
// the reconnect budget was exhausted. It is ignored while a connection
// attempt or close is in progress and reports whether it was accepted.
func (m *Manager) Reconnect() bool {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state == Connecting || state == Closing {
		m.logger.Info("Ignoring reconnect request", "state", state.String())
		return false
	}
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
	return true
}

// Subscribe returns a channel receiving every status change. The returned
// function unsubscribes and closes the channel. Slow subscribers miss
// intermediate updates.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) setState(s State) {
	m.update(func() { m.state = s })
}

// update mutates state under the lock, then publishes the new snapshot.
func (m *Manager) update(fn func()) {
	m.mu.Lock()
	prev := m.state
	fn()
	if m.state != prev {
		m.since = m.clock.Now()
	}
	m.mu.Unlock()
	m.broadcast()
}

func (m *Manager) broadcast() {
	status := m.Status()
	m.metrics.ConnectionState(status.Name)

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- status:
		default:
		}
	}
}
