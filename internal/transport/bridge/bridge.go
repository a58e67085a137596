// Package bridge implements transport.Transport by talking to a protocol
// bridge sidecar over a websocket carrying CBOR frames. The sidecar owns the
// messaging protocol; this side owns credentials, key material and the
// session logic.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/salesbot/internal/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	defaultDialTimeout = 15 * time.Second
	readLimit          = 32 << 20
	eventBuffer        = 64
)

// Bridge dials the sidecar.
type Bridge struct {
	url         string
	header      http.Header
	dialTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHeader adds a header sent on the websocket handshake.
func WithHeader(key, value string) Option {
	return func(b *Bridge) { b.header.Add(key, value) }
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.dialTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New returns a Bridge for the websocket URL.
func New(url string, opts ...Option) *Bridge {
	b := &Bridge{
		url:         url,
		header:      http.Header{},
		dialTimeout: defaultDialTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect dials the sidecar and hands it the credential bundle.
func (b *Bridge) Connect(ctx context.Context, auth transport.Auth) (transport.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.dialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, b.url, &websocket.DialOptions{HTTPHeader: b.header})
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	ws.SetReadLimit(readLimit)

	c := newConn(ws, auth.Keys, b.logger)
	creds := auth.Creds
	if err := c.write(dialCtx, frame{Type: frameHello, Creds: &creds}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("send hello: %w", err)
	}

	go c.readLoop()
	return c, nil
}

type sendResult struct {
	messageID string
	err       error
}

// conn is one bridge session.
type conn struct {
	ws     *websocket.Conn
	keys   transport.KeyStore
	events chan transport.Event
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan sendResult

	closeOnce   sync.Once
	closedLocal bool
}

func newConn(ws *websocket.Conn, keys transport.KeyStore, logger *slog.Logger) *conn {
	if keys == nil {
		keys = transport.NewMemoryKeys(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:      ws,
		keys:    keys,
		events:  make(chan transport.Event, eventBuffer),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan sendResult),
	}
}

func (c *conn) Events() <-chan transport.Event {
	return c.events
}

// Send asks the bridge to deliver content and waits for the message id.
func (c *conn) Send(ctx context.Context, jid string, content transport.Content) (string, error) {
	if c.ctx.Err() != nil {
		return "", transport.ErrNotConnected
	}

	id := uuid.NewString()
	result := make(chan sendResult, 1)
	c.mu.Lock()
	c.pending[id] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	f := frame{Type: frameSend, ID: id, JID: jid}
	if content.IsImage() {
		f.Image = content.Image
		f.Caption = content.Caption
		f.MimeType = content.MimeType
	} else {
		f.Text = content.Text
	}
	if err := c.write(ctx, f); err != nil {
		return "", fmt.Errorf("send frame: %w", err)
	}

	select {
	case r := <-result:
		return r.messageID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.ctx.Done():
		return "", transport.ErrNotConnected
	}
}

// Close ends the session. No Closed event is emitted for a local close.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closedLocal = true
		c.mu.Unlock()
		c.cancel()
		err = c.ws.Close(websocket.StatusNormalClosure, "closing")
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close bridge: %w", err)
	}
	return nil
}

func (c *conn) write(ctx context.Context, f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return c.ws.Write(ctx, websocket.MessageBinary, data)
}

func (c *conn) readLoop() {
	defer close(c.events)
	defer c.cancel()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			local := c.closedLocal
			c.mu.Unlock()
			if !local {
				c.emit(transport.Closed{Reason: transport.CloseConnectionLost, Err: err})
			}
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable bridge frame", "error", err)
			continue
		}
		if done := c.dispatch(f); done {
			_ = c.ws.Close(websocket.StatusNormalClosure, "closed by bridge")
			return
		}
	}
}

// dispatch handles one frame and reports whether the session ended.
func (c *conn) dispatch(f frame) bool {
	switch f.Type {
	case frameQR:
		c.emit(transport.QR{Code: f.Code})
	case frameOpen:
		c.emit(transport.Opened{Me: f.Me})
	case frameClose:
		c.emit(closeEvent(f))
		return true
	case frameCreds:
		if f.Creds != nil {
			c.emit(transport.CredsUpdated{Creds: *f.Creds})
		}
	case frameKeyGet:
		value, found := c.keys.Get(f.Key)
		reply := frame{Type: frameKeyValue, ID: f.ID, Key: f.Key, Value: value, Found: found}
		if err := c.write(c.ctx, reply); err != nil {
			c.logger.Warn("Failed to answer key request", "key", f.Key, "error", err)
		}
	case frameKeySet:
		c.keys.Set(f.Key, f.Value)
	case frameKeyDelete:
		c.keys.Delete(f.Key)
	case frameMessage:
		if f.Message != nil {
			c.emit(f.Message.event())
		}
	case frameSent:
		c.resolve(f)
	default:
		c.logger.Debug("Ignoring unknown bridge frame", "type", f.Type)
	}
	return false
}

func (c *conn) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	r := sendResult{messageID: f.MessageID}
	if f.Error != "" {
		r.err = errors.New(f.Error)
	}
	select {
	case ch <- r:
	default:
	}
}

func (c *conn) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
