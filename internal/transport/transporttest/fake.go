// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/salesbot/internal/transport"
)

const waitTimeout = 5 * time.Second

// Transport is a scripted transport.Transport. Every Connect call creates a
// Conn that the test drives with Emit and Drop.
type Transport struct {
	mu        sync.Mutex
	failures  []error
	auths     []transport.Auth
	connected chan *Conn
}

// New returns an empty Transport.
func New() *Transport {
	return &Transport{connected: make(chan *Conn, 16)}
}

// FailNext makes the next Connect call return err.
func (t *Transport) FailNext(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, err)
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, auth transport.Auth) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.auths = append(t.auths, auth)
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	c := &Conn{Auth: auth, events: make(chan transport.Event, 64)}
	t.connected <- c
	return c, nil
}

// Connects returns the number of Connect calls so far.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.auths)
}

// Auths returns the Auth passed to every Connect call.
func (t *Transport) Auths() []transport.Auth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.Auth(nil), t.auths...)
}

// NextConn waits for the next successful Connect.
func (t *Transport) NextConn(tb testing.TB) *Conn {
	tb.Helper()
	select {
	case c := <-t.connected:
		return c
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for Connect")
		return nil
	}
}

// Sent is one recorded Send call.
type Sent struct {
	ID      string
	JID     string
	Content transport.Content
}

// ErrImageRejected is returned by Send for images when RejectImages is set.
var ErrImageRejected = errors.New("transporttest: image rejected")

// Conn is an in-memory transport.Conn.
type Conn struct {
	Auth transport.Auth

	mu           sync.Mutex
	events       chan transport.Event
	sent         []Sent
	closed       bool
	rejectImages bool
	echoFirst    bool
	next         int
}

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

// RejectImages makes every image Send fail.
func (c *Conn) RejectImages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectImages = true
}

// EchoBeforeAck makes Send deliver the account's own echo of a text message
// and wait for it to be consumed before returning the message id.
func (c *Conn) EchoBeforeAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.echoFirst = true
}

// Send implements transport.Conn.
func (c *Conn) Send(_ context.Context, jid string, content transport.Content) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", transport.ErrClosed
	}
	if c.rejectImages && content.IsImage() {
		c.mu.Unlock()
		return "", ErrImageRejected
	}
	c.next++
	id := fmt.Sprintf("out-%d", c.next)
	c.sent = append(c.sent, Sent{ID: id, JID: jid, Content: content})
	echo := c.echoFirst && !content.IsImage()
	if echo {
		c.events <- transport.Message{ID: id, JID: jid, FromMe: true, Payload: transport.Conversation{Text: content.Text}}
	}
	c.mu.Unlock()

	if echo {
		deadline := time.Now().Add(waitTimeout)
		for len(c.events) > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	return id, nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// Emit delivers ev to the consumer. Events emitted after Close are dropped.
func (c *Conn) Emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// Drop emits a Closed event and ends the connection.
func (c *Conn) Drop(reason transport.CloseReason, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- transport.Closed{Reason: reason, Err: err}
	c.closed = true
	close(c.events)
}

// IsClosed reports whether the connection ended.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns every recorded send.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// WaitSent waits until at least n sends were recorded.
func (c *Conn) WaitSent(tb testing.TB, n int) []Sent {
	tb.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if s := c.Sent(); len(s) >= n {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %d sends, got %d", n, len(c.Sent()))
	return nil
}
