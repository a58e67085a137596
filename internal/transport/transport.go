// Package transport defines the boundary to the messaging protocol: a
// connection emits typed events and accepts send requests. The protocol
// itself (pairing, encryption, framing) lives behind the Transport
// implementation.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/salesbot/internal/domain"
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned when using a connection after Close.
	ErrClosed = errors.New("transport: connection closed")
)

// CloseReason classifies why a connection closed.
type CloseReason string

const (
	CloseLoggedOut          CloseReason = "loggedOut"
	CloseConnectionLost     CloseReason = "connectionLost"
	CloseConnectionReplaced CloseReason = "connectionReplaced"
	CloseTimedOut           CloseReason = "timedOut"
	CloseRestartRequired    CloseReason = "restartRequired"
	CloseUnknown            CloseReason = "unknown"
)

// Event is one of QR, Opened, Closed, CredsUpdated or Message.
type Event interface {
	isEvent()
}

// QR carries a pairing code to be scanned by the phone. It rotates until
// scanned.
type QR struct {
	Code string
}

// Opened reports a fully established session.
type Opened struct {
	Me string
}

// Closed reports the end of a connection. No events follow it.
type Closed struct {
	Reason CloseReason
	Err    error
}

// CredsUpdated carries a new credential bundle that must be persisted.
type CredsUpdated struct {
	Creds domain.Credentials
}

// Message is an inbound or echoed outbound chat message.
type Message struct {
	ID        string
	JID       string
	FromMe    bool
	Payload   Payload
	Timestamp time.Time
}

func (QR) isEvent()           {}
func (Opened) isEvent()       {}
func (Closed) isEvent()       {}
func (CredsUpdated) isEvent() {}
func (Message) isEvent()      {}

// Content is an outbound message: text, or an image with optional caption.
type Content struct {
	Text     string
	Image    []byte
	Caption  string
	MimeType string
}

// Text returns text-only content.
func Text(s string) Content {
	return Content{Text: s}
}

// IsImage reports whether c carries an image.
func (c Content) IsImage() bool {
	return len(c.Image) > 0
}

// KeyStore serves the protocol's signal key material. Implementations must
// be safe for concurrent use.
type KeyStore interface {
	Get(name string) ([]byte, bool)
	Set(name string, value []byte)
	Delete(name string)
}

// Auth is the state needed to open a connection.
type Auth struct {
	Creds domain.Credentials
	Keys  KeyStore
}

// Transport opens connections.
type Transport interface {
	Connect(ctx context.Context, auth Auth) (Conn, error)
}

// Conn is one open connection. Events is closed after the Closed event.
type Conn interface {
	Events() <-chan Event
	Send(ctx context.Context, jid string, content Content) (string, error)
	Close() error
}
