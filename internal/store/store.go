// Package store provides the persistence layer for credentials, key
// entries and the session table, with interchangeable backends.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by backends when a document does not exist.
var ErrNotFound = errors.New("store: not found")

// Collection names a logical group of documents.
type Collection string

const (
	// CollectionCreds holds the single credential bundle document.
	CollectionCreds Collection = "creds"
	// CollectionKeys holds one document per key entry.
	CollectionKeys Collection = "keys"
	// CollectionSessions holds the session table as one document.
	CollectionSessions Collection = "sessions"
)

const (
	credentialsDocID = "credentials"
	sessionsDocID    = "userState"
)

// Backend is a durable key/value document store. All backends expose the
// same semantics: Put is an upsert, Get of a missing document returns
// ErrNotFound, Delete of a missing document is not an error. There is no
// transactional guarantee; the last write wins.
type Backend interface {
	// Get returns the stored value of id in c.
	Get(ctx context.Context, c Collection, id string) ([]byte, error)

	// Put creates or replaces the value of id in c.
	Put(ctx context.Context, c Collection, id string, value []byte) error

	// Delete removes id from c.
	Delete(ctx context.Context, c Collection, id string) error

	// List returns every document in c.
	List(ctx context.Context, c Collection) (map[string][]byte, error)

	// Clear removes every document in c.
	Clear(ctx context.Context, c Collection) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
