package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ashureev/salesbot/internal/auth"
	"github.com/ashureev/salesbot/internal/domain"
)

// Store applies the persistence failure policy on top of a Backend: every
// I/O or decoding failure is logged and degrades to an empty or freshly
// generated result. Store never returns errors from its data operations.
type Store struct {
	backend Backend
	sealer  *auth.Sealer
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithSealer encrypts the credential bundle at rest.
func WithSealer(s *auth.Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// WithLogger sets the logger used for degraded operations.
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) {
		if l != nil {
			st.logger = l
		}
	}
}

// New wraps backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadCredentials returns the stored bundle. A missing, corrupt or
// undecryptable bundle is replaced by a fresh one; pairing is then required
// again.
func (s *Store) LoadCredentials(ctx context.Context) domain.Credentials {
	raw, err := s.backend.Get(ctx, CollectionCreds, credentialsDocID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Info("No stored credentials, generating new ones")
		return auth.MustNewCredentials()
	}
	if err != nil {
		s.logger.Error("Failed to load credentials, generating new ones", "error", err)
		return auth.MustNewCredentials()
	}

	plain, err := s.sealer.Open(raw)
	if err != nil {
		s.logger.Error("Failed to decrypt credentials, generating new ones", "error", err)
		return auth.MustNewCredentials()
	}

	var creds domain.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		s.logger.Error("Stored credentials are corrupt, generating new ones", "error", err)
		return auth.MustNewCredentials()
	}
	return creds
}

// SaveCredentials upserts the bundle.
func (s *Store) SaveCredentials(ctx context.Context, creds domain.Credentials) {
	data, err := json.Marshal(creds)
	if err != nil {
		s.logger.Error("Failed to encode credentials", "error", err)
		return
	}
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		s.logger.Error("Failed to encrypt credentials", "error", err)
		return
	}
	if err := s.backend.Put(ctx, CollectionCreds, credentialsDocID, sealed); err != nil {
		s.logger.Error("Failed to save credentials", "error", err)
	}
}

// LoadKeys returns every stored key entry.
func (s *Store) LoadKeys(ctx context.Context) map[string][]byte {
	keys, err := s.backend.List(ctx, CollectionKeys)
	if err != nil {
		s.logger.Error("Failed to load key entries", "error", err)
		return map[string][]byte{}
	}
	return keys
}

// SetKey upserts one key entry.
func (s *Store) SetKey(ctx context.Context, name string, blob []byte) {
	if err := s.backend.Put(ctx, CollectionKeys, name, blob); err != nil {
		s.logger.Error("Failed to save key entry", "key", name, "error", err)
	}
}

// DeleteKey removes one key entry. Removing a missing entry is a no-op.
func (s *Store) DeleteKey(ctx context.Context, name string) {
	if err := s.backend.Delete(ctx, CollectionKeys, name); err != nil {
		s.logger.Error("Failed to delete key entry", "key", name, "error", err)
	}
}

// ClearAuth removes the credential bundle and every key entry.
func (s *Store) ClearAuth(ctx context.Context) {
	if err := s.backend.Clear(ctx, CollectionCreds); err != nil {
		s.logger.Error("Failed to clear credentials", "error", err)
	}
	if err := s.backend.Clear(ctx, CollectionKeys); err != nil {
		s.logger.Error("Failed to clear key entries", "error", err)
	}
	s.logger.Info("Auth data cleared")
}

// LoadSessions returns the stored session table. A corrupt table is
// discarded.
func (s *Store) LoadSessions(ctx context.Context) map[string]domain.Session {
	raw, err := s.backend.Get(ctx, CollectionSessions, sessionsDocID)
	if errors.Is(err, ErrNotFound) {
		return map[string]domain.Session{}
	}
	if err != nil {
		s.logger.Error("Failed to load sessions", "error", err)
		return map[string]domain.Session{}
	}

	sessions := map[string]domain.Session{}
	if err := json.Unmarshal(raw, &sessions); err != nil {
		s.logger.Error("Stored sessions are corrupt, starting empty", "error", err)
		return map[string]domain.Session{}
	}
	for jid, sess := range sessions {
		if sess.JID == "" {
			sess.JID = jid
			sessions[jid] = sess
		}
	}
	return sessions
}

// SaveSessions writes the whole session table, overrides included, as one
// document so a crash never leaves a partial table behind.
func (s *Store) SaveSessions(ctx context.Context, sessions map[string]domain.Session) {
	data, err := json.Marshal(sessions)
	if err != nil {
		s.logger.Error("Failed to encode sessions", "error", err)
		return
	}
	if err := s.backend.Put(ctx, CollectionSessions, sessionsDocID, data); err != nil {
		s.logger.Error("Failed to save sessions", "error", err, "count", len(sessions))
	}
}

// ClearSessions removes the session table.
func (s *Store) ClearSessions(ctx context.Context) {
	if err := s.backend.Clear(ctx, CollectionSessions); err != nil {
		s.logger.Error("Failed to clear sessions", "error", err)
	}
}

// Ping verifies backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
