package dialogue

import (
	"context"
	"sync"

	"github.com/ashureev/salesbot/internal/domain"
)

// SessionStore persists the whole session table.
type SessionStore interface {
	LoadSessions(ctx context.Context) map[string]domain.Session
	SaveSessions(ctx context.Context, sessions map[string]domain.Session)
}

// registry is the in-memory session table. Values are cloned on the way in
// and out so no two goroutines share answer maps.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]domain.Session)}
}

func (r *registry) Get(jid string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[jid]
	if !ok {
		return domain.Session{}, false
	}
	return s.Clone(), true
}

func (r *registry) Put(s domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.JID] = s.Clone()
}

func (r *registry) Delete(jid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[jid]
	delete(r.sessions, jid)
	return ok
}

func (r *registry) Replace(all map[string]domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]domain.Session, len(all))
	for jid, s := range all {
		r.sessions[jid] = s.Clone()
	}
}

func (r *registry) Snapshot() map[string]domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Session, len(r.sessions))
	for jid, s := range r.sessions {
		out[jid] = s.Clone()
	}
	return out
}

func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// saver writes registry snapshots one at a time. The snapshot is taken
// under the same lock as the write, so a later save never persists an
// older table than an earlier one.
type saver struct {
	mu    sync.Mutex
	reg   *registry
	store SessionStore
}

func (s *saver) Save(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.SaveSessions(ctx, s.reg.Snapshot())
}
