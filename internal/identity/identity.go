// Package identity provides contact identifier (JID) primitives and the
// request identity of operators using the HTTP API.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// UserServer is the server part of one-to-one chat identifiers.
	UserServer = "s.whatsapp.net"
	// GroupServer is the server part of group chat identifiers.
	GroupServer = "g.us"
	// StatusBroadcast is the identifier of the status broadcast feed.
	StatusBroadcast = "status@broadcast"
)

var jidUserPattern = regexp.MustCompile(`^[A-Za-z0-9._+-]{1,64}$`)

// Normalize converts a raw identifier into canonical form: a bare phone
// number gets the user server appended, a leading '+' and any device suffix
// (":N") are dropped and the result is lower-cased. Invalid input yields "".
func Normalize(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}

	user, server, found := strings.Cut(raw, "@")
	if !found {
		server = UserServer
	}
	user = strings.TrimPrefix(user, "+")
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if !jidUserPattern.MatchString(user) || server == "" {
		return ""
	}
	return user + "@" + server
}

// IsUserChat reports whether jid addresses a one-to-one chat. Group chats
// and the status broadcast feed are excluded.
func IsUserChat(jid string) bool {
	if jid == "" || jid == StatusBroadcast {
		return false
	}
	return !strings.HasSuffix(jid, "@"+GroupServer) && !strings.HasSuffix(jid, "@broadcast")
}

// Blocklist is a static set of identifiers that never receive automated
// replies.
type Blocklist struct {
	jids map[string]struct{}
}

// NewBlocklist builds a Blocklist from raw identifiers. Invalid entries are
// ignored.
func NewBlocklist(raw ...string) *Blocklist {
	b := &Blocklist{jids: make(map[string]struct{}, len(raw))}
	for _, r := range raw {
		if jid := Normalize(r); jid != "" {
			b.jids[jid] = struct{}{}
		}
	}
	return b
}

// ParseBlocklist builds a Blocklist from a comma separated list.
func ParseBlocklist(csv string) *Blocklist {
	return NewBlocklist(strings.Split(csv, ",")...)
}

// Contains reports whether jid is blocked.
func (b *Blocklist) Contains(jid string) bool {
	if b == nil {
		return false
	}
	_, ok := b.jids[Normalize(jid)]
	return ok
}

// Len returns the number of blocked identifiers.
func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.jids)
}

type contextKey int

const operatorKey contextKey = iota

// WithOperator marks ctx as carrying an authenticated operator request.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operatorKey, name)
}

// OperatorFromContext returns the operator name set by WithOperator.
func OperatorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(operatorKey).(string); ok {
		return v
	}
	return ""
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
