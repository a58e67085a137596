// Package middleware provides HTTP middleware for the operator API.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/salesbot/internal/identity"
)

// OperatorName is recorded in the request context for authenticated calls.
const OperatorName = "operator"

// OperatorAuth returns middleware that requires "Authorization: Bearer
// <token>". An empty token rejects every request.
func OperatorAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r)
			if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				slog.Warn("Rejected operator request", "path", r.URL.Path, "ip", identity.IPFromRequest(r))
				w.Header().Set("WWW-Authenticate", `Bearer realm="operator"`)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithOperator(r.Context(), OperatorName)))
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
