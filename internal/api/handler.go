// Package api provides the HTTP status page, health and operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/salesbot/internal/connection"
	"github.com/ashureev/salesbot/internal/dialogue"
	"github.com/ashureev/salesbot/internal/domain"
	"github.com/ashureev/salesbot/internal/metrics"
	"github.com/ashureev/salesbot/internal/middleware"
)

// Connection is the view of the connection manager used by the handlers.
type Connection interface {
	Status() connection.Status
	Subscribe() (<-chan connection.Status, func())
	Reconnect() bool
}

// Sessions is the view of the dialogue engine used by the handlers.
type Sessions interface {
	Session(jid string) (domain.Session, bool)
	Execute(ctx context.Context, cmd dialogue.Command) error
}

// Pinger checks that persistence is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves every HTTP route of the bot.
type Handler struct {
	conn          Connection
	sessions      Sessions
	store         Pinger
	metrics       *metrics.Metrics
	operatorToken string
	now           func() time.Time
	logger        *slog.Logger
}

// NewHandler creates a Handler. An empty operatorToken leaves the operator
// API unmounted.
func NewHandler(conn Connection, sessions Sessions, store Pinger, m *metrics.Metrics, operatorToken string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		conn:          conn,
		sessions:      sessions,
		store:         store,
		metrics:       m,
		operatorToken: operatorToken,
		now:           time.Now,
		logger:        logger,
	}
}

// RegisterRoutes mounts all routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.StatusPage)
	r.Get("/health", h.Health)
	r.Get("/qr.png", h.QR)
	r.Get("/ws/status", h.StatusStream)
	r.Handle("/metrics", h.metrics.Handler())

	if h.operatorToken == "" {
		h.logger.Info("Operator API disabled, OPERATOR_TOKEN not set")
		return
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.OperatorAuth(h.operatorToken))
		r.Get("/sessions/{jid}", h.GetSession)
		r.Post("/sessions/{jid}/override", h.Override)
		r.Post("/sessions/{jid}/reset", h.Reset)
		r.Post("/connection/reconnect", h.Reconnect)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
