package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/ashureev/salesbot/internal/connection"
	"github.com/ashureev/salesbot/web"
)

const (
	healthCheckTimeout = 5 * time.Second
	qrSize             = 256
	wsWriteTimeout     = 10 * time.Second
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string            `json:"status"`
	State             string            `json:"state"`
	Timestamp         time.Time         `json:"timestamp"`
	ReconnectAttempts int               `json:"reconnectAttempts"`
	Fatal             bool              `json:"fatal,omitempty"`
	Checks            map[string]string `json:"checks"`
}

// Health reports "ready" once the chat connection is open. A failing store
// turns the response into 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	st := h.conn.Status()
	resp := HealthResponse{
		Status:            "initializing",
		State:             st.Name,
		Timestamp:         h.now().UTC(),
		ReconnectAttempts: st.Attempts,
		Fatal:             st.Fatal,
		Checks:            map[string]string{"api": "ok", "connection": st.Name},
	}
	if st.State == connection.Connected {
		resp.Status = "ready"
	}

	code := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		resp.Status = "degraded"
		resp.Checks["store"] = "unreachable"
		code = http.StatusServiceUnavailable
	} else {
		resp.Checks["store"] = "ok"
	}

	JSON(w, code, resp)
}

// StatusPage renders the human readable status page with the pairing code
// while a scan is pending.
func (h *Handler) StatusPage(w http.ResponseWriter, _ *http.Request) {
	st := h.conn.Status()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err := web.RenderStatus(w, web.StatusView{
		State:     st.Name,
		Connected: st.State == connection.Connected,
		QR:        st.State == connection.AwaitingScan && st.QR != "",
		Fatal:     st.Fatal,
		Me:        st.Me,
		Attempts:  st.Attempts,
		Since:     st.Since,
	})
	if err != nil {
		h.logger.Error("Failed to render status page", "error", err)
	}
}

// QR serves the pending pairing code as a PNG.
func (h *Handler) QR(w http.ResponseWriter, _ *http.Request) {
	st := h.conn.Status()
	if st.QR == "" {
		Error(w, http.StatusNotFound, "no_pairing_code")
		return
	}
	png, err := qrcode.Encode(st.QR, qrcode.Medium, qrSize)
	if err != nil {
		h.logger.Error("Failed to render pairing code", "error", err)
		Error(w, http.StatusInternalServerError, "qr_render_failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		h.logger.Debug("Failed to write pairing code", "error", err)
	}
}

// StatusStream pushes the connection status over a websocket: the current
// snapshot first, then every change.
func (h *Handler) StatusStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bye"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	updates, unsubscribe := h.conn.Subscribe()
	defer unsubscribe()

	// The client never sends; CloseRead cancels ctx when it goes away.
	ctx := ws.CloseRead(r.Context())

	if err := h.push(ctx, ws, h.conn.Status()); err != nil {
		return
	}
	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := h.push(ctx, ws, st); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) push(ctx context.Context, ws *websocket.Conn, st connection.Status) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, st); err != nil {
		h.logger.Debug("Status push failed", "error", err)
		return err
	}
	return nil
}
