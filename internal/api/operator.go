package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/salesbot/internal/dialogue"
	"github.com/ashureev/salesbot/internal/identity"
)

// CommandResponse acknowledges an operator command.
type CommandResponse struct {
	JID     string               `json:"jid"`
	Command dialogue.CommandKind `json:"command"`
}

// GetSession returns the stored session of a contact.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.jidParam(w, r)
	if !ok {
		return
	}
	sess, found := h.sessions.Session(jid)
	if !found {
		Error(w, http.StatusNotFound, "session_not_found")
		return
	}
	JSON(w, http.StatusOK, sess)
}

// Override hands a chat to the operator.
func (h *Handler) Override(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, dialogue.CommandOverride)
}

// Reset forgets a chat so the next message starts over.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, dialogue.CommandReset)
}

// Reconnect restarts the chat connection.
func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if !h.conn.Reconnect() {
		Error(w, http.StatusConflict, "connection_busy")
		return
	}
	h.logger.Info("Reconnect requested", "operator", identity.OperatorFromContext(r.Context()))
	JSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request, kind dialogue.CommandKind) {
	jid, ok := h.jidParam(w, r)
	if !ok {
		return
	}

	err := h.sessions.Execute(r.Context(), dialogue.Command{Kind: kind, JID: jid})
	switch {
	case err == nil:
	case errors.Is(err, dialogue.ErrUnknownCommand):
		Error(w, http.StatusBadRequest, "unknown_command")
		return
	default:
		h.logger.Error("Operator command failed", "jid", jid, "kind", kind, "error", err)
		Error(w, http.StatusServiceUnavailable, "command_failed")
		return
	}

	h.logger.Info("Operator command applied", "jid", jid, "kind", kind, "operator", identity.OperatorFromContext(r.Context()))
	JSON(w, http.StatusOK, CommandResponse{JID: jid, Command: kind})
}

func (h *Handler) jidParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jid := identity.Normalize(chi.URLParam(r, "jid"))
	if jid == "" || !identity.IsUserChat(jid) {
		Error(w, http.StatusBadRequest, "invalid_jid")
		return "", false
	}
	return jid, true
}
