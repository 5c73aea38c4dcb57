package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mllbll/mini-messenger/internal/storage"
)

type postMessageRequest struct {
	ChatID int64  `json:"chatId"`
	Text   string `json:"text"`
	To     string `json:"to,omitempty"`
}

// Messages handles POST /api/messages. The stored record is returned to the
// caller synchronously; the author's own live sessions are excluded from the
// fan-out since this response already carries the message.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ChatID <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("chatId is required"))
		return
	}
	msg, err := h.Gateway.Ingest(r.Context(), req.ChatID, user.ID, req.To, req.Text, true)
	if err != nil {
		if errors.Is(err, storage.ErrChatNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
