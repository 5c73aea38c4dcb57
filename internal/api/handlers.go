// Package api implements the synchronous JSON surface of the messenger and
// the websocket entry point.
package api

import (
	"log/slog"
	"net/http"

	"github.com/mllbll/mini-messenger/internal/auth"
	"github.com/mllbll/mini-messenger/internal/chat"
	"github.com/mllbll/mini-messenger/internal/models"
	"github.com/mllbll/mini-messenger/internal/storage"
)

type Handler struct {
	Store   storage.Repository
	Tokens  *auth.TokenManager
	Gateway *chat.Gateway
	Logger  *slog.Logger
}

func NewHandler(store storage.Repository, tokens *auth.TokenManager, gateway *chat.Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Tokens: tokens, Gateway: gateway, Logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		h.Logger.Error("store ping failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// sanitizeUser strips credentials before a user record leaves the API.
func sanitizeUser(user models.User) models.User {
	user.PasswordHash = ""
	return user
}

func sanitizeUsers(users []models.User) []models.User {
	out := make([]models.User, len(users))
	for i, user := range users {
		out[i] = sanitizeUser(user)
	}
	return out
}
