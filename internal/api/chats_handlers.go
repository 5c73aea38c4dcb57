package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mllbll/mini-messenger/internal/models"
	"github.com/mllbll/mini-messenger/internal/storage"
)

type createChatRequest struct {
	Name   string `json:"name,omitempty"`
	UserID int64  `json:"userId,omitempty"`
}

// Chats handles GET and POST /api/chats.
func (h *Handler) Chats(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListChatsFor(user.ID))
	case http.MethodPost:
		var req createChatRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		switch {
		case req.UserID != 0:
			chat, err := h.Store.CreateDirectChat(user.ID, req.UserID)
			if err != nil {
				if errors.Is(err, storage.ErrUserNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusCreated, chat)
		case strings.TrimSpace(req.Name) != "":
			chat, err := h.Store.CreateChat(req.Name)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := h.Store.AddChatMember(chat.ID, user.ID); err != nil {
				h.Logger.Warn("chat creator membership failed", "chatId", chat.ID, "error", err)
			}
			writeJSON(w, http.StatusCreated, chat)
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("either name or userId is required"))
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// ChatMessages handles GET /api/chats/{id}/messages.
func (h *Handler) ChatMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	chatID, ok := chatIDFromPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	chat, exists := h.Store.GetChat(chatID)
	if !exists {
		writeError(w, http.StatusNotFound, storage.ErrChatNotFound)
		return
	}
	if chat.Direct && !h.isMember(chat, user.ID) {
		// Direct transcripts stay invisible to outsiders.
		writeError(w, http.StatusNotFound, storage.ErrChatNotFound)
		return
	}
	messages, err := h.Store.ListMessages(chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) isMember(chat models.Chat, userID int64) bool {
	members, err := h.Store.ListChatMembers(chat.ID)
	if err != nil {
		return false
	}
	for _, member := range members {
		if member.UserID == userID {
			return true
		}
	}
	return false
}

// chatIDFromPath parses /api/chats/{id}/messages.
func chatIDFromPath(path string) (int64, bool) {
	rest := strings.TrimPrefix(path, "/api/chats/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "messages" {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
