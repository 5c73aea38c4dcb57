package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mllbll/mini-messenger/internal/storage"
)

type registerRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

// Register handles POST /api/users/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := h.Store.CreateUser(storage.CreateUserParams{Handle: req.Handle, Password: req.Password})
	if err != nil {
		if errors.Is(err, storage.ErrHandleTaken) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.Logger.Info("user registered", "userId", user.ID, "handle", user.Handle)
	writeJSON(w, http.StatusCreated, sanitizeUser(user))
}

type loginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"tokenType"`
	ExpiresIn int64  `json:"expiresIn"`
}

// Login handles POST /api/users/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := h.Store.AuthenticateUser(req.Handle, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, err := h.Tokens.Issue(user.ID)
	if err != nil {
		h.Logger.Error("token issue failed", "userId", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("could not issue token"))
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(h.Tokens.TTL().Seconds()),
	})
}

// Users handles GET /api/users.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, sanitizeUsers(h.Store.ListUsers()))
}

// Me handles GET /api/users/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sanitizeUser(user))
}

// SearchUsers handles GET /api/users/search/{fragment}.
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	fragment := strings.TrimPrefix(r.URL.Path, "/api/users/search/")
	fragment = strings.Trim(fragment, "/")
	if fragment == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("search fragment is required"))
		return
	}
	writeJSON(w, http.StatusOK, sanitizeUsers(h.Store.SearchUsers(fragment)))
}
