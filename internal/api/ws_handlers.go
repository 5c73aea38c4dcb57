package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ChatWebsocket handles GET /ws/{chatID}. Credential checks happen inside the
// gateway after the upgrade so refusals arrive as websocket close frames.
func (h *Handler) ChatWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || chatID <= 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	h.Gateway.HandleConnection(w, r, chatID, ExtractToken(r))
}
