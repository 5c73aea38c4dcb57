package server

import (
	"fmt"
	"net/http"

	"github.com/mllbll/mini-messenger/internal/api"
)

// writeMiddlewareError normalises middleware error responses to the API JSON
// shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, fmt.Errorf("%s", message))
}
