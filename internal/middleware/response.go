package middleware

import (
	"net/http"

	"github.com/devlink/pairing-broker/internal/httputil"
)

// writeError answers with the {"error": message} body every middleware
// rejection uses. Errors with an application code go through
// httputil.WriteError instead.
func writeError(w http.ResponseWriter, status int, message string) {
	httputil.WriteJSON(w, status, map[string]string{"error": message})
}
