package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/devlink/pairing-broker/internal/util"
)

// logPath is the request path as it may appear in logs: the matched route
// pattern when routing has happened, otherwise the raw path with any
// pairing-code segment masked.
func logPath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && pattern != "/*" {
			return pattern
		}
	}

	segments := strings.Split(r.URL.Path, "/")
	for i, seg := range segments {
		if util.IsPairingCode(seg) {
			segments[i] = util.MaskCode(seg)
		}
	}
	return strings.Join(segments, "/")
}
