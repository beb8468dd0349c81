package middleware

import (
	"net/http"

	"github.com/devlink/pairing-broker/internal/audit"
	apperrors "github.com/devlink/pairing-broker/internal/errors"
	"github.com/devlink/pairing-broker/internal/httputil"
	"github.com/devlink/pairing-broker/internal/util"
)

const APISecretHeader = "x-api-secret"

// APISecretMiddleware guards privileged endpoints with a shared secret header.
type APISecretMiddleware struct {
	secret string
}

func NewAPISecretMiddleware(secret string) *APISecretMiddleware {
	return &APISecretMiddleware{secret: secret}
}

func (m *APISecretMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.secret == "" {
			httputil.WriteError(w, apperrors.Configuration("Server misconfigured: API secret not set"))
			return
		}

		provided := r.Header.Get(APISecretHeader)
		if provided == "" {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAPISecretRejected,
				Details: map[string]interface{}{"reason": "missing", "path": logPath(r)},
			})
			writeError(w, http.StatusUnauthorized, "Missing API secret")
			return
		}

		if !util.ConstantTimeEqual(provided, m.secret) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAPISecretRejected,
				Details: map[string]interface{}{"reason": "mismatch", "path": logPath(r)},
			})
			writeError(w, http.StatusForbidden, "Invalid API secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}
