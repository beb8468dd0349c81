package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/devlink/pairing-broker/internal/session"
)

type contextKey string

const UserIDContextKey contextKey = "userID"

func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDContextKey).(string); ok {
		return id
	}
	return ""
}

// SessionAuthMiddleware admits requests whose session carries an
// authenticated user id.
type SessionAuthMiddleware struct {
	sessions *session.Manager
}

func NewSessionAuthMiddleware(sessions *session.Manager) *SessionAuthMiddleware {
	return &SessionAuthMiddleware{sessions: sessions}
}

func (m *SessionAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.sessions.Load(r)
		if err != nil {
			log.Error().Err(err).Msg("session auth middleware: session store error")
			writeError(w, http.StatusInternalServerError, "Session validation failed")
			return
		}

		if sess.UserID == "" {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		ctx := context.WithValue(r.Context(), UserIDContextKey, sess.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
