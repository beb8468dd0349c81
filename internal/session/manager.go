package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devlink/pairing-broker/internal/util"
)

const CookieName = "pairing_session"

const keyPurpose = "pairing-broker session store"

// Session is one browser session. The zero token means it has not been saved.
type Session struct {
	Data
	token string
}

func (s *Session) IsNew() bool {
	return s.token == ""
}

// Manager issues the session cookie and maps its token to a store key. The
// cookie value is a random token; the store only ever sees HMAC(key, token).
type Manager struct {
	store  Store
	key    string
	ttl    time.Duration
	secure bool
}

func NewManager(store Store, secret string, ttl time.Duration, secure bool) (*Manager, error) {
	key, err := util.DeriveKey(secret, keyPurpose, 32)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:  store,
		key:    string(key),
		ttl:    ttl,
		secure: secure,
	}, nil
}

func (m *Manager) storeKey(token string) string {
	return util.HmacSHA256(m.key, token)
}

// Load returns the session referenced by the request cookie, or a new empty
// session when there is no cookie or the stored session is gone.
func (m *Manager) Load(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return &Session{}, nil
	}

	data, err := m.store.Get(r.Context(), m.storeKey(cookie.Value))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if data == nil {
		return &Session{}, nil
	}
	return &Session{Data: *data, token: cookie.Value}, nil
}

// Save persists the session and (re)sets the cookie, issuing a token on first save.
func (m *Manager) Save(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess.IsNew() {
		token, err := util.GenerateToken()
		if err != nil {
			return fmt.Errorf("generate session token: %w", err)
		}
		sess.token = token
	}

	if err := m.store.Save(ctx, m.storeKey(sess.token), sess.Data, m.ttl); err != nil {
		return err
	}
	m.setCookie(w, sess.token, int(m.ttl.Seconds()))
	return nil
}

// Renew moves the session data under a fresh token and drops the old one.
func (m *Manager) Renew(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if !sess.IsNew() {
		if err := m.store.Delete(ctx, m.storeKey(sess.token)); err != nil {
			return err
		}
		sess.token = ""
	}
	return m.Save(ctx, w, sess)
}

func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if !sess.IsNew() {
		if err := m.store.Delete(ctx, m.storeKey(sess.token)); err != nil {
			return err
		}
		sess.token = ""
	}
	sess.Data = Data{}
	m.setCookie(w, "", -1)
	return nil
}

func (m *Manager) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
