package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlink/pairing-broker/internal/database"
	"github.com/devlink/pairing-broker/internal/middleware"
	"github.com/devlink/pairing-broker/internal/model"
	"github.com/devlink/pairing-broker/internal/provider"
	"github.com/devlink/pairing-broker/internal/provider/providertest"
	"github.com/devlink/pairing-broker/internal/repository"
	"github.com/devlink/pairing-broker/internal/service"
	"github.com/devlink/pairing-broker/internal/session"
)

const (
	testAPISecret     = "test-api-secret-0123456789"
	testSessionSecret = "test-session-secret-0123456789abcdef"
	testVersion       = "1.2.3"
)

type testEnv struct {
	srv    *httptest.Server
	client *http.Client
	db     *database.DB
	codes  repository.PairingCodeRepository
	idp    *providertest.Server
}

type envOption func(*RouterDeps)

func withRateLimit(n int) envOption {
	return func(d *RouterDeps) { d.RateLimit = n }
}

// setupEnv wires the full router on in-memory sqlite. A nil idp uses the
// simulated provider server.
func setupEnv(t *testing.T, idp provider.IdentityProvider, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.Connect(ctx, "sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(ctx, db))

	env := &testEnv{db: db}

	var router http.Handler
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(env.srv.Close)

	if idp == nil {
		env.idp = providertest.NewServer()
		t.Cleanup(env.idp.Close)
		idp = provider.NewOAuth2Provider(providertest.ClientID, providertest.ClientSecret, env.idp.Endpoint(), 2*time.Second)
	}

	env.codes = repository.NewPairingCodeRepository(db)
	pairing := service.NewPairingService(env.codes, repository.NewUserRepository(db), db, idp, service.PairingOptions{
		AuthURLBase: env.srv.URL + "/auth/microsoft",
		RedirectURI: env.srv.URL + "/auth/microsoft/callback",
		Scopes:      []string{"openid", "profile", "email", "User.Read"},
	})

	sessions, err := session.NewManager(session.NewMemoryStore(), testSessionSecret, 30*time.Minute, false)
	require.NoError(t, err)
	pages, err := NewPages(testVersion)
	require.NoError(t, err)

	deps := RouterDeps{
		Pairing:     pairing,
		Sessions:    sessions,
		Pages:       pages,
		DB:          db,
		RateLimiter: middleware.NewMemoryRateLimiter(),
		RateLimit:   1000,
		APISecret:   testAPISecret,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	router = NewRouter(deps)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	env.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func apiHeader() http.Header {
	return http.Header{http.CanonicalHeaderKey(middleware.APISecretHeader): {testAPISecret}}
}

func (e *testEnv) generate(t *testing.T) service.GenerateResult {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/auth/generate-code", apiHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var gen service.GenerateResult
	require.NoError(t, json.Unmarshal([]byte(body), &gen))
	return gen
}

// start opens the auth URL for code and returns the provider redirect location.
func (e *testEnv) start(t *testing.T, code string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodGet, "/auth/microsoft?code="+url.QueryEscape(code), nil)
	require.Equal(t, http.StatusFound, resp.StatusCode, body)
	return resp.Header.Get("Location")
}

func (e *testEnv) callback(t *testing.T, params url.Values) (*http.Response, string) {
	t.Helper()
	return e.do(t, http.MethodGet, "/auth/microsoft/callback?"+params.Encode(), nil)
}

func (e *testEnv) check(t *testing.T, code string) (int, map[string]any) {
	t.Helper()
	resp, body := e.do(t, http.MethodGet, "/auth/check/"+code, apiHeader())
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &got), body)
	return resp.StatusCode, got
}

func (e *testEnv) status(t *testing.T, code string) model.PairingStatus {
	t.Helper()
	pc, err := e.codes.FindByCode(context.Background(), code)
	require.NoError(t, err)
	require.NotNil(t, pc)
	return pc.Status
}

func TestPairingFlow_EndToEnd(t *testing.T) {
	env := setupEnv(t, nil)

	gen := env.generate(t)
	assert.Len(t, gen.Code, 32)
	assert.Equal(t, env.srv.URL+"/auth/microsoft?code="+gen.Code, gen.AuthURL)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), gen.ExpiresAt, 5*time.Second)

	status, got := env.check(t, gen.Code)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, got["authenticated"])
	assert.Equal(t, "pending", got["status"])
	assert.Equal(t, "Waiting for user authentication", got["message"])

	location := env.start(t, gen.Code)
	assert.True(t, strings.HasPrefix(location, env.idp.URL+"/authorize"), location)
	authURL, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "S256", authURL.Query().Get("code_challenge_method"))
	assert.Equal(t, env.srv.URL+"/auth/microsoft/callback", authURL.Query().Get("redirect_uri"))

	authzCode, state, err := env.idp.Authorize(location)
	require.NoError(t, err)

	resp, body := env.callback(t, url.Values{"code": {authzCode}, "state": {state}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Authentication successful")
	assert.Contains(t, body, "Jane Doe")
	assert.Contains(t, body, "jane@example.com")
	assert.Contains(t, body, "v"+testVersion)

	status, first := env.check(t, gen.Code)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, first["authenticated"])
	assert.Equal(t, "authenticated", first["status"])
	assert.NotEmpty(t, first["authenticatedAt"])
	user, ok := first["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object-1", user["externalId"])
	assert.Equal(t, "jane@example.com", user["email"])
	assert.Equal(t, "Jane Doe", user["name"])

	_, second := env.check(t, gen.Code)
	assert.Equal(t, first, second)

	resp, body = env.do(t, http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var me map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &me))
	assert.Equal(t, user["id"], me["id"])

	t.Run("replaying the callback is rejected", func(t *testing.T) {
		resp, body := env.callback(t, url.Values{"code": {authzCode}, "state": {state}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body, "Session expired")
	})

	t.Run("starting an authenticated code", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/auth/microsoft?code="+gen.Code, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body, "Code already used")
	})
}

func TestGenerateCode_RequiresAPISecret(t *testing.T) {
	env := setupEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/auth/generate-code", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "Missing API secret")

	resp, body = env.do(t, http.MethodPost, "/auth/generate-code", http.Header{"X-Api-Secret": {"wrong"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, "Invalid API secret")
}

func TestStartAuth_Errors(t *testing.T) {
	env := setupEnv(t, nil)

	t.Run("missing code", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/auth/microsoft", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body, "Missing parameter")
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	})

	t.Run("unknown code", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/auth/microsoft?code=deadbeef", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Contains(t, body, "Invalid code")
	})

	t.Run("expired code", func(t *testing.T) {
		past := time.Now().UTC().Add(-10 * time.Minute)
		pc, err := env.codes.Create(context.Background(), model.CreatePairingCodeParams{
			ID:        uuid.NewString(),
			Code:      "0123456789abcdef0123456789abcdef",
			AuthURL:   env.srv.URL + "/auth/microsoft?code=0123456789abcdef0123456789abcdef",
			ExpiresAt: past.Add(5 * time.Minute),
			CreatedAt: past,
		})
		require.NoError(t, err)

		resp, body := env.do(t, http.MethodGet, "/auth/microsoft?code="+pc.Code, nil)
		assert.Equal(t, http.StatusGone, resp.StatusCode)
		assert.Contains(t, body, "Code expired")
		assert.Equal(t, model.PairingStatusExpired, env.status(t, pc.Code))

		status, got := env.check(t, pc.Code)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "expired", got["status"])
		assert.Equal(t, "Code expired", got["error"])
	})
}

func TestStartAuth_RestartKeepsAuthorizationValid(t *testing.T) {
	env := setupEnv(t, nil)
	gen := env.generate(t)

	first := env.start(t, gen.Code)
	second := env.start(t, gen.Code)

	firstURL, err := url.Parse(first)
	require.NoError(t, err)
	secondURL, err := url.Parse(second)
	require.NoError(t, err)
	assert.Equal(t, firstURL.Query().Get("code_challenge"), secondURL.Query().Get("code_challenge"))
	assert.Equal(t, firstURL.Query().Get("state"), secondURL.Query().Get("state"))

	// The first tab completes.
	authzCode, state, err := env.idp.Authorize(first)
	require.NoError(t, err)
	resp, body := env.callback(t, url.Values{"code": {authzCode}, "state": {state}})
	assert.Equal(t, http.StatusOK, resp.StatusCode, body)
}

func TestCallback_Errors(t *testing.T) {
	t.Run("provider error leaves the code pending", func(t *testing.T) {
		env := setupEnv(t, nil)
		gen := env.generate(t)
		location := env.start(t, gen.Code)
		loc, err := url.Parse(location)
		require.NoError(t, err)

		resp, body := env.callback(t, url.Values{
			"error":             {"access_denied"},
			"error_description": {"The user declined consent"},
			"state":             {loc.Query().Get("state")},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body, "Provider error")
		assert.Contains(t, body, "The user declined consent")
		assert.Equal(t, model.PairingStatusPending, env.status(t, gen.Code))

		// The session binding survives, so the user can retry.
		authzCode, state, err := env.idp.Authorize(env.start(t, gen.Code))
		require.NoError(t, err)
		resp, body = env.callback(t, url.Values{"code": {authzCode}, "state": {state}})
		assert.Equal(t, http.StatusOK, resp.StatusCode, body)
	})

	t.Run("missing authorization code", func(t *testing.T) {
		env := setupEnv(t, nil)
		resp, body := env.callback(t, url.Values{"state": {"x"}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body, "Missing code")
	})

	t.Run("no session", func(t *testing.T) {
		env := setupEnv(t, nil)
		resp, body := env.callback(t, url.Values{"code": {"abc"}, "state": {"x"}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body, "Session expired")
	})

	t.Run("state mismatch", func(t *testing.T) {
		env := setupEnv(t, nil)
		gen := env.generate(t)
		authzCode, _, err := env.idp.Authorize(env.start(t, gen.Code))
		require.NoError(t, err)

		resp, body := env.callback(t, url.Values{"code": {authzCode}, "state": {"forged"}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body, "Security check failed")
		assert.Equal(t, model.PairingStatusPending, env.status(t, gen.Code))
	})

	t.Run("token endpoint failure", func(t *testing.T) {
		env := setupEnv(t, nil)
		gen := env.generate(t)
		authzCode, state, err := env.idp.Authorize(env.start(t, gen.Code))
		require.NoError(t, err)
		env.idp.FailTokens(http.StatusInternalServerError)

		resp, body := env.callback(t, url.Values{"code": {authzCode}, "state": {state}})
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Contains(t, body, "Processing error")
		assert.Equal(t, model.PairingStatusPending, env.status(t, gen.Code))
	})
}

func TestCheckStatus_Errors(t *testing.T) {
	env := setupEnv(t, nil)

	for _, path := range []string{"/auth/check", "/auth/check/"} {
		t.Run("missing code "+path, func(t *testing.T) {
			resp, body := env.do(t, http.MethodGet, path, apiHeader())
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.JSONEq(t, `{"authenticated":false,"error":"Code parameter is required"}`, body)
		})
	}

	t.Run("unknown code", func(t *testing.T) {
		status, got := env.check(t, "deadbeef")
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, map[string]any{"authenticated": false, "error": "Code not found"}, got)
	})

	t.Run("requires API secret", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/auth/check/deadbeef", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestMe_RequiresSession(t *testing.T) {
	env := setupEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "Not authenticated")
}

func TestMe_DeletedUserDestroysSession(t *testing.T) {
	env := setupEnv(t, nil)
	gen := env.generate(t)
	authzCode, state, err := env.idp.Authorize(env.start(t, gen.Code))
	require.NoError(t, err)
	resp, _ := env.callback(t, url.Values{"code": {authzCode}, "state": {state}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = env.db.ExecContext(context.Background(), `UPDATE pairing_codes SET user_id = NULL, status = 'expired'`)
	require.NoError(t, err)
	_, err = env.db.ExecContext(context.Background(), `DELETE FROM users`)
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Not authenticated"}`, body)

	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "session cookie should be expired")

	resp, _ = env.do(t, http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimit_StartRoute(t *testing.T) {
	env := setupEnv(t, nil, withRateLimit(2))

	for i := 0; i < 2; i++ {
		resp, _ := env.do(t, http.MethodGet, "/auth/microsoft", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodGet, "/auth/microsoft", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, body, "Too many requests")
	assert.Contains(t, body, `"code":"RATE_LIMIT_EXCEEDED"`)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Other scopes keep their own budget.
	resp, _ = env.do(t, http.MethodPost, "/auth/generate-code", apiHeader())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublicPages(t *testing.T) {
	env := setupEnv(t, nil)

	t.Run("terms", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/cgu", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "Terms of use")
		assert.Contains(t, body, "/static/logo.svg")
		assert.Contains(t, body, "v"+testVersion)
		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	})

	t.Run("not found", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Contains(t, body, "Page not found")
	})

	t.Run("static assets", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/static/style.css", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/css")
		assert.Contains(t, body, ".card")

		resp, _ = env.do(t, http.MethodGet, "/static/logo.svg", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("health", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var got map[string]string
		require.NoError(t, json.Unmarshal([]byte(body), &got))
		assert.Equal(t, "ok", got["status"])
		assert.NotEmpty(t, got["timestamp"])
	})
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthHandler_DatabaseDown(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(failingPinger{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"error"`)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
