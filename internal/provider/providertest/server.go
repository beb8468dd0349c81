// Package providertest runs a simulated OAuth2/OIDC identity provider for
// tests. It enforces PKCE and single-use authorization codes.
package providertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/devlink/pairing-broker/internal/pkce"
	"github.com/devlink/pairing-broker/internal/util"
)

const (
	ClientID     = "test-client"
	ClientSecret = "test-client-secret"
)

// Identity is the set of claims the server puts in the next ID tokens.
type Identity struct {
	Subject           string
	ObjectID          string
	Email             string
	PreferredUsername string
	Name              string
}

type grant struct {
	challenge   string
	method      string
	redirectURI string
	identity    Identity
	used        bool
}

type Server struct {
	*httptest.Server

	mu          sync.Mutex
	grants      map[string]*grant
	identity    Identity
	tokenDelay  time.Duration
	tokenStatus int
	omitIDToken bool
	signingKey  []byte
	tokenCalls  int
}

func NewServer() *Server {
	s := &Server{
		grants: make(map[string]*grant),
		identity: Identity{
			Subject:           "subject-1",
			ObjectID:          "object-1",
			PreferredUsername: "jane@example.com",
			Name:              "Jane Doe",
		},
		signingKey: []byte("providertest-signing-key"),
	}

	mux := chi.NewRouter()
	mux.Get("/authorize", s.handleAuthorize)
	mux.Post("/token", s.handleToken)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   s.URL + "/authorize",
		TokenURL:  s.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func (s *Server) SetIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// SetTokenDelay makes the token endpoint wait before answering.
func (s *Server) SetTokenDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenDelay = d
}

// FailTokens makes the token endpoint answer with status until reset with 0.
func (s *Server) FailTokens(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus = status
}

func (s *Server) OmitIDToken(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitIDToken = omit
}

func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

// IssueCode registers an authorization code bound to challenge, as if the
// user had signed in at the authorize endpoint.
func (s *Server) IssueCode(challenge, redirectURI string) string {
	code, err := util.GenerateHex(16)
	if err != nil {
		panic(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[code] = &grant{
		challenge:   challenge,
		method:      pkce.MethodS256,
		redirectURI: redirectURI,
		identity:    s.identity,
	}
	return code
}

// Authorize follows an authorization URL without a browser and returns the
// code and state the provider would send to the redirect URI.
func (s *Server) Authorize(authURL string) (code, state string, err error) {
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(authURL)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		return "", "", fmt.Errorf("authorize: unexpected status %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", "", err
	}
	q := loc.Query()
	if e := q.Get("error"); e != "" {
		return "", "", fmt.Errorf("authorize: %s", e)
	}
	return q.Get("code"), q.Get("state"), nil
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if q.Get("client_id") != ClientID || redirectURI == "" {
		http.Error(w, "invalid client", http.StatusBadRequest)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	params := target.Query()
	params.Set("state", q.Get("state"))

	challenge := q.Get("code_challenge")
	if challenge == "" || q.Get("code_challenge_method") != pkce.MethodS256 {
		params.Set("error", "invalid_request")
		params.Set("error_description", "PKCE S256 challenge required")
	} else {
		params.Set("code", s.IssueCode(challenge, redirectURI))
	}

	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenCalls++
	delay, status := s.tokenDelay, s.tokenStatus
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeTokenError(w, status, "server_error", "simulated failure")
		return
	}

	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		writeTokenError(w, http.StatusUnauthorized, "invalid_client", "")
		return
	}

	s.mu.Lock()
	g, ok := s.grants[r.PostForm.Get("code")]
	if !ok || g.used {
		s.mu.Unlock()
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or was already used")
		return
	}
	g.used = true
	omit := s.omitIDToken
	s.mu.Unlock()

	if g.redirectURI != r.PostForm.Get("redirect_uri") {
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if !pkce.Verify(r.PostForm.Get("code_verifier"), g.challenge) {
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match code_challenge")
		return
	}

	accessToken, _ := util.GenerateToken()
	body := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !omit {
		idToken, err := s.signIDToken(g.identity)
		if err != nil {
			writeTokenError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		body["id_token"] = idToken
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) signIDToken(id Identity) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.URL,
		"aud": ClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range map[string]string{
		"sub":                id.Subject,
		"oid":                id.ObjectID,
		"email":              id.Email,
		"preferred_username": id.PreferredUsername,
		"name":               id.Name,
	} {
		if v != "" {
			claims[k] = v
		}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
