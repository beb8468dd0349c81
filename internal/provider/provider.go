// Package provider adapts the external OAuth2/OIDC identity provider: it builds
// the authorization URL and exchanges an authorization code plus PKCE verifier
// for tokens and identity claims.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrProviderError reports a token endpoint failure: non-200 answer,
	// transport error or timeout.
	ErrProviderError = errors.New("identity provider error")
	// ErrMissingIDToken reports a token response without an id_token.
	ErrMissingIDToken = errors.New("token response has no id_token")
)

type IdentityProvider interface {
	AuthorizationURL(req AuthorizationRequest) (string, error)
	Exchange(ctx context.Context, req ExchangeRequest) (*TokenResult, error)
}

type AuthorizationRequest struct {
	Scopes        []string
	RedirectURI   string
	CodeChallenge string
	Method        string
	State         string
}

type ExchangeRequest struct {
	Code         string
	Scopes       []string
	RedirectURI  string
	CodeVerifier string
}

type TokenResult struct {
	AccessToken string
	IDToken     string
	Claims      Claims
}

// Claims are the identity claims read from the ID token.
type Claims struct {
	Subject           string
	ObjectID          string
	Email             string
	PreferredUsername string
	Name              string
}

// ExternalID is the stable user identifier: the directory object id when the
// provider issues one, the subject otherwise.
func (c Claims) ExternalID() string {
	if c.ObjectID != "" {
		return c.ObjectID
	}
	return c.Subject
}

func (c Claims) EmailAddress() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.Email
}
