package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/devlink/pairing-broker/internal/pkce"
)

type OAuth2Provider struct {
	clientID     string
	clientSecret string
	endpoint     oauth2.Endpoint
	httpClient   *http.Client
	parser       *jwt.Parser
}

func NewOAuth2Provider(clientID, clientSecret string, endpoint oauth2.Endpoint, timeout time.Duration) *OAuth2Provider {
	return &OAuth2Provider{
		clientID:     clientID,
		clientSecret: clientSecret,
		endpoint:     endpoint,
		httpClient:   &http.Client{Timeout: timeout},
		parser:       jwt.NewParser(),
	}
}

func (p *OAuth2Provider) config(redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint:     p.endpoint,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
	}
}

func (p *OAuth2Provider) AuthorizationURL(req AuthorizationRequest) (string, error) {
	if req.CodeChallenge == "" {
		return "", fmt.Errorf("authorization url: empty code challenge")
	}
	method := req.Method
	if method == "" {
		method = pkce.MethodS256
	}

	return p.config(req.RedirectURI, req.Scopes).AuthCodeURL(req.State,
		oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", method),
		oauth2.SetAuthURLParam("response_mode", "query"),
	), nil
}

func (p *OAuth2Provider) Exchange(ctx context.Context, req ExchangeRequest) (*TokenResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.config(req.RedirectURI, req.Scopes).Exchange(ctx, req.Code,
		oauth2.VerifierOption(req.CodeVerifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrProviderError, retrieveErr.ErrorCode, retrieveErr.ErrorDescription)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, ErrMissingIDToken
	}

	claims, err := p.parseIDToken(rawIDToken)
	if err != nil {
		return nil, err
	}

	return &TokenResult{
		AccessToken: tok.AccessToken,
		IDToken:     rawIDToken,
		Claims:      claims,
	}, nil
}

type idTokenClaims struct {
	ObjectID          string `json:"oid"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	jwt.RegisteredClaims
}

// parseIDToken decodes the ID token received on the back channel. The token
// came straight from the token endpoint over TLS, so only the audience is
// checked.
func (p *OAuth2Provider) parseIDToken(raw string) (Claims, error) {
	var claims idTokenClaims
	if _, _, err := p.parser.ParseUnverified(raw, &claims); err != nil {
		return Claims{}, fmt.Errorf("parse id_token: %w", err)
	}
	if len(claims.Audience) > 0 && !slices.Contains(claims.Audience, p.clientID) {
		return Claims{}, fmt.Errorf("id_token audience does not include client id")
	}
	return Claims{
		Subject:           claims.Subject,
		ObjectID:          claims.ObjectID,
		Email:             claims.Email,
		PreferredUsername: claims.PreferredUsername,
		Name:              claims.Name,
	}, nil
}
