package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/devlink/pairing-broker/internal/config"
	"github.com/devlink/pairing-broker/internal/middleware"
	"github.com/devlink/pairing-broker/internal/service"
	"github.com/devlink/pairing-broker/internal/session"
)

type RouterDeps struct {
	Pairing     *service.PairingService
	Sessions    *session.Manager
	Pages       *Pages
	DB          Pinger
	RateLimiter middleware.Limiter
	RateLimit   int
	APISecret   string
	Production  bool
}

func NewRouter(deps RouterDeps) http.Handler {
	authHandler := NewAuthHandler(deps.Pairing, deps.Sessions, deps.Pages)
	apiSecret := middleware.NewAPISecretMiddleware(deps.APISecret)
	sessionAuth := middleware.NewSessionAuthMiddleware(deps.Sessions)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(deps.Production)
	bodyLimit := middleware.NewBodyLimitMiddleware(middleware.MaxRequestBodySize)

	limit := func(scope string) func(http.Handler) http.Handler {
		return middleware.NewRateLimitMiddleware(deps.RateLimiter, deps.RateLimit, scope).Handler
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(securityHeaders.Handler)
	r.Use(bodyLimit.Handler)

	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.DB))
	r.Get("/cgu", deps.Pages.Terms)
	r.Handle("/static/*", StaticHandler())

	r.Route("/auth", func(r chi.Router) {
		r.With(limit("generate"), apiSecret.Handler).Post("/generate-code", authHandler.GenerateCode)

		r.With(limit("start")).Get("/microsoft", authHandler.StartAuth)
		r.Get("/microsoft/callback", authHandler.Callback)

		r.Group(func(r chi.Router) {
			r.Use(limit("check"), apiSecret.Handler)
			r.Get("/check", authHandler.CheckStatus)
			r.Get("/check/", authHandler.CheckStatus)
			r.Get("/check/{code}", authHandler.CheckStatus)
		})

		r.With(sessionAuth.Handler).Get("/me", authHandler.Me)
	})

	r.NotFound(deps.Pages.NotFound)

	return r
}
