package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/devlink/pairing-broker/internal/errors"
	"github.com/devlink/pairing-broker/internal/httputil"
	"github.com/devlink/pairing-broker/internal/middleware"
	"github.com/devlink/pairing-broker/internal/service"
	"github.com/devlink/pairing-broker/internal/session"
	"github.com/devlink/pairing-broker/internal/util"
)

type AuthHandler struct {
	pairing  *service.PairingService
	sessions *session.Manager
	pages    *Pages
}

func NewAuthHandler(pairing *service.PairingService, sessions *session.Manager, pages *Pages) *AuthHandler {
	return &AuthHandler{
		pairing:  pairing,
		sessions: sessions,
		pages:    pages,
	}
}

// GenerateCode handles POST /auth/generate-code.
func (h *AuthHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	result, err := h.pairing.GenerateCode(r.Context())
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to generate pairing code")
		writeError(w, http.StatusInternalServerError, "Failed to generate auth code")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// StartAuth handles GET /auth/microsoft?code= and redirects the browser to the provider.
func (h *AuthHandler) StartAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.URL.Query().Get("code")

	sess, err := h.sessions.Load(r)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to load session")
		h.pages.flowError(w, stageStart, err)
		return
	}

	result, err := h.pairing.StartFlow(ctx, code, service.FlowBinding{
		PairingCode: sess.PairingCode,
		State:       sess.State,
	})
	if err != nil {
		logFlowError(r, "start", code, err)
		h.pages.flowError(w, stageStart, err)
		return
	}

	sess.PairingCode = result.PairingCode.Code
	sess.State = result.State
	if err := h.sessions.Save(ctx, w, sess); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to save session")
		h.pages.flowError(w, stageStart, err)
		return
	}

	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// Callback handles GET /auth/microsoft/callback from the provider.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	sess, err := h.sessions.Load(r)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to load session")
		h.pages.flowError(w, stageCallback, err)
		return
	}

	binding := service.FlowBinding{PairingCode: sess.PairingCode, State: sess.State}
	result, err := h.pairing.CompleteFlow(ctx, service.CallbackParams{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}, binding)
	if err != nil {
		logFlowError(r, "callback", binding.PairingCode, err)
		if bindingSpent(err) && sess.HasBinding() {
			sess.ClearBinding()
			if saveErr := h.sessions.Save(ctx, w, sess); saveErr != nil {
				log.Ctx(ctx).Warn().Err(saveErr).Msg("failed to clear session binding")
			}
		}
		h.pages.flowError(w, stageCallback, err)
		return
	}

	sess.ClearBinding()
	sess.UserID = result.User.ID
	if err := h.sessions.Renew(ctx, w, sess); err != nil {
		// The code is already authenticated; the page must still tell the user.
		log.Ctx(ctx).Error().Err(err).Msg("failed to renew session")
	}

	h.pages.Success(w, deref(result.User.Name), deref(result.User.Email))
}

// CheckStatus handles GET /auth/check/{code}.
func (h *AuthHandler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	result, err := h.pairing.CheckStatus(r.Context(), code)
	if err != nil {
		switch apperrors.GetCode(err) {
		case apperrors.ErrCodeMissingRequired:
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"authenticated": false,
				"error":         "Code parameter is required",
			})
		case apperrors.ErrCodeCodeNotFound:
			writeJSON(w, http.StatusNotFound, map[string]any{
				"authenticated": false,
				"error":         "Code not found",
			})
		default:
			log.Ctx(r.Context()).Error().Err(err).Msg("failed to check pairing status")
			writeError(w, http.StatusInternalServerError, "Failed to check authentication status")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Me handles GET /auth/me for the user authenticated on this browser session.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := h.pairing.CurrentUser(ctx, middleware.GetUserID(ctx))
	if apperrors.GetCode(err) == apperrors.ErrCodeNotFound {
		// The user row is gone; the session can never resolve again.
		if sess, loadErr := h.sessions.Load(r); loadErr == nil {
			if destroyErr := h.sessions.Destroy(ctx, w, sess); destroyErr != nil {
				log.Ctx(ctx).Warn().Err(destroyErr).Msg("failed to destroy stale session")
			}
		}
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// bindingSpent reports whether the session binding can never complete again.
func bindingSpent(err error) bool {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeCodeExpired,
		apperrors.ErrCodeCodeAlreadyUsed,
		apperrors.ErrCodeInvalidOrConsumedCode:
		return true
	}
	return false
}

func logFlowError(r *http.Request, step, code string, err error) {
	logger := log.Ctx(r.Context())
	errCode := apperrors.GetCode(err)
	event := logger.Warn()
	if httputil.StatusFromCode(errCode) >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).
		Str("step", step).
		Bool("upstream", apperrors.IsUpstream(errCode)).
		Str("code", util.MaskCode(code)).
		Msg("pairing flow failed")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
