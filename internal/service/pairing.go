package service

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/devlink/pairing-broker/internal/audit"
	"github.com/devlink/pairing-broker/internal/config"
	"github.com/devlink/pairing-broker/internal/database"
	apperrors "github.com/devlink/pairing-broker/internal/errors"
	"github.com/devlink/pairing-broker/internal/model"
	"github.com/devlink/pairing-broker/internal/pkce"
	"github.com/devlink/pairing-broker/internal/provider"
	"github.com/devlink/pairing-broker/internal/repository"
	"github.com/devlink/pairing-broker/internal/util"
)

const (
	pairingCodeBytes = 16
	generateMessage  = "Visit authUrl to authenticate"
	waitingMessage   = "Waiting for user authentication"
	expiredMessage   = "Code expired"
)

// TxRunner runs fn inside a single store transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

type PairingOptions struct {
	AuthURLBase     string
	RedirectURI     string
	Scopes          []string
	CodeTTL         time.Duration
	ExchangeTimeout time.Duration
	Now             func() time.Time
}

type GenerateResult struct {
	Code      string    `json:"code"`
	AuthURL   string    `json:"authUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
	Message   string    `json:"message"`
}

type StartResult struct {
	PairingCode *model.PairingCode
	State       string
	RedirectURL string
}

// CallbackParams are the query parameters the provider sends to the callback.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// FlowBinding is what the browser session remembers between start and callback.
type FlowBinding struct {
	PairingCode string
	State       string
}

type CompleteResult struct {
	User        *model.User
	PairingCode *model.PairingCode
}

type StatusResult struct {
	Authenticated   bool        `json:"authenticated"`
	Status          string      `json:"status"`
	User            *model.User `json:"user,omitempty"`
	AuthenticatedAt *time.Time  `json:"authenticatedAt,omitempty"`
	Message         string      `json:"message,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// PairingService drives the pairing code state machine:
// pending -> authenticated, pending -> expired, nothing out of a terminal state.
type PairingService struct {
	codes    repository.PairingCodeRepository
	users    repository.UserRepository
	tx       TxRunner
	provider provider.IdentityProvider
	opts     PairingOptions
}

func NewPairingService(
	codes repository.PairingCodeRepository,
	users repository.UserRepository,
	tx TxRunner,
	idp provider.IdentityProvider,
	opts PairingOptions,
) *PairingService {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = config.PairingCodeTTL
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = config.ProviderExchangeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &PairingService{
		codes:    codes,
		users:    users,
		tx:       tx,
		provider: idp,
		opts:     opts,
	}
}

func (s *PairingService) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *PairingService) GenerateCode(ctx context.Context) (*GenerateResult, error) {
	code, err := util.GenerateHex(pairingCodeBytes)
	if err != nil {
		return nil, apperrors.Internal("Failed to generate code").WithCause(err)
	}

	now := s.now()
	pc, err := s.codes.Create(ctx, model.CreatePairingCodeParams{
		ID:        uuid.NewString(),
		Code:      code,
		AuthURL:   s.opts.AuthURLBase + "?code=" + url.QueryEscape(code),
		ExpiresAt: now.Add(s.opts.CodeTTL),
		CreatedAt: now,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:    audit.EventCodeGenerate,
		Code:    util.MaskCode(pc.Code),
		Details: map[string]interface{}{"expiresAt": pc.ExpiresAt.Format(time.RFC3339)},
	})

	return &GenerateResult{
		Code:      pc.Code,
		AuthURL:   pc.AuthURL,
		ExpiresAt: pc.ExpiresAt.UTC(),
		Message:   generateMessage,
	}, nil
}

// StartFlow validates code and prepares the provider redirect. The verifier is
// written once: a second start on the same pending code reuses it, and reuses
// the state from prior when the browser is already bound to this code, so the
// first tab's authorization stays valid.
func (s *PairingService) StartFlow(ctx context.Context, code string, prior FlowBinding) (*StartResult, error) {
	if code == "" {
		return nil, apperrors.MissingRequired("code")
	}
	if !util.IsPairingCode(code) {
		return nil, apperrors.CodeNotFound()
	}

	pc, err := s.codes.FindByCode(ctx, code)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if pc == nil {
		return nil, apperrors.CodeNotFound()
	}

	now := s.now()
	if pc.IsExpired(now) {
		s.expire(ctx, pc, now)
		return nil, apperrors.CodeExpired()
	}
	if pc.Status.IsTerminal() {
		return nil, apperrors.CodeAlreadyUsed()
	}

	pc, verifier, err := s.bindVerifier(ctx, pc, now)
	if err != nil {
		return nil, err
	}

	state := prior.State
	if prior.PairingCode != pc.Code || state == "" {
		state, err = util.GenerateToken()
		if err != nil {
			return nil, apperrors.Internal("Failed to generate state").WithCause(err)
		}
	}

	redirectURL, err := s.provider.AuthorizationURL(provider.AuthorizationRequest{
		Scopes:        s.opts.Scopes,
		RedirectURI:   s.opts.RedirectURI,
		CodeChallenge: pkce.DeriveChallenge(verifier),
		Method:        pkce.MethodS256,
		State:         state,
	})
	if err != nil {
		return nil, apperrors.Internal("Failed to build authorization URL").WithCause(err)
	}

	audit.Log(ctx, audit.Event{
		Type: audit.EventFlowStart,
		Code: util.MaskCode(pc.Code),
	})

	return &StartResult{
		PairingCode: pc,
		State:       state,
		RedirectURL: redirectURL,
	}, nil
}

func (s *PairingService) bindVerifier(ctx context.Context, pc *model.PairingCode, now time.Time) (*model.PairingCode, string, error) {
	if pc.HasVerifier() {
		return pc, *pc.CodeVerifier, nil
	}

	verifier, err := pkce.GenerateVerifier()
	if err != nil {
		return nil, "", apperrors.Internal("Failed to generate verifier").WithCause(err)
	}

	updated, err := s.codes.SetVerifier(ctx, pc.ID, verifier, now)
	if err != nil {
		return nil, "", apperrors.Database(err)
	}
	if updated != nil {
		return updated, verifier, nil
	}

	// Lost the write to a concurrent start or a terminal transition.
	current, err := s.codes.FindByCode(ctx, pc.Code)
	if err != nil {
		return nil, "", apperrors.Database(err)
	}
	if current == nil || current.Status.IsTerminal() || !current.HasVerifier() {
		return nil, "", apperrors.CodeAlreadyUsed()
	}
	return current, *current.CodeVerifier, nil
}

func (s *PairingService) CompleteFlow(ctx context.Context, params CallbackParams, binding FlowBinding) (*CompleteResult, error) {
	result, err := s.completeFlow(ctx, params, binding)
	if err != nil {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventAuthFailure,
			Code:    util.MaskCode(binding.PairingCode),
			Details: map[string]interface{}{"reason": string(apperrors.GetCode(err))},
		})
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:   audit.EventAuthSuccess,
		Code:   util.MaskCode(result.PairingCode.Code),
		UserID: result.User.ID,
	})
	return result, nil
}

func (s *PairingService) completeFlow(ctx context.Context, params CallbackParams, binding FlowBinding) (*CompleteResult, error) {
	if params.Error != "" {
		return nil, apperrors.ProviderError(params.Error, params.ErrorDescription)
	}
	if params.Code == "" {
		return nil, apperrors.MissingAuthorizationCode()
	}
	if binding.PairingCode == "" {
		return nil, apperrors.SessionExpired()
	}
	if binding.State == "" || !util.ConstantTimeEqual(binding.State, params.State) {
		return nil, apperrors.StateMismatch()
	}

	pc, err := s.codes.FindByCode(ctx, binding.PairingCode)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if pc == nil || !pc.HasVerifier() {
		return nil, apperrors.InvalidOrConsumedCode()
	}

	now := s.now()
	if pc.IsExpired(now) {
		s.expire(ctx, pc, now)
		return nil, apperrors.CodeExpired()
	}
	if pc.Status.IsTerminal() {
		return nil, apperrors.CodeAlreadyUsed()
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.opts.ExchangeTimeout)
	defer cancel()

	tok, err := s.provider.Exchange(exchangeCtx, provider.ExchangeRequest{
		Code:         params.Code,
		Scopes:       s.opts.Scopes,
		RedirectURI:  s.opts.RedirectURI,
		CodeVerifier: *pc.CodeVerifier,
	})
	if err != nil {
		return nil, apperrors.TokenExchangeFailed(err)
	}
	if tok == nil {
		return nil, apperrors.TokenExchangeFailed(nil)
	}

	externalID := tok.Claims.ExternalID()
	if externalID == "" {
		return nil, apperrors.MissingSubjectClaim()
	}

	var result CompleteResult
	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		at := s.now()
		user, err := s.users.WithTx(tx).Upsert(ctx, model.UpsertUserParams{
			ExternalID: externalID,
			Email:      optional(tok.Claims.EmailAddress()),
			Name:       optional(tok.Claims.Name),
			Now:        at,
		})
		if err != nil {
			return apperrors.Database(err)
		}

		updated, err := s.codes.WithTx(tx).MarkAuthenticated(ctx, model.MarkAuthenticatedParams{
			ID:              pc.ID,
			UserID:          user.ID,
			AuthenticatedAt: at,
		})
		if err != nil {
			return apperrors.Database(err)
		}
		if updated == nil {
			return apperrors.CodeAlreadyUsed()
		}

		result = CompleteResult{User: user, PairingCode: updated}
		return nil
	})
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeCodeAlreadyUsed {
			return nil, s.classifyLostTransition(ctx, pc)
		}
		if !apperrors.IsAppError(err) {
			return nil, apperrors.Database(err)
		}
		return nil, err
	}

	return &result, nil
}

// classifyLostTransition tells apart a code that ran out of time during the
// exchange from one another request already consumed.
func (s *PairingService) classifyLostTransition(ctx context.Context, pc *model.PairingCode) error {
	current, err := s.codes.FindByCode(ctx, pc.Code)
	if err != nil || current == nil {
		return apperrors.CodeAlreadyUsed()
	}
	now := s.now()
	if current.Status == model.PairingStatusPending && current.IsExpired(now) {
		s.expire(ctx, current, now)
		return apperrors.CodeExpired()
	}
	return apperrors.CodeAlreadyUsed()
}

func (s *PairingService) CheckStatus(ctx context.Context, code string) (*StatusResult, error) {
	if code == "" {
		return nil, apperrors.MissingRequired("code")
	}
	if !util.IsPairingCode(code) {
		return nil, apperrors.CodeNotFound()
	}

	pc, err := s.codes.FindByCodeWithUser(ctx, code)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if pc == nil {
		return nil, apperrors.CodeNotFound()
	}

	now := s.now()
	if pc.IsExpired(now) {
		if pc.Status == model.PairingStatusPending {
			s.expire(ctx, &pc.PairingCode, now)
		}
		return &StatusResult{
			Authenticated: false,
			Status:        string(model.PairingStatusExpired),
			Error:         expiredMessage,
		}, nil
	}

	if pc.Status == model.PairingStatusAuthenticated {
		// The table CHECK forbids this; a missing join means the store is inconsistent.
		if pc.User == nil {
			return nil, apperrors.Internal("Authenticated pairing code has no user")
		}
		return &StatusResult{
			Authenticated:   true,
			Status:          string(pc.Status),
			User:            pc.User,
			AuthenticatedAt: pc.AuthenticatedAt,
		}, nil
	}
	if pc.Status.IsTerminal() {
		return &StatusResult{
			Authenticated: false,
			Status:        string(pc.Status),
			Error:         expiredMessage,
		}, nil
	}

	return &StatusResult{
		Authenticated: false,
		Status:        string(pc.Status),
		Message:       waitingMessage,
	}, nil
}

func (s *PairingService) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.NotFound("User")
	}
	return user, nil
}

// expire persists pending -> expired. Failures are logged; the caller reports
// expiry either way.
func (s *PairingService) expire(ctx context.Context, pc *model.PairingCode, now time.Time) {
	if pc.Status.IsTerminal() {
		return
	}
	if _, err := s.codes.MarkExpired(ctx, pc.ID, now); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("code", util.MaskCode(pc.Code)).Msg("failed to persist expired status")
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
