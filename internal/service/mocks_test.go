package service

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devlink/pairing-broker/internal/database"
	"github.com/devlink/pairing-broker/internal/model"
	"github.com/devlink/pairing-broker/internal/provider"
	"github.com/devlink/pairing-broker/internal/repository"
)

type mockCodeRepo struct {
	createFunc             func(ctx context.Context, params model.CreatePairingCodeParams) (*model.PairingCode, error)
	findByCodeFunc         func(ctx context.Context, code string) (*model.PairingCode, error)
	findByCodeWithUserFunc func(ctx context.Context, code string) (*model.PairingCodeWithUser, error)
	setVerifierFunc        func(ctx context.Context, id, verifier string, now time.Time) (*model.PairingCode, error)
	markExpiredFunc        func(ctx context.Context, id string, now time.Time) (*model.PairingCode, error)
	markAuthenticatedFunc  func(ctx context.Context, params model.MarkAuthenticatedParams) (*model.PairingCode, error)

	mu           sync.Mutex
	expiredCalls int
}

func (m *mockCodeRepo) Create(ctx context.Context, params model.CreatePairingCodeParams) (*model.PairingCode, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, params)
	}
	return &model.PairingCode{
		ID:        params.ID,
		Code:      params.Code,
		Status:    model.PairingStatusPending,
		AuthURL:   params.AuthURL,
		ExpiresAt: params.ExpiresAt,
		CreatedAt: params.CreatedAt,
		UpdatedAt: params.CreatedAt,
	}, nil
}

func (m *mockCodeRepo) FindByCode(ctx context.Context, code string) (*model.PairingCode, error) {
	if m.findByCodeFunc != nil {
		return m.findByCodeFunc(ctx, code)
	}
	return nil, nil
}

func (m *mockCodeRepo) FindByCodeWithUser(ctx context.Context, code string) (*model.PairingCodeWithUser, error) {
	if m.findByCodeWithUserFunc != nil {
		return m.findByCodeWithUserFunc(ctx, code)
	}
	return nil, nil
}

func (m *mockCodeRepo) SetVerifier(ctx context.Context, id, verifier string, now time.Time) (*model.PairingCode, error) {
	if m.setVerifierFunc != nil {
		return m.setVerifierFunc(ctx, id, verifier, now)
	}
	return nil, nil
}

func (m *mockCodeRepo) MarkExpired(ctx context.Context, id string, now time.Time) (*model.PairingCode, error) {
	m.mu.Lock()
	m.expiredCalls++
	m.mu.Unlock()
	if m.markExpiredFunc != nil {
		return m.markExpiredFunc(ctx, id, now)
	}
	return nil, nil
}

func (m *mockCodeRepo) MarkAuthenticated(ctx context.Context, params model.MarkAuthenticatedParams) (*model.PairingCode, error) {
	if m.markAuthenticatedFunc != nil {
		return m.markAuthenticatedFunc(ctx, params)
	}
	return nil, nil
}

func (m *mockCodeRepo) WithTx(tx *sqlx.Tx) repository.PairingCodeRepository {
	return m
}

type mockUserRepo struct {
	findByIDFunc func(ctx context.Context, id string) (*model.User, error)
	upsertFunc   func(ctx context.Context, params model.UpsertUserParams) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) Upsert(ctx context.Context, params model.UpsertUserParams) (*model.User, error) {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, params)
	}
	return &model.User{ID: "user-1", ExternalID: params.ExternalID, Email: params.Email, Name: params.Name}, nil
}

func (m *mockUserRepo) WithTx(tx *sqlx.Tx) repository.UserRepository {
	return m
}

type mockTx struct{}

func (mockTx) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn(nil)
}

type mockProvider struct {
	authorizationURLFunc func(req provider.AuthorizationRequest) (string, error)
	exchangeFunc         func(ctx context.Context, req provider.ExchangeRequest) (*provider.TokenResult, error)
}

func (m *mockProvider) AuthorizationURL(req provider.AuthorizationRequest) (string, error) {
	if m.authorizationURLFunc != nil {
		return m.authorizationURLFunc(req)
	}
	return "https://idp.example/authorize?code_challenge=" + req.CodeChallenge + "&state=" + req.State, nil
}

func (m *mockProvider) Exchange(ctx context.Context, req provider.ExchangeRequest) (*provider.TokenResult, error) {
	if m.exchangeFunc != nil {
		return m.exchangeFunc(ctx, req)
	}
	return &provider.TokenResult{Claims: provider.Claims{Subject: "sub-1"}}, nil
}

// testClock is a settable clock shared by the service under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func strPtr(s string) *string { return &s }
