package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devlink/pairing-broker/internal/database"
	"github.com/devlink/pairing-broker/internal/model"
)

// PairingCodeRepository persists pairing codes. Every mutation is a single
// conditional UPDATE; a nil record means the condition did not hold.
type PairingCodeRepository interface {
	Create(ctx context.Context, params model.CreatePairingCodeParams) (*model.PairingCode, error)
	FindByCode(ctx context.Context, code string) (*model.PairingCode, error)
	FindByCodeWithUser(ctx context.Context, code string) (*model.PairingCodeWithUser, error)
	SetVerifier(ctx context.Context, id, verifier string, now time.Time) (*model.PairingCode, error)
	MarkExpired(ctx context.Context, id string, now time.Time) (*model.PairingCode, error)
	MarkAuthenticated(ctx context.Context, params model.MarkAuthenticatedParams) (*model.PairingCode, error)
	WithTx(tx *sqlx.Tx) PairingCodeRepository
}

type pairingCodeRepo struct {
	db database.DBTX
}

func NewPairingCodeRepository(db database.DBTX) PairingCodeRepository {
	return &pairingCodeRepo{db: db}
}

func (r *pairingCodeRepo) WithTx(tx *sqlx.Tx) PairingCodeRepository {
	return &pairingCodeRepo{db: tx}
}

func (r *pairingCodeRepo) Create(ctx context.Context, params model.CreatePairingCodeParams) (*model.PairingCode, error) {
	createdAt := params.CreatedAt.UTC()

	var pc model.PairingCode
	err := r.db.GetContext(ctx, &pc, r.db.Rebind(`
		INSERT INTO pairing_codes (id, code, status, auth_url, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING *
	`), params.ID, params.Code, model.PairingStatusPending, params.AuthURL,
		params.ExpiresAt.UTC(), createdAt, createdAt)
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (r *pairingCodeRepo) FindByCode(ctx context.Context, code string) (*model.PairingCode, error) {
	var pc model.PairingCode
	err := r.db.GetContext(ctx, &pc, r.db.Rebind(`
		SELECT * FROM pairing_codes WHERE code = ?
	`), code)
	return HandleNotFound(&pc, err)
}

type pairingCodeUserRow struct {
	model.PairingCode
	UserExternalID sql.NullString `db:"user_external_id"`
	UserEmail      sql.NullString `db:"user_email"`
	UserName       sql.NullString `db:"user_name"`
	UserCreatedAt  sql.NullTime   `db:"user_created_at"`
	UserUpdatedAt  sql.NullTime   `db:"user_updated_at"`
}

func (r *pairingCodeRepo) FindByCodeWithUser(ctx context.Context, code string) (*model.PairingCodeWithUser, error) {
	var row pairingCodeUserRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT p.*,
			u.external_id AS user_external_id,
			u.email AS user_email,
			u.name AS user_name,
			u.created_at AS user_created_at,
			u.updated_at AS user_updated_at
		FROM pairing_codes p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE p.code = ?
	`), code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result := &model.PairingCodeWithUser{PairingCode: row.PairingCode}
	if row.UserID != nil && row.UserExternalID.Valid {
		result.User = &model.User{
			ID:         *row.UserID,
			ExternalID: row.UserExternalID.String,
			Email:      nullStringPtr(row.UserEmail),
			Name:       nullStringPtr(row.UserName),
			CreatedAt:  row.UserCreatedAt.Time,
			UpdatedAt:  row.UserUpdatedAt.Time,
		}
	}
	return result, nil
}

func (r *pairingCodeRepo) SetVerifier(ctx context.Context, id, verifier string, now time.Time) (*model.PairingCode, error) {
	var pc model.PairingCode
	err := r.db.GetContext(ctx, &pc, r.db.Rebind(`
		UPDATE pairing_codes SET
			code_verifier = ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND code_verifier IS NULL
		RETURNING *
	`), verifier, now.UTC(), id, model.PairingStatusPending)
	return HandleNotFound(&pc, err)
}

func (r *pairingCodeRepo) MarkExpired(ctx context.Context, id string, now time.Time) (*model.PairingCode, error) {
	var pc model.PairingCode
	err := r.db.GetContext(ctx, &pc, r.db.Rebind(`
		UPDATE pairing_codes SET
			status = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING *
	`), model.PairingStatusExpired, now.UTC(), id, model.PairingStatusPending)
	return HandleNotFound(&pc, err)
}

func (r *pairingCodeRepo) MarkAuthenticated(ctx context.Context, params model.MarkAuthenticatedParams) (*model.PairingCode, error) {
	at := params.AuthenticatedAt.UTC()

	var pc model.PairingCode
	err := r.db.GetContext(ctx, &pc, r.db.Rebind(`
		UPDATE pairing_codes SET
			status = ?,
			user_id = ?,
			authenticated_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND expires_at > ?
		RETURNING *
	`), model.PairingStatusAuthenticated, params.UserID, at, at,
		params.ID, model.PairingStatusPending, at)
	return HandleNotFound(&pc, err)
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
