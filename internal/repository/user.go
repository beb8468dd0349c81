package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/devlink/pairing-broker/internal/database"
	"github.com/devlink/pairing-broker/internal/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	// Upsert inserts a user or refreshes email and name on an existing one,
	// keyed by external id. The returned id is stable across calls.
	Upsert(ctx context.Context, params model.UpsertUserParams) (*model.User, error)
	WithTx(tx *sqlx.Tx) UserRepository
}

type userRepo struct {
	db database.DBTX
}

func NewUserRepository(db database.DBTX) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) WithTx(tx *sqlx.Tx) UserRepository {
	return &userRepo{db: tx}
}

func (r *userRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, r.db.Rebind(`
		SELECT * FROM users WHERE id = ?
	`), id)
	return HandleNotFound(&user, err)
}

func (r *userRepo) Upsert(ctx context.Context, params model.UpsertUserParams) (*model.User, error) {
	now := params.Now.UTC()

	var user model.User
	err := r.db.GetContext(ctx, &user, r.db.Rebind(`
		INSERT INTO users (id, external_id, email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			updated_at = excluded.updated_at
		RETURNING *
	`), uuid.NewString(), params.ExternalID, params.Email, params.Name, now, now)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
