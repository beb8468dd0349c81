package model

import "time"

type User struct {
	ID         string    `db:"id" json:"id"`
	ExternalID string    `db:"external_id" json:"externalId"`
	Email      *string   `db:"email" json:"email"`
	Name       *string   `db:"name" json:"name"`
	CreatedAt  time.Time `db:"created_at" json:"-"`
	UpdatedAt  time.Time `db:"updated_at" json:"-"`
}

type UpsertUserParams struct {
	ExternalID string
	Email      *string
	Name       *string
	Now        time.Time
}
