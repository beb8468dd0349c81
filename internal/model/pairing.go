package model

import (
	"time"
)

type PairingCode struct {
	ID              string        `db:"id" json:"id"`
	Code            string        `db:"code" json:"code"`
	Status          PairingStatus `db:"status" json:"status"`
	AuthURL         string        `db:"auth_url" json:"authUrl"`
	CodeVerifier    *string       `db:"code_verifier" json:"-"`
	ExpiresAt       time.Time     `db:"expires_at" json:"expiresAt"`
	UserID          *string       `db:"user_id" json:"userId,omitempty"`
	AuthenticatedAt *time.Time    `db:"authenticated_at" json:"authenticatedAt,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updatedAt"`
}

// IsExpired reports whether the deadline has been reached at now.
func (p *PairingCode) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

func (p *PairingCode) HasVerifier() bool {
	return p.CodeVerifier != nil && *p.CodeVerifier != ""
}

type PairingCodeWithUser struct {
	PairingCode
	User *User
}

type CreatePairingCodeParams struct {
	ID        string
	Code      string
	AuthURL   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type MarkAuthenticatedParams struct {
	ID              string
	UserID          string
	AuthenticatedAt time.Time
}
