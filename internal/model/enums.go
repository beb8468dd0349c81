package model

type PairingStatus string

const (
	PairingStatusPending       PairingStatus = "pending"
	PairingStatusAuthenticated PairingStatus = "authenticated"
	PairingStatusExpired       PairingStatus = "expired"
)

// IsTerminal reports whether no further transition is possible from s.
func (s PairingStatus) IsTerminal() bool {
	return s == PairingStatusAuthenticated || s == PairingStatusExpired
}
