package identity

import "time"

// Role enumerates account roles.
type Role string

// Status enumerates library-membership review states. New accounts start as
// StatusPending until an admin approves the credential document.
type Status string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"

	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// User represents a registered library member.
type User struct {
	ID                string
	Name              string
	Email             string
	EmailVerified     bool
	PasswordHash      string
	CredentialID      string
	CredentialCardRef string
	Role              Role
	Status            Status
	LastActivityDate  time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TokenPurpose distinguishes the flows a verification token belongs to.
type TokenPurpose string

const (
	PurposeEmailVerify   TokenPurpose = "EMAIL_VERIFY"
	PurposePasswordReset TokenPurpose = "PASSWORD_RESET"
)

// Token is an issued single-use verification secret. Value carries the raw
// secret only at issue time; the store persists its hash.
type Token struct {
	Identifier string
	Value      string
	Purpose    TokenPurpose
	ExpiresAt  time.Time
}
