package models

import "time"

// AuthProvider identifies how an account authenticates.
type AuthProvider string

const (
	ProviderLocal     AuthProvider = "local"
	ProviderGoogle    AuthProvider = "google"
	ProviderMicrosoft AuthProvider = "microsoft"
	ProviderGitHub    AuthProvider = "github"
)

// User is an account record. PassHash is empty for accounts created through
// an external provider; ProviderUserID is set only for those accounts.
type User struct {
	ID             int64
	Email          string
	PassHash       []byte
	Provider       AuthProvider
	ProviderUserID *string
	CreatedAt      time.Time
}
