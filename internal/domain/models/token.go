package models

import "time"

// Revocation reasons recorded on refresh-token rows.
const (
	ReasonRotated        = "rotated"
	ReasonManualLogout   = "manual-logout"
	ReasonReuseDetected  = "reuse-detected"
	ReasonExpiredCleanup = "expired-cleanup"
)

// RefreshToken represents a refresh token stored in the database.
// Token is the raw opaque secret; the replacement chain is stored explicitly,
// so ReplacedByToken of a rotated row holds the successor's Token value.
type RefreshToken struct {
	ID               string
	Token            string
	UserID           int64
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	ReplacedByToken  *string
	RevocationReason *string
}

// Active reports whether the token can still be exchanged at the given moment.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// PasswordReset is a single-use reset token. Unlike refresh tokens it is
// never chained: consumption sets UsedAt and that is terminal.
type PasswordReset struct {
	ID        string
	Token     string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}
