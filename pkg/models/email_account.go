package models

import (
	"database/sql"
	"time"
)

// EmailAccount represents a connected mailbox the service may poll.
// Tokens are owned by the account store; the OTP pipeline only reads them and
// writes back refreshed credentials.
type EmailAccount struct {
	ID           int64          `db:"id"`
	Email        string         `db:"email"`
	Provider     string         `db:"provider"` // "gmail"
	AccessToken  sql.NullString `db:"access_token"`
	RefreshToken sql.NullString `db:"refresh_token"`
	TokenExpires sql.NullTime   `db:"token_expires"`
	IsActive     bool           `db:"is_active"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// TokenExpired reports whether the access token must be refreshed before use.
// Wall-clock check, no grace skew: a missing or elapsed expiry means refresh.
func (a *EmailAccount) TokenExpired(now time.Time) bool {
	if !a.AccessToken.Valid || a.AccessToken.String == "" {
		return true
	}
	if !a.TokenExpires.Valid {
		return true
	}
	return !a.TokenExpires.Time.After(now)
}
