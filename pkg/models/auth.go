package models

import "time"

// Token represents an auth token. UserID is the identity recorded on votes
// and submissions made with the token.
type Token struct {
	ID          string
	UserID      string
	DisplayName string
	Policies    []string
	TTL         time.Duration
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
	ParentID    *string
}

// IsExpired returns true if the token has passed its expiry time.
func (t *Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// IsRevoked returns true if the token has been revoked.
func (t *Token) IsRevoked() bool {
	return t.RevokedAt != nil
}
