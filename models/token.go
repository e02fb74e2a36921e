package models

import "time"

// Token a single issued token handle: authorization code, access token,
// refresh token or ID token. A token is valid while it is neither revoked nor
// expired.
type Token struct {
	Code      string        `json:"code"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresIn time.Duration `json:"expires_in"`
	Revoked   bool          `json:"revoked,omitempty"`

	// Certificate thumbprint for cert-bound tokens, empty otherwise.
	X5tS256 string `json:"x5t_s256,omitempty"`
}

// ExpirationTime the instant the token stops being valid.
func (t *Token) ExpirationTime() time.Time {
	return t.CreatedAt.Add(t.ExpiresIn)
}

// IsValid not expired and not revoked.
func (t *Token) IsValid() bool {
	return t != nil && !t.Revoked && time.Now().Before(t.ExpirationTime())
}

// ExpiresInSeconds remaining lifetime rounded down, never negative.
func (t *Token) ExpiresInSeconds() int64 {
	d := time.Until(t.ExpirationTime())
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
