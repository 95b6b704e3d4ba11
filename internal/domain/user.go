package domain

import "time"

// User owns posts and carries the delegated platform credential.
//
// AuthorURN is the "posting as" identity (urn:li:person:{id}).
// TokenExpiresAt is nil when the platform did not report a lifetime.
type User struct {
	ID             string     `json:"id"`
	PlatformID     string     `json:"platformId"`
	FirstName      string     `json:"firstName,omitempty"`
	LastName       string     `json:"lastName,omitempty"`
	AuthorURN      string     `json:"authorUrn"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
	Scopes         string     `json:"scopes,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// CanRefresh reports whether a refresh credential is stored.
func (u User) CanRefresh() bool { return u.RefreshToken != "" }

// NeedsRefresh reports whether the access token expires within threshold of now.
// Users without a known expiry never need a refresh.
func (u User) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	if u.TokenExpiresAt == nil || u.TokenExpiresAt.IsZero() {
		return false
	}
	return u.TokenExpiresAt.Sub(now) <= threshold
}

// ApplyToken overwrites the access credential after a refresh or code exchange.
// An empty refreshToken keeps the stored one.
func (u *User) ApplyToken(accessToken string, expiresIn time.Duration, refreshToken string, now time.Time) {
	u.AccessToken = accessToken
	if expiresIn > 0 {
		exp := now.Add(expiresIn)
		u.TokenExpiresAt = &exp
	} else {
		u.TokenExpiresAt = nil
	}
	if refreshToken != "" {
		u.RefreshToken = refreshToken
	}
	u.UpdatedAt = now
}
