package platform

import (
	"context"
	"time"
)

const (
	DefaultAuthURL    = "https://www.linkedin.com/oauth/v2/authorization"
	DefaultTokenURL   = "https://www.linkedin.com/oauth/v2/accessToken"
	DefaultPostsURL   = "https://api.linkedin.com/rest/posts"
	DefaultProfileURL = "https://api.linkedin.com/v2/me"
	DefaultScopes     = "r_liteprofile r_emailaddress w_member_social"
	DefaultVersion    = "202401"
)

type Config struct {
	AuthURL      string
	TokenURL     string
	PostsURL     string
	ProfileURL   string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Version      string
	Scopes       string
	Timeout      time.Duration
	RatePerSec   float64
}

// Token is the credential payload returned by the token endpoint.
// RefreshToken is empty when the platform did not rotate it.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Lifetime converts ExpiresIn to a duration. Zero means unknown.
func (t Token) Lifetime() time.Duration {
	if t.ExpiresIn <= 0 {
		return 0
	}
	return time.Duration(t.ExpiresIn) * time.Second
}

type Profile struct {
	ID        string
	FirstName string
	LastName  string
}

// AuthorURN is the "posting as" identity of the member.
func (p Profile) AuthorURN() string { return "urn:li:person:" + p.ID }

type MediaRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type PublishRequest struct {
	AccessToken string
	AuthorURN   string
	Commentary  string
	Media       []MediaRef
}

// Result is the decoded publish response. It is never nil on success.
type Result map[string]any

// Client is the subset of the platform used by the dispatcher and the API.
type Client interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
	Publish(ctx context.Context, req PublishRequest) (Result, error)
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (Token, error)
	FetchProfile(ctx context.Context, accessToken string) (Profile, error)
}
