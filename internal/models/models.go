package models

import (
	"strings"
	"time"
)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	ImageURL  *string   `json:"imageUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Credentials is the per-user OAuth client identity (or static API key /
// app password) for one platform. Which fields are populated depends on the
// service; completeness is checked against the service's required field set.
type Credentials struct {
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	Identifier   string `json:"identifier,omitempty"`  // e.g. Bluesky handle, Farcaster signer UUID
	AppPassword  string `json:"appPassword,omitempty"` // Bluesky app password
	// OAuth 1.0a app keys (X legacy media-upload auth).
	ConsumerKey       string `json:"consumerKey,omitempty"`
	ConsumerSecret    string `json:"consumerSecret,omitempty"`
	AccessToken       string `json:"oauth1AccessToken,omitempty"`
	AccessTokenSecret string `json:"oauth1AccessTokenSecret,omitempty"`
}

// Authorization is the token state for one (user, service) pair. It is
// created by a code exchange, refreshed in place, and cleared on disconnect
// or detected revocation.
type Authorization struct {
	AccessToken           string     `json:"accessToken"`
	RefreshToken          string     `json:"refreshToken,omitempty"`
	TokenType             string     `json:"tokenType,omitempty"`
	Scope                 string     `json:"scope,omitempty"`
	ExpiresAt             *time.Time `json:"expiresAt,omitempty"`
	RefreshTokenExpiresAt *time.Time `json:"refreshTokenExpiresAt,omitempty"`
	ObtainedAt            time.Time  `json:"obtainedAt"`
}

// HasScope reports whether the granted scope list contains want. Token
// responses may use comma or space separated scope lists.
func (a *Authorization) HasScope(want string) bool {
	if a == nil {
		return false
	}
	norm := strings.ReplaceAll(a.Scope, " ", ",")
	for _, s := range strings.Split(norm, ",") {
		if strings.TrimSpace(s) == want {
			return true
		}
	}
	return false
}

// Account is a platform-reported identity snapshot tied to a completed
// Authorization. Read-only; refreshed opportunistically.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// PendingAuth is the short-lived record for an in-flight authorization
// attempt: the CSRF state and, for PKCE platforms, the code verifier.
// A callback arriving after ExpiresAt must fail closed.
type PendingAuth struct {
	UserID       string    `json:"userId"`
	Service      string    `json:"service"`
	State        string    `json:"state"`
	CodeVerifier string    `json:"codeVerifier,omitempty"`
	RedirectURI  string    `json:"redirectUri"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type PublishJob struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Status     string     `json:"status"` // queued | running | completed | failed
	Providers  []string   `json:"providers,omitempty"`
	Error      *string    `json:"error,omitempty"`
	ResultJSON *string    `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
