// Package credential defines the OAuth token bundle issued by the brokerage
// authentication service and its expiry semantics.
package credential

import (
	"time"

	"github.com/tidwall/gjson"
)

// Credential holds the access/refresh token pair plus the metadata needed to
// authenticate subsequent requests. A Credential is an immutable value: a
// refresh or re-login produces a new Credential, it never mutates one in
// place.
type Credential struct {
	// AccessToken is the opaque bearer token used for authenticated requests.
	AccessToken string `json:"access_token"`
	// RefreshToken is used to obtain a new access token; may be absent.
	RefreshToken string `json:"refresh_token,omitempty"`
	// TokenType indicates the type of token, typically "Bearer".
	TokenType string `json:"token_type"`
	// Scope is the permission scope granted with the token.
	Scope string `json:"scope"`
	// IssuedAt is the time the credential was constructed from a token
	// response.
	IssuedAt time.Time `json:"issued_at"`
	// ExpiresIn is the token lifetime in seconds as reported by the service.
	ExpiresIn int64 `json:"expires_in"`
	// ExpiresAt is IssuedAt + ExpiresIn. It is fixed at construction time and
	// never recomputed from a later wall clock.
	ExpiresAt time.Time `json:"expires_at"`
}

// New constructs a Credential, deriving ExpiresAt from issuedAt and
// expiresIn.
func New(accessToken, refreshToken, tokenType, scope string, expiresIn int64, issuedAt time.Time) Credential {
	return Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		Scope:        scope,
		IssuedAt:     issuedAt,
		ExpiresIn:    expiresIn,
		ExpiresAt:    issuedAt.Add(time.Duration(expiresIn) * time.Second),
	}
}

// FromTokenResponse builds a Credential from a token endpoint response body.
// It reports false when the body carries no access token.
func FromTokenResponse(body []byte, issuedAt time.Time) (Credential, bool) {
	accessToken := gjson.GetBytes(body, "access_token").String()
	if accessToken == "" {
		return Credential{}, false
	}
	return New(
		accessToken,
		gjson.GetBytes(body, "refresh_token").String(),
		gjson.GetBytes(body, "token_type").String(),
		gjson.GetBytes(body, "scope").String(),
		gjson.GetBytes(body, "expires_in").Int(),
		issuedAt,
	), true
}

// Valid reports whether the credential carries an access token that has not
// expired as of now.
func (c Credential) Valid(now time.Time) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// CanRefresh reports whether a refresh token is available.
func (c Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}

// Bearer returns the Authorization header value for the credential.
func (c Credential) Bearer() string {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + c.AccessToken
}
