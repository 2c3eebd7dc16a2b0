package tokenprovider

import (
	"context"
	"time"
)

// TokenRequest is one of the grants understood by a Transport.
type TokenRequest interface {
	grantType() string
}

// AssertionGrant exchanges a signed service account assertion for an OAuth2 access token.
type AssertionGrant struct {
	Assertion string
	// TokenURL overrides the configured OAuth2 token endpoint when set.
	TokenURL string
}

// RefreshGrant exchanges a refresh token for a new ID token.
type RefreshGrant struct {
	APIKey       string
	RefreshToken string
}

// PasswordGrant signs a user in, or signs a new user up, with email and password.
// An empty email and password with SignUp set creates an anonymous user.
type PasswordGrant struct {
	APIKey            string
	Email             string
	Password          string
	ReturnSecureToken bool
	SignUp            bool
}

// CustomTokenGrant exchanges a custom token for an ID token.
type CustomTokenGrant struct {
	APIKey      string
	CustomToken string
}

// DeleteAccount deletes the user owning IDToken.
type DeleteAccount struct {
	APIKey  string
	IDToken string
}

func (AssertionGrant) grantType() string   { return "assertion" }
func (RefreshGrant) grantType() string     { return "refresh_token" }
func (CustomTokenGrant) grantType() string { return "custom_token" }
func (DeleteAccount) grantType() string    { return "delete_account" }
func (g PasswordGrant) grantType() string {
	if g.SignUp {
		return "sign_up"
	}
	return "password"
}

// TokenResponse is the success payload of an exchange.
type TokenResponse struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresIn    time.Duration
	UserID       string
	// ServerTime is the issuer's clock as observed on the response, if any.
	ServerTime time.Time
}

// bearer returns the token presented to downstream services.
func (r *TokenResponse) bearer() string {
	if r.IDToken != "" {
		return r.IDToken
	}
	return r.AccessToken
}

// Transport performs exchanges with the token issuer. Implementations return
// *TransportError for network failures and *ServiceError for well-formed
// issuer rejections.
type Transport interface {
	Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error)
	// ServerTime probes the issuer for its current time.
	ServerTime(ctx context.Context) (time.Time, error)
}
