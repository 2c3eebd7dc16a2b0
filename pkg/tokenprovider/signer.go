package tokenprovider

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jws"
)

// identityToolkitAudience is the audience of Firebase custom tokens.
const identityToolkitAudience = "https://identitytoolkit.googleapis.com/google.identity.identitytoolkit.v1.IdentityToolkit"

// Claims is the claim set of a signed assertion.
type Claims struct {
	Issuer   string
	Subject  string
	Audience string
	Scopes   []string
	IssuedAt time.Time
	Lifetime time.Duration
	// Private claims are merged into the encoded claim set.
	Private map[string]interface{}
}

// BuildAssertion encodes claims and signs them with the PEM encoded RSA
// private key. The result is a compact header.claims.signature token.
func BuildAssertion(claims Claims, keyID string, privateKey []byte) (string, error) {
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", &SigningError{Err: err}
	}
	if claims.Lifetime <= 0 || claims.Lifetime > defaultAssertionLifetime {
		claims.Lifetime = defaultAssertionLifetime
	}
	// jws treats a zero iat as unset and substitutes the real time.
	if claims.IssuedAt.Unix() < 1 {
		claims.IssuedAt = time.Unix(1, 0)
	}

	header := &jws.Header{
		Algorithm: "RS256",
		Typ:       "JWT",
		KeyID:     keyID,
	}
	claimSet := &jws.ClaimSet{
		Iss:           claims.Issuer,
		Sub:           claims.Subject,
		Aud:           claims.Audience,
		Scope:         strings.Join(claims.Scopes, " "),
		Iat:           claims.IssuedAt.Unix(),
		Exp:           claims.IssuedAt.Add(claims.Lifetime).Unix(),
		PrivateClaims: claims.Private,
	}

	assertion, err := jws.Encode(header, claimSet, key)
	if err != nil {
		return "", &SigningError{Err: err}
	}
	return assertion, nil
}

// serviceAccountClaims is the claim set exchanged for an OAuth2 access token.
func serviceAccountClaims(sa *ServiceAccount, aud string, scopes []string, now time.Time, lifetime time.Duration) Claims {
	if aud == "" {
		aud = google.JWTTokenURL
	}
	return Claims{
		Issuer:   sa.ClientEmail,
		Subject:  sa.ClientEmail,
		Audience: aud,
		Scopes:   scopes,
		IssuedAt: now,
		Lifetime: lifetime,
	}
}

// customTokenClaims is the claim set of a Firebase custom token for uid.
func customTokenClaims(sa *ServiceAccount, uid string, developerClaims map[string]interface{}, now time.Time, lifetime time.Duration) Claims {
	private := map[string]interface{}{"uid": uid}
	if len(developerClaims) > 0 {
		private["claims"] = developerClaims
	}
	return Claims{
		Issuer:   sa.ClientEmail,
		Subject:  sa.ClientEmail,
		Audience: identityToolkitAudience,
		IssuedAt: now,
		Lifetime: lifetime,
		Private:  private,
	}
}

// parsePrivateKey parses a PKCS#8 or PKCS#1 PEM encoded RSA key. Keys copied
// from JSON or environment variables with literal "\n" sequences are accepted.
func parsePrivateKey(key []byte) (*rsa.PrivateKey, error) {
	if !strings.Contains(string(key), "\n") {
		key = []byte(strings.ReplaceAll(string(key), `\n`, "\n"))
	}
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1, err1 := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err1 != nil {
			return nil, fmt.Errorf("private key should be a PEM or plain PKCS1 or PKCS8; parse error: %v", err)
		}
		return pkcs1, nil
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is invalid")
	}
	return rsaKey, nil
}
