package tokenprovider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const maxUIDLength = 128

// ResolveStrategy selects the authentication flow for creds.
func ResolveStrategy(creds *Credentials) AuthStrategy {
	switch {
	case creds == nil:
		return StrategyNone
	case creds.CustomToken != "":
		return StrategyCustom
	case creds.ServiceAccount != nil && creds.UID != "":
		return StrategyCustom
	case creds.ServiceAccount != nil:
		return StrategyServiceAccount
	case creds.User != nil && (creds.User.Email != "" || creds.User.Password != ""):
		return StrategyUserAccount
	case creds.IDToken != nil && creds.IDToken.IDToken != "":
		return StrategyIDToken
	case creds.LegacyToken != "":
		return StrategyLegacy
	default:
		return StrategyNone
	}
}

// CredsReady reports whether creds carry everything their strategy needs.
func CredsReady(creds *Credentials) bool {
	return ValidateCredentials(creds) == nil
}

// ValidateCredentials returns a *ConfigError describing the first missing or
// malformed field of the resolved strategy.
func ValidateCredentials(creds *Credentials) error {
	strategy := ResolveStrategy(creds)
	invalid := func(format string, args ...interface{}) error {
		return &ConfigError{Strategy: strategy, Reason: fmt.Sprintf(format, args...)}
	}

	switch strategy {
	case StrategyNone:
		return invalid("no credentials configured")
	case StrategyLegacy:
		return nil
	case StrategyServiceAccount:
		return validateServiceAccount(creds.ServiceAccount, invalid)
	case StrategyCustom:
		if creds.APIKey == "" {
			return invalid("api key is required")
		}
		if creds.CustomToken != "" {
			return nil
		}
		if len(creds.UID) > maxUIDLength {
			return invalid("uid must not be longer than %d characters", maxUIDLength)
		}
		return validateServiceAccount(creds.ServiceAccount, invalid)
	case StrategyUserAccount:
		if creds.APIKey == "" {
			return invalid("api key is required")
		}
		if creds.User.Email == "" || creds.User.Password == "" {
			return invalid("email and password are required")
		}
		return nil
	case StrategyIDToken:
		if creds.IDToken.RefreshToken != "" && creds.APIKey == "" {
			return invalid("api key is required to refresh the id token")
		}
		return nil
	}
	return invalid("unsupported strategy")
}

func validateServiceAccount(sa *ServiceAccount, invalid func(string, ...interface{}) error) error {
	switch {
	case sa.ClientEmail == "":
		return invalid("client email is required")
	case sa.ProjectID == "":
		return invalid("project id is required")
	case sa.PrivateKey == "":
		return invalid("private key is required")
	}
	if _, err := parsePrivateKey([]byte(sa.PrivateKey)); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// HasStrategyChanged reports whether moving from oldCreds to newCreds changes
// the strategy or any credential that the current token was derived from.
func HasStrategyChanged(oldCreds, newCreds *Credentials) bool {
	return createCacheKey(oldCreds) != createCacheKey(newCreds)
}

// createCacheKey fingerprints the strategy and secrets of creds without
// keeping the secrets themselves.
func createCacheKey(creds *Credentials) string {
	strategy := ResolveStrategy(creds)
	parts := []string{strategy.String()}
	if creds != nil {
		parts = append(parts, creds.APIKey)
		switch strategy {
		case StrategyServiceAccount, StrategyCustom:
			if sa := creds.ServiceAccount; sa != nil {
				parts = append(parts, sa.ClientEmail, sa.PrivateKeyID, sa.PrivateKey, sa.ProjectID, sa.TokenURI)
			}
			parts = append(parts, creds.UID, creds.CustomToken)
			if len(creds.DeveloperClaims) > 0 {
				claims, _ := json.Marshal(creds.DeveloperClaims)
				parts = append(parts, string(claims))
			}
		case StrategyUserAccount:
			parts = append(parts, creds.User.Email, creds.User.Password)
		case StrategyIDToken:
			parts = append(parts, creds.IDToken.IDToken, creds.IDToken.RefreshToken)
		case StrategyLegacy:
			parts = append(parts, creds.LegacyToken)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
