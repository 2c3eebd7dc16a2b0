package tokenprovider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveStrategy(t *testing.T) {
	sa := &ServiceAccount{ClientEmail: "sa@test"}
	tests := []struct {
		name  string
		creds *Credentials
		want  AuthStrategy
	}{
		{"nil credentials", nil, StrategyNone},
		{"empty credentials", &Credentials{}, StrategyNone},
		{"legacy token", &Credentials{LegacyToken: "secret"}, StrategyLegacy},
		{"service account", &Credentials{ServiceAccount: sa}, StrategyServiceAccount},
		{"service account with uid", &Credentials{ServiceAccount: sa, UID: "u1"}, StrategyCustom},
		{"custom token wins", &Credentials{CustomToken: "t", ServiceAccount: sa, User: &UserCredentials{Email: "e"}}, StrategyCustom},
		{"service account wins over user", &Credentials{ServiceAccount: sa, User: &UserCredentials{Email: "e"}}, StrategyServiceAccount},
		{"user", &Credentials{User: &UserCredentials{Email: "e", Password: "p"}}, StrategyUserAccount},
		{"empty user is ignored", &Credentials{User: &UserCredentials{}, LegacyToken: "secret"}, StrategyLegacy},
		{"id token", &Credentials{IDToken: &IDTokenCredentials{IDToken: "id"}}, StrategyIDToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveStrategy(tt.creds))
		})
	}
}

func TestValidateCredentials(t *testing.T) {
	t.Run("should accept complete credentials", func(t *testing.T) {
		assert.True(t, CredsReady(serviceAccountCreds(t)))
		assert.True(t, CredsReady(userCreds()))
		assert.True(t, CredsReady(&Credentials{LegacyToken: "secret"}))
		assert.True(t, CredsReady(&Credentials{IDToken: &IDTokenCredentials{IDToken: "id"}}))
		assert.True(t, CredsReady(&Credentials{APIKey: "key", CustomToken: "custom"}))
	})

	tests := []struct {
		name   string
		creds  func(t *testing.T) *Credentials
		reason string
	}{
		{"no credentials", func(t *testing.T) *Credentials { return nil }, "no credentials configured"},
		{"user without api key", func(t *testing.T) *Credentials {
			c := userCreds()
			c.APIKey = ""
			return c
		}, "api key is required"},
		{"user without password", func(t *testing.T) *Credentials {
			c := userCreds()
			c.User.Password = ""
			return c
		}, "email and password are required"},
		{"service account without project", func(t *testing.T) *Credentials {
			c := serviceAccountCreds(t)
			c.ServiceAccount.ProjectID = ""
			return c
		}, "project id is required"},
		{"service account with a broken key", func(t *testing.T) *Credentials {
			c := serviceAccountCreds(t)
			c.ServiceAccount.PrivateKey = "not a key"
			return c
		}, "private key is not PEM encoded"},
		{"uid too long", func(t *testing.T) *Credentials {
			c := serviceAccountCreds(t)
			c.UID = strings.Repeat("u", maxUIDLength+1)
			return c
		}, "uid must not be longer than 128 characters"},
		{"id token refresh without api key", func(t *testing.T) *Credentials {
			return &Credentials{IDToken: &IDTokenCredentials{IDToken: "id", RefreshToken: "r"}}
		}, "api key is required to refresh the id token"},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			err := ValidateCredentials(tt.creds(t))
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.reason, cfgErr.Reason)
		})
	}
}

func TestCreateCacheKey(t *testing.T) {
	t.Run("should be stable for equal credentials", func(t *testing.T) {
		assert.Equal(t, createCacheKey(userCreds()), createCacheKey(userCreds()))
	})

	t.Run("should change with any secret", func(t *testing.T) {
		changed := userCreds()
		changed.User.Password = "other"
		assert.True(t, HasStrategyChanged(userCreds(), changed))

		changed = userCreds()
		changed.APIKey = "other"
		assert.True(t, HasStrategyChanged(userCreds(), changed))
	})

	t.Run("should not contain the secrets", func(t *testing.T) {
		key := createCacheKey(userCreds())
		assert.NotContains(t, key, "secret")
		assert.Len(t, key, 64)
	})
}
