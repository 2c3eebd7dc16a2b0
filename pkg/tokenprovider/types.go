package tokenprovider

import "time"

// AuthStrategy is the authentication flow selected from Credentials.
type AuthStrategy int

const (
	StrategyNone AuthStrategy = iota
	StrategyLegacy
	StrategyServiceAccount
	StrategyUserAccount
	StrategyCustom
	StrategyIDToken
)

func (s AuthStrategy) String() string {
	switch s {
	case StrategyLegacy:
		return "legacy"
	case StrategyServiceAccount:
		return "service_account"
	case StrategyUserAccount:
		return "user_account"
	case StrategyCustom:
		return "custom_token"
	case StrategyIDToken:
		return "id_token"
	default:
		return "none"
	}
}

// TokenStatus is the lifecycle state of the managed token.
type TokenStatus int

const (
	StatusUninitialized TokenStatus = iota
	StatusRequesting
	StatusReady
	StatusRefreshing
	StatusError
)

func (s TokenStatus) String() string {
	switch s {
	case StatusRequesting:
		return "requesting"
	case StatusReady:
		return "ready"
	case StatusRefreshing:
		return "refreshing"
	case StatusError:
		return "error"
	default:
		return "uninitialized"
	}
}

// StalePolicy decides whether a previous token stays usable after a failed refresh.
type StalePolicy int

const (
	// StaleUntilExpiry keeps serving the previous token until it actually expires.
	StaleUntilExpiry StalePolicy = iota
	// StaleNever drops the previous token as soon as a refresh fails.
	StaleNever
)

// TokenInfo is an immutable snapshot of the managed token.
// AccessToken is only set while Status is Ready or Refreshing.
type TokenInfo struct {
	Type         AuthStrategy
	Status       TokenStatus
	AccessToken  string
	RefreshToken string
	// StaleToken holds the previous access token after a failed refresh when
	// the stale policy allows serving it.
	StaleToken string

	IssuedAt  time.Time
	ExpiresAt time.Time

	LastRequestAt time.Time
	LastErrorAt   time.Time
	LastErrorCode int
	LastError     error

	// Attempts counts consecutive failures and drives the retry backoff.
	Attempts          int
	transportAttempts int
	serviceAttempts   int
	Terminal          bool

	Generation uint64
}

// Lifetime is the issuer declared validity of the current token.
func (t TokenInfo) Lifetime() time.Duration {
	if t.IssuedAt.IsZero() || t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(t.IssuedAt)
}

func (t TokenInfo) hasToken() bool {
	return t.AccessToken != "" && (t.Status == StatusReady || t.Status == StatusRefreshing)
}

// Credentials selects the authentication strategy and carries its secrets.
// The manager never mutates it.
type Credentials struct {
	// APIKey is the web API key used by the Identity Toolkit and secure token endpoints.
	APIKey string

	ServiceAccount *ServiceAccount
	// UID switches a service account to minting custom tokens for this user.
	UID string
	// DeveloperClaims are embedded into minted custom tokens.
	DeveloperClaims map[string]interface{}

	User        *UserCredentials
	CustomToken string
	IDToken     *IDTokenCredentials
	LegacyToken string
}

// ServiceAccount is the key material of a Google service account.
type ServiceAccount struct {
	ClientEmail  string `json:"client_email"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ProjectID    string `json:"project_id"`
	// TokenURI is the audience and target of the assertion exchange. The
	// configured OAuth2 token endpoint is used when empty.
	TokenURI string `json:"token_uri"`
}

// UserCredentials are email/password credentials of a Firebase user.
type UserCredentials struct {
	Email    string
	Password string
}

// IDTokenCredentials seeds the manager with an already issued ID token.
type IDTokenCredentials struct {
	IDToken      string
	RefreshToken string
	ExpiresIn    time.Duration
}
