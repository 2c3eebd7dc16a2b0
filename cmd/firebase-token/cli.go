package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/grafana-firebase-auth-go/pkg/tokenprovider"
	"github.com/grafana/grafana-firebase-auth-go/pkg/utils"
)

// CredentialsConfig selects the identity tokens are obtained for
type CredentialsConfig struct {
	// APIKey is the Firebase web API key
	APIKey string `help:"Firebase web API key" name:"api-key" env:"FIREBASE_API_KEY"`

	// ServiceAccountFile is a path to a service account key file
	ServiceAccountFile string `help:"Service account key file" name:"service-account" type:"existingfile" env:"FIREBASE_SERVICE_ACCOUNT"`

	// ClientEmail and PrivateKey describe a service account without a key file
	ClientEmail  string `help:"Service account email" name:"client-email" env:"FIREBASE_CLIENT_EMAIL"`
	PrivateKey   string `help:"Service account PEM private key, or @path to a PEM or key file" name:"private-key" env:"FIREBASE_PRIVATE_KEY"`
	PrivateKeyID string `help:"Service account private key id" name:"private-key-id" env:"FIREBASE_PRIVATE_KEY_ID"`

	// DefaultCredentials uses the service account of the application default credentials
	DefaultCredentials bool `help:"Use the service account key of the application default credentials" name:"default-credentials"`

	// UID mints custom tokens for this user with the service account
	UID string `help:"Sign in as this user id with a custom token minted by the service account" name:"uid" env:"FIREBASE_UID"`

	// CustomToken is a pre-made custom token
	CustomToken string `help:"Custom token to sign in with" name:"custom-token" env:"FIREBASE_CUSTOM_TOKEN"`

	// Email and Password sign a user in
	Email    string `help:"User email" env:"FIREBASE_EMAIL"`
	Password string `help:"User password" env:"FIREBASE_PASSWORD"`

	// IDToken and RefreshToken seed an existing session
	IDToken      string `help:"Existing ID token" name:"id-token" env:"FIREBASE_ID_TOKEN"`
	RefreshToken string `help:"Refresh token of the existing ID token" name:"refresh-token" env:"FIREBASE_REFRESH_TOKEN"`

	// LegacyToken is a static database secret
	LegacyToken string `help:"Legacy database secret" name:"legacy-token" env:"FIREBASE_LEGACY_TOKEN"`
}

// Credentials builds the manager credentials.
func (c *CredentialsConfig) Credentials(ctx context.Context) (*tokenprovider.Credentials, error) {
	creds := &tokenprovider.Credentials{
		APIKey:      c.APIKey,
		UID:         c.UID,
		CustomToken: c.CustomToken,
		LegacyToken: c.LegacyToken,
	}

	switch {
	case c.ServiceAccountFile != "":
		sa, err := utils.ReadServiceAccountFile(c.ServiceAccountFile)
		if err != nil {
			return nil, err
		}
		creds.ServiceAccount = sa
	case c.PrivateKey != "":
		key, err := utils.ReadPrivateKey(c.PrivateKey)
		if err != nil {
			return nil, err
		}
		creds.ServiceAccount = &tokenprovider.ServiceAccount{
			ClientEmail:  c.ClientEmail,
			PrivateKeyID: c.PrivateKeyID,
			PrivateKey:   key,
		}
	case c.DefaultCredentials:
		sa, err := utils.DefaultServiceAccount(ctx)
		if err != nil {
			return nil, err
		}
		creds.ServiceAccount = sa
	}

	if c.Email != "" || c.Password != "" {
		creds.User = &tokenprovider.UserCredentials{Email: c.Email, Password: c.Password}
	}
	if c.IDToken != "" {
		creds.IDToken = &tokenprovider.IDTokenCredentials{IDToken: c.IDToken, RefreshToken: c.RefreshToken}
	}
	return creds, nil
}

// EndpointsConfig overrides the token issuer URLs
type EndpointsConfig struct {
	OAuth2TokenURL     string `help:"OAuth2 token endpoint" name:"oauth2-token-url" env:"FIREBASE_OAUTH2_TOKEN_URL"`
	SecureTokenURL     string `help:"Secure token endpoint" name:"secure-token-url" env:"FIREBASE_SECURE_TOKEN_URL"`
	IdentityToolkitURL string `help:"Identity Toolkit base URL" name:"identity-toolkit-url" env:"FIREBASE_IDENTITY_TOOLKIT_URL"`
}

// ManagerConfig tunes the token manager
type ManagerConfig struct {
	// TickInterval is the cadence of the state machine
	TickInterval time.Duration `help:"Interval between state machine ticks" default:"1s" env:"FIREBASE_TICK_INTERVAL"`

	// RequestTimeout bounds a single exchange
	RequestTimeout time.Duration `help:"Token request timeout" default:"30s" env:"FIREBASE_REQUEST_TIMEOUT"`

	// RefreshMargin is how long before expiry tokens are refreshed
	RefreshMargin time.Duration `help:"Refresh tokens this long before they expire" default:"5m" env:"FIREBASE_REFRESH_MARGIN"`

	// NoStaleToken stops serving the previous token after a failed refresh
	NoStaleToken bool `help:"Do not serve the previous token after a failed refresh" name:"no-stale-token"`
}

func (c *ManagerConfig) config(endpoints EndpointsConfig, logger log.Logger) tokenprovider.Config {
	cfg := tokenprovider.Config{
		Name:             appName,
		Logger:           logger,
		RequestTimeout:   c.RequestTimeout,
		PreRefreshMargin: c.RefreshMargin,
		Endpoints: tokenprovider.Endpoints{
			OAuth2TokenURL:     endpoints.OAuth2TokenURL,
			SecureTokenURL:     endpoints.SecureTokenURL,
			IdentityToolkitURL: endpoints.IdentityToolkitURL,
		},
	}
	if c.NoStaleToken {
		cfg.StalePolicy = tokenprovider.StaleNever
	}
	return cfg
}

// TokenCmdConfig prints a single token
type TokenCmdConfig struct {
	CredentialsConfig
	EndpointsConfig
	ManagerConfig

	// Timeout bounds the wait for the first token
	Timeout time.Duration `help:"Give up when no token was obtained within this time" default:"1m" env:"FIREBASE_TIMEOUT"`

	// Refresh also prints the refresh token
	Refresh bool `help:"Print the refresh token on a second line"`
}

// Run obtains a token and prints it.
func (c *TokenCmdConfig) Run() error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	creds, err := c.Credentials(ctx)
	if err != nil {
		return err
	}
	m := tokenprovider.NewManager(c.config(c.EndpointsConfig, newLogger()), creds)

	ctx, cancelTimeout := context.WithTimeout(ctx, c.Timeout)
	defer cancelTimeout()
	token, err := waitForToken(ctx, m, clockwork.NewRealClock(), c.TickInterval)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, token)
	if c.Refresh {
		fmt.Fprintln(os.Stdout, m.RefreshToken())
	}
	return nil
}

// WatchCmdConfig keeps a token refreshed
type WatchCmdConfig struct {
	CredentialsConfig
	EndpointsConfig
	ManagerConfig

	// MetricsAddr serves prometheus metrics when set
	MetricsAddr string `help:"Serve prometheus metrics on this address" name:"metrics-addr" env:"FIREBASE_METRICS_ADDR"`

	// Output receives each new token
	Output string `help:"Write every new token to this file" type:"path"`
}

// Run ticks the manager until interrupted.
func (c *WatchCmdConfig) Run() error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	logger := newLogger()
	creds, err := c.Credentials(ctx)
	if err != nil {
		return err
	}

	cfg := c.config(c.EndpointsConfig, logger)
	if c.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		cfg.Registerer = reg
		srv := &http.Server{Addr: c.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	m := tokenprovider.NewManager(cfg, creds)
	m.OnStatusChange(func(e tokenprovider.StatusEvent) {
		if e.Err != nil {
			logger.Warn("Token status", "status", e.Status.String(), "strategy", e.Type.String(), "terminal", e.Terminal, "error", e.Err)
			return
		}
		logger.Info("Token status", "status", e.Status.String(), "strategy", e.Type.String())
	})

	var out io.Writer = os.Stdout
	return watch(ctx, m, clockwork.NewRealClock(), c.TickInterval, func(token string) error {
		if c.Output != "" {
			return os.WriteFile(c.Output, []byte(token+"\n"), 0o600)
		}
		_, err := fmt.Fprintln(out, token)
		return err
	})
}

// SignUpCmdConfig registers a user
type SignUpCmdConfig struct {
	APIKey   string `help:"Firebase web API key" name:"api-key" required:"true" env:"FIREBASE_API_KEY"`
	Email    string `help:"User email, empty for an anonymous user" env:"FIREBASE_EMAIL"`
	Password string `help:"User password" env:"FIREBASE_PASSWORD"`

	EndpointsConfig
	ManagerConfig
}

// Run signs the user up and prints the issued ID and refresh tokens.
func (c *SignUpCmdConfig) Run() error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	m := tokenprovider.NewManager(c.config(c.EndpointsConfig, newLogger()), &tokenprovider.Credentials{APIKey: c.APIKey})
	resp, err := m.SignUp(ctx, c.Email, c.Password)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, resp.UserID)
	fmt.Fprintln(os.Stdout, resp.IDToken)
	fmt.Fprintln(os.Stdout, resp.RefreshToken)
	return nil
}

// DeleteAccountCmdConfig deletes a user
type DeleteAccountCmdConfig struct {
	CredentialsConfig
	EndpointsConfig
	ManagerConfig

	Timeout time.Duration `help:"Give up when no token was obtained within this time" default:"1m" env:"FIREBASE_TIMEOUT"`
}

// Run signs in with the configured credentials and deletes that user.
func (c *DeleteAccountCmdConfig) Run() error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	creds, err := c.Credentials(ctx)
	if err != nil {
		return err
	}
	m := tokenprovider.NewManager(c.config(c.EndpointsConfig, newLogger()), creds)

	waitCtx, cancelTimeout := context.WithTimeout(ctx, c.Timeout)
	defer cancelTimeout()
	if _, err := waitForToken(waitCtx, m, clockwork.NewRealClock(), c.TickInterval); err != nil {
		return err
	}
	return m.DeleteAccount(ctx, "")
}

// VersionCmd prints the version
type VersionCmd struct{}

// Run prints the version.
func (VersionCmd) Run() error {
	fmt.Printf("%v %v\n", appName, Version)
	return nil
}

// CLI represents command structure
type CLI struct {
	// Config is the path to configuration file
	Config kong.ConfigFlag `help:"Path to TOML configuration file" optional:"true" type:"existingfile" env:"FIREBASE_CONFIG"`

	// Version is the version print command
	Version VersionCmd `cmd:"true" help:"Print version"`

	// Token is the token print command
	Token TokenCmdConfig `cmd:"true" help:"Obtain a token and print it"`

	// Watch is the refresh loop command
	Watch WatchCmdConfig `cmd:"true" help:"Keep a token refreshed and print every new token"`

	// SignUp is the user registration command
	SignUp SignUpCmdConfig `cmd:"true" name:"sign-up" help:"Register a new user"`

	// DeleteAccount is the user deletion command
	DeleteAccount DeleteAccountCmdConfig `cmd:"true" name:"delete-account" help:"Sign in and delete the user"`
}

func newLogger() log.Logger {
	return log.New()
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// waitForToken ticks m every interval until it holds a token. It fails on a
// terminal error or when ctx is done.
func waitForToken(ctx context.Context, m *tokenprovider.Manager, clock clockwork.Clock, interval time.Duration) (string, error) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.Tick(ctx); err != nil && !errors.Is(err, tokenprovider.ErrTickInProgress) {
			return "", err
		}
		if token, ok := m.GetToken(); ok {
			return token, nil
		}
		if info := m.Info(); info.Terminal {
			return "", fmt.Errorf("%w: %v", tokenprovider.ErrTerminal, info.LastError)
		}
		if err := failedCredentials(m); err != nil {
			return "", err
		}

		select {
		case <-ctx.Done():
			if info := m.Info(); info.LastError != nil {
				return "", fmt.Errorf("no token obtained: %w", info.LastError)
			}
			return "", fmt.Errorf("no token obtained: %w", ctx.Err())
		case <-ticker.Chan():
		}
	}
}

// failedCredentials returns the configuration error of credentials that can
// never produce a token.
func failedCredentials(m *tokenprovider.Manager) error {
	if m.Info().Status != tokenprovider.StatusUninitialized {
		return nil
	}
	return m.CredentialsError()
}

// watch ticks m every interval until ctx is done and calls emit with every
// token that differs from the previous one.
func watch(ctx context.Context, m *tokenprovider.Manager, clock clockwork.Clock, interval time.Duration, emit func(string) error) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		if err := m.Tick(ctx); err != nil && !errors.Is(err, tokenprovider.ErrTickInProgress) {
			return err
		}
		if token, ok := m.GetToken(); ok && token != last {
			if err := emit(token); err != nil {
				return fmt.Errorf("failed to write token: %w", err)
			}
			last = token
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}
