package tokenprovider

import (
	"context"
	"fmt"
)

// DeleteAccount deletes the user owning idToken. An empty idToken deletes the
// user currently signed in. Deleting the current user clears the token state
// and the credentials of that identity are not used again until replaced.
func (m *Manager) DeleteAccount(ctx context.Context, idToken string) error {
	info := m.Info()
	current := m.usableToken(&info)
	if idToken == "" && info.Type != StrategyServiceAccount && info.Type != StrategyLegacy {
		idToken = current
	}
	if idToken == "" {
		return &ConfigError{Strategy: info.Type, Reason: "id token is required to delete an account"}
	}

	creds, _ := m.credentials()
	if creds == nil || creds.APIKey == "" {
		return &ConfigError{Strategy: info.Type, Reason: "api key is required to delete an account"}
	}

	req := DeleteAccount{APIKey: creds.APIKey, IDToken: idToken}
	_, err := m.await(ctx, func(ctx context.Context) (*TokenResponse, error) {
		return m.transport.Exchange(ctx, req)
	})
	m.metrics.observeExchange(req, err)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	m.log.Info("Account deleted", "manager", m.cfg.Name)

	if idToken != current {
		return nil
	}

	m.mu.Lock()
	if m.generation != info.Generation {
		m.mu.Unlock()
		return nil
	}
	m.deletedKey = m.key
	m.generation++
	m.credsErr = &ConfigError{Strategy: info.Type, Reason: "account was deleted"}
	next := &TokenInfo{Type: info.Type, Status: StatusUninitialized, Generation: m.generation}
	m.store(next)
	m.mu.Unlock()

	m.notify(StatusEvent{Status: next.Status, Type: next.Type, Time: m.clock.Now()})
	return nil
}

// SignUp registers a new user with email and password, or an anonymous user
// when both are empty. When the manager is configured for the same user and
// holds no token yet, the issued token is adopted.
func (m *Manager) SignUp(ctx context.Context, email, password string) (*TokenResponse, error) {
	creds, _ := m.credentials()
	if creds == nil || creds.APIKey == "" {
		return nil, &ConfigError{Strategy: StrategyUserAccount, Reason: "api key is required to sign up"}
	}
	if (email == "") != (password == "") {
		return nil, &ConfigError{Strategy: StrategyUserAccount, Reason: "email and password must be set together"}
	}

	req := PasswordGrant{
		APIKey:            creds.APIKey,
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
		SignUp:            true,
	}
	resp, err := m.await(ctx, func(ctx context.Context) (*TokenResponse, error) {
		return m.transport.Exchange(ctx, req)
	})
	m.metrics.observeExchange(req, err)
	if err != nil {
		return nil, fmt.Errorf("failed to sign up: %w", err)
	}
	m.adjustClock(resp.ServerTime)

	info := m.Info()
	if email != "" && info.Type == StrategyUserAccount && creds.User != nil && creds.User.Email == email && !info.hasToken() {
		m.handleTokenResponse(info.Generation, resp)
	}
	return resp, nil
}
