package tokenprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tick advances the state machine by one step. It starts at most one exchange
// and waits for it, bounded by the request timeout and a watchdog. Exchange
// failures are absorbed into the token state and reported through the status
// notifier; Tick itself only fails when called concurrently.
func (m *Manager) Tick(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("parameter 'ctx' cannot be nil")
	}
	if !m.ticking.CompareAndSwap(false, true) {
		return ErrTickInProgress
	}
	defer m.ticking.Store(false)

	m.checkAuthTypeChanged()
	m.checkClock()

	info, creds, credsErr := m.state()
	if credsErr != nil {
		m.reportConfigError(info, credsErr)
		return nil
	}
	if !m.online.Load() {
		return nil
	}

	switch info.Status {
	case StatusUninitialized, StatusError:
		if m.readyToRequest(info) {
			m.requestToken(ctx, info, creds)
		}
	case StatusReady:
		if m.readyToRefresh(info) {
			m.refreshToken(ctx, info, creds)
		} else if !m.clock.IsSynchronized() && m.readyToSync() {
			m.syncClock(ctx)
		}
	}
	return nil
}

// readyToRequest reports whether a new request may start: either nothing
// failed yet or the backoff after the last failure elapsed.
func (m *Manager) readyToRequest(info *TokenInfo) bool {
	if info.Terminal {
		return false
	}
	if info.LastErrorAt.IsZero() {
		return true
	}
	return !m.clock.Now().Before(info.LastErrorAt.Add(m.retryBackoff(info.Attempts)))
}

// retryBackoff doubles the retry interval per consecutive failure up to the cap.
func (m *Manager) retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := m.cfg.RetryInterval
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.MaxRetryInterval {
			return m.cfg.MaxRetryInterval
		}
	}
	return d
}

// readyToRefresh reports whether the token entered its pre-refresh window.
// Early refresh needs a synchronized clock; once synchronization timed out
// the token is only renewed at its actual expiry.
func (m *Manager) readyToRefresh(info *TokenInfo) bool {
	if info.ExpiresAt.IsZero() {
		return false
	}
	now := m.clock.Now()
	if m.clock.IsSynchronized() {
		return !now.Before(m.clock.RefreshAt(info.IssuedAt, info.ExpiresAt))
	}
	return m.clockDegraded.Load() && !now.Before(info.ExpiresAt)
}

func (m *Manager) readyToSync() bool {
	return m.lastSyncAt.IsZero() || m.cfg.Clock.Since(m.lastSyncAt) >= m.cfg.SyncInterval
}

func (m *Manager) isSyncTimeOut() bool {
	return !m.unsyncedSince.IsZero() && m.cfg.Clock.Since(m.unsyncedSince) >= m.cfg.SyncTimeout
}

// checkClock tracks how long the clock has been unsynchronized and warns once
// when it exceeds the sync timeout.
func (m *Manager) checkClock() {
	if m.clock.IsSynchronized() {
		m.unsyncedSince = time.Time{}
		m.clockDegraded.Store(false)
		return
	}
	if m.unsyncedSince.IsZero() {
		m.unsyncedSince = m.cfg.Clock.Now()
		return
	}
	if m.clockDegraded.Load() || !m.isSyncTimeOut() {
		return
	}
	m.clockDegraded.Store(true)
	err := &ClockError{Reason: fmt.Sprintf("no trusted time after %s", m.cfg.SyncTimeout)}
	m.log.Warn("Clock synchronization timed out, early refresh disabled", "manager", m.cfg.Name)
	info := m.info.Load()
	m.notify(StatusEvent{Status: info.Status, Type: info.Type, Err: err, Time: m.clock.Now()})
}

func (m *Manager) syncClock(ctx context.Context) {
	m.lastSyncAt = m.cfg.Clock.Now()
	resp, err := m.await(ctx, func(ctx context.Context) (*TokenResponse, error) {
		ts, err := m.transport.ServerTime(ctx)
		if err != nil {
			return nil, err
		}
		return &TokenResponse{ServerTime: ts}, nil
	})
	if err != nil {
		m.log.Debug("Time probe failed", "manager", m.cfg.Name, "error", err)
		return
	}
	m.adjustClock(resp.ServerTime)
}

func (m *Manager) adjustClock(ts time.Time) {
	if ts.IsZero() {
		return
	}
	m.rebase(m.clock.Adjust(ts))
}

// requestToken starts a request from scratch for the resolved strategy.
func (m *Manager) requestToken(ctx context.Context, info *TokenInfo, creds *Credentials) {
	req, err := m.buildRequest(info, creds)
	if err != nil {
		m.handleTaskError(info.Generation, nil, err, false)
		return
	}
	m.runExchange(ctx, info, req, StatusRequesting)
}

// refreshToken renews a ready token. Strategies without a refresh path are
// re-requested from scratch once the token actually expired.
func (m *Manager) refreshToken(ctx context.Context, info *TokenInfo, creds *Credentials) {
	switch {
	case info.Type == StrategyServiceAccount:
		req, err := m.buildRequest(info, creds)
		if err != nil {
			m.handleTaskError(info.Generation, nil, err, true)
			return
		}
		m.runExchange(ctx, info, req, StatusRefreshing)
	case info.RefreshToken != "" && creds.APIKey != "":
		m.runExchange(ctx, info, RefreshGrant{APIKey: creds.APIKey, RefreshToken: info.RefreshToken}, StatusRefreshing)
	case !m.clock.Now().Before(info.ExpiresAt):
		m.requestToken(ctx, info, creds)
	}
}

// buildRequest prepares the grant for strategy. A held refresh token is
// preferred over the primary credentials.
func (m *Manager) buildRequest(info *TokenInfo, creds *Credentials) (TokenRequest, error) {
	if info.RefreshToken != "" && info.Type != StrategyServiceAccount && creds.APIKey != "" {
		return RefreshGrant{APIKey: creds.APIKey, RefreshToken: info.RefreshToken}, nil
	}

	missing := func(what string) error {
		return &ConfigError{Strategy: info.Type, Reason: what + " is missing"}
	}
	now := m.clock.Now()
	switch info.Type {
	case StrategyServiceAccount:
		sa := creds.ServiceAccount
		if sa == nil {
			return nil, missing("service account")
		}
		tokenURL := sa.TokenURI
		if tokenURL == "" {
			tokenURL = m.cfg.Endpoints.OAuth2TokenURL
		}
		claims := serviceAccountClaims(sa, tokenURL, m.cfg.Scopes, now, m.cfg.AssertionLifetime)
		assertion, err := BuildAssertion(claims, sa.PrivateKeyID, []byte(sa.PrivateKey))
		if err != nil {
			return nil, err
		}
		return AssertionGrant{Assertion: assertion, TokenURL: sa.TokenURI}, nil
	case StrategyCustom:
		token := creds.CustomToken
		if token == "" {
			sa := creds.ServiceAccount
			if sa == nil {
				return nil, missing("service account")
			}
			claims := customTokenClaims(sa, creds.UID, creds.DeveloperClaims, now, m.cfg.AssertionLifetime)
			var err error
			if token, err = BuildAssertion(claims, sa.PrivateKeyID, []byte(sa.PrivateKey)); err != nil {
				return nil, err
			}
		}
		return CustomTokenGrant{APIKey: creds.APIKey, CustomToken: token}, nil
	case StrategyUserAccount:
		if creds.User == nil {
			return nil, missing("user account")
		}
		return PasswordGrant{
			APIKey:            creds.APIKey,
			Email:             creds.User.Email,
			Password:          creds.User.Password,
			ReturnSecureToken: true,
		}, nil
	case StrategyIDToken:
		if creds.IDToken == nil {
			return nil, missing("id token")
		}
		if creds.IDToken.RefreshToken == "" || creds.APIKey == "" {
			return nil, &ConfigError{Strategy: info.Type, Reason: "id token expired and no refresh token is available"}
		}
		return RefreshGrant{APIKey: creds.APIKey, RefreshToken: creds.IDToken.RefreshToken}, nil
	}
	return nil, &ConfigError{Strategy: info.Type, Reason: "strategy does not request tokens"}
}

// runExchange publishes the pending status, performs the exchange and applies
// its result unless the credentials changed meanwhile.
func (m *Manager) runExchange(ctx context.Context, info *TokenInfo, req TokenRequest, pending TokenStatus) {
	gen := info.Generation
	now := m.clock.Now()
	started, ok := m.updateGen(gen, func(n *TokenInfo) bool {
		n.Status = pending
		n.LastRequestAt = now
		if pending == StatusRequesting {
			n.AccessToken = ""
		}
		return true
	})
	if !ok {
		return
	}
	m.notify(StatusEvent{Status: pending, Type: started.Type, Time: now})

	reqID := uuid.NewString()
	m.log.Debug("Starting token exchange", "manager", m.cfg.Name, "request", reqID,
		"grant", req.grantType(), "strategy", started.Type.String())

	resp, err := m.await(ctx, func(ctx context.Context) (*TokenResponse, error) {
		return m.transport.Exchange(ctx, req)
	})
	m.metrics.observeExchange(req, err)
	m.adjustClock(observedServerTime(resp, err))

	if m.currentGeneration() != gen {
		m.log.Debug("Discarding token exchange of superseded credentials", "manager", m.cfg.Name, "request", reqID)
		return
	}
	if err != nil {
		m.handleTaskError(gen, req, err, pending == StatusRefreshing)
		return
	}
	m.handleTokenResponse(gen, resp)
}

// handleTokenResponse moves to Ready with the issued token.
func (m *Manager) handleTokenResponse(gen uint64, resp *TokenResponse) bool {
	now := m.clock.Now()
	next, ok := m.updateGen(gen, func(n *TokenInfo) bool {
		n.Status = StatusReady
		n.AccessToken = resp.bearer()
		if resp.RefreshToken != "" {
			n.RefreshToken = resp.RefreshToken
		}
		n.StaleToken = ""
		n.IssuedAt = now
		n.ExpiresAt = now.Add(resp.ExpiresIn)
		n.LastError = nil
		n.LastErrorCode = 0
		n.LastErrorAt = time.Time{}
		n.Attempts, n.transportAttempts, n.serviceAttempts = 0, 0, 0
		n.Terminal = false
		return true
	})
	if !ok {
		return false
	}
	m.errGate.reset()
	m.log.Info("Token ready", "manager", m.cfg.Name, "strategy", next.Type.String(), "expiresIn", resp.ExpiresIn.String())
	m.notify(StatusEvent{Status: StatusReady, Type: next.Type, Time: now})
	return true
}

// handleTaskError moves to Error and decides whether the failure is retried.
// Transport failures and issuer side errors are retried up to
// MaxTransportAttempts, rejections up to MaxServiceAttempts, and
// configuration or signing failures are terminal at once.
func (m *Manager) handleTaskError(gen uint64, req TokenRequest, err error, refreshing bool) {
	class := classify(err)
	now := m.clock.Now()
	next, ok := m.updateGen(gen, func(n *TokenInfo) bool {
		if refreshing && n.AccessToken != "" {
			n.StaleToken = n.AccessToken
		}
		if m.cfg.StalePolicy == StaleNever {
			n.StaleToken = ""
		}
		n.AccessToken = ""
		n.Status = StatusError
		n.LastError = err
		n.LastErrorAt = now
		n.LastErrorCode = errorCode(err)
		n.Attempts++
		switch class {
		case classFatal:
			n.Terminal = true
		case classService:
			n.serviceAttempts++
			if _, ok := req.(RefreshGrant); ok {
				n.RefreshToken = ""
			}
			n.Terminal = n.serviceAttempts >= m.cfg.MaxServiceAttempts
		default:
			n.transportAttempts++
			n.Terminal = n.transportAttempts >= m.cfg.MaxTransportAttempts
		}
		return true
	})
	if !ok {
		return
	}

	m.log.Warn("Token exchange failed", "manager", m.cfg.Name, "strategy", next.Type.String(),
		"attempt", next.Attempts, "terminal", next.Terminal, "error", err)
	if next.Terminal {
		err = fmt.Errorf("%w: %v", ErrTerminal, err)
	}
	m.notifyError(next, err)
}

// notifyError delivers an error event unless the same error was reported
// within the error callback window.
func (m *Manager) notifyError(info *TokenInfo, err error) {
	key := fmt.Sprintf("%d/%t/%v", info.Status, info.Terminal, err)
	if !m.errGate.allow(key, m.cfg.Clock.Now()) {
		return
	}
	m.notify(StatusEvent{Status: info.Status, Type: info.Type, Err: err, Terminal: info.Terminal, Time: m.clock.Now()})
}

// reportConfigError surfaces invalid credentials once per credential set.
func (m *Manager) reportConfigError(info *TokenInfo, err error) {
	m.mu.Lock()
	if m.reportedKey == m.key {
		m.mu.Unlock()
		return
	}
	m.reportedKey = m.key
	m.mu.Unlock()

	m.log.Error("Invalid credentials", "manager", m.cfg.Name, "error", err)
	m.notify(StatusEvent{Status: info.Status, Type: info.Type, Err: err, Terminal: true, Time: m.clock.Now()})
}

type exchangeResult struct {
	resp *TokenResponse
	err  error
}

// await runs fn under the request timeout. The watchdog abandons fn when the
// transport does not honour its context; the abandoned result is dropped.
func (m *Manager) await(ctx context.Context, fn func(context.Context) (*TokenResponse, error)) (*TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	done := make(chan exchangeResult, 1)
	go func() {
		var res exchangeResult
		defer func() {
			if p := recover(); p != nil {
				res = exchangeResult{err: &TransportError{Kind: TransportConnection, Err: fmt.Errorf("transport panicked: %v", p)}}
			}
			done <- res
		}()
		res.resp, res.err = fn(ctx)
	}()

	watchdog := m.cfg.Clock.NewTimer(m.cfg.RequestTimeout + m.cfg.WatchdogGrace)
	defer watchdog.Stop()

	select {
	case res := <-done:
		if res.err == nil && res.resp == nil {
			res.err = &TransportError{Kind: TransportMalformed, Err: errors.New("empty token response")}
		}
		return res.resp, res.err
	case <-watchdog.Chan():
		return nil, &TransportError{Kind: TransportTimeout, Err: errors.New("exchange abandoned by watchdog")}
	}
}

func observedServerTime(resp *TokenResponse, err error) time.Time {
	if resp != nil {
		return resp.ServerTime
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.ServerTime
	}
	return time.Time{}
}
