package tokenprovider

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"golang.org/x/oauth2"
)

// TokenProvider is the capability handed to collaborators that only need to
// authorize their requests.
type TokenProvider interface {
	// GetToken returns the current token, or false while not authenticated.
	// It never blocks.
	GetToken() (string, bool)
	GetTokenType() AuthStrategy
	IsExpired() bool
}

var _ TokenProvider = (*Manager)(nil)

// Manager owns the lifecycle of a single short-lived token. Tick drives the
// state machine and must be called on a regular cadence by the host; readers
// may call the accessors concurrently and always observe a consistent
// snapshot.
type Manager struct {
	cfg       Config
	log       log.Logger
	clock     *ClockPolicy
	transport Transport
	metrics   *metrics
	errGate   *errorGate

	ticking       atomic.Bool
	online        atomic.Bool
	clockDegraded atomic.Bool
	info          atomic.Pointer[TokenInfo]

	mu          sync.Mutex // protects the fields below
	creds       *Credentials
	key         string
	generation  uint64
	credsErr    error
	deletedKey  string
	reportedKey string
	notifier    StatusNotifier

	// only accessed from Tick
	lastSyncAt    time.Time
	unsyncedSince time.Time
}

// NewManager returns a Manager for creds. The caller keeps ownership of creds
// and may replace it with SetCredentials between ticks.
func NewManager(cfg Config, creds *Credentials) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		clock:     NewClockPolicy(cfg.Clock, cfg.MinValidTime, cfg.PreRefreshMargin),
		transport: cfg.Transport,
		metrics:   newMetrics(cfg.Name, cfg.Registerer),
		errGate:   &errorGate{window: cfg.ErrorCallbackWindow},
		creds:     creds,
		notifier:  cfg.Notifier,
	}
	m.online.Store(true)
	m.info.Store(&TokenInfo{})
	m.checkAuthTypeChanged()
	return m
}

// Info returns the current token snapshot.
func (m *Manager) Info() TokenInfo {
	return *m.info.Load()
}

// GetToken implements TokenProvider.
func (m *Manager) GetToken() (string, bool) {
	info := m.info.Load()
	token := m.usableToken(info)
	return token, token != ""
}

// GetTokenType implements TokenProvider.
func (m *Manager) GetTokenType() AuthStrategy {
	return m.info.Load().Type
}

// IsExpired implements TokenProvider. A token whose expiry cannot be judged
// yet because the clock is unsynchronized is not reported as expired.
func (m *Manager) IsExpired() bool {
	info := m.info.Load()
	if m.usableToken(info) == "" {
		return true
	}
	return m.expired(info)
}

// RefreshToken returns the refresh token held for the current identity.
func (m *Manager) RefreshToken() string {
	return m.info.Load().RefreshToken
}

// Token returns the current token as an oauth2.Token.
func (m *Manager) Token() (*oauth2.Token, error) {
	info := m.info.Load()
	token := m.usableToken(info)
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	return &oauth2.Token{
		AccessToken:  token,
		TokenType:    "Bearer",
		RefreshToken: info.RefreshToken,
		Expiry:       info.ExpiresAt,
	}, nil
}

// TokenSource adapts the manager to oauth2.TokenSource. Token never blocks
// and returns ErrNotAuthenticated until the manager holds a token.
func (m *Manager) TokenSource() oauth2.TokenSource {
	return m
}

// CredentialsError returns why the current credentials cannot produce a
// token, or nil.
func (m *Manager) CredentialsError() error {
	_, err := m.credentials()
	return err
}

// SetCredentials replaces the credentials. When the strategy or any secret
// changed, the current token and in-flight exchanges are discarded.
func (m *Manager) SetCredentials(creds *Credentials) {
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
	m.checkAuthTypeChanged()
}

// OnStatusChange registers fn as the status callback.
func (m *Manager) OnStatusChange(fn func(StatusEvent)) {
	m.SetStatusNotifier(StatusFunc(fn))
}

// SetStatusNotifier registers the status sink.
func (m *Manager) SetStatusNotifier(n StatusNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// GetTime returns the corrected clock.
func (m *Manager) GetTime() time.Time {
	return m.clock.Now()
}

// SetTime sets the corrected clock, for hosts that learn the time out of band.
func (m *Manager) SetTime(ts time.Time) error {
	delta, err := m.clock.SetTime(ts)
	if err != nil {
		return err
	}
	m.rebase(delta)
	return nil
}

// SetNetworkStatus acknowledges the host network state. No exchange is
// started while offline.
func (m *Manager) SetNetworkStatus(online bool) {
	m.online.Store(online)
}

// Reset clears a terminal failure so the next tick retries with the current credentials.
func (m *Manager) Reset() {
	m.update(func(n *TokenInfo) bool {
		if !n.Terminal && n.Status != StatusError {
			return false
		}
		n.Terminal = false
		n.Attempts, n.transportAttempts, n.serviceAttempts = 0, 0, 0
		n.LastErrorAt = time.Time{}
		return true
	})
	m.errGate.reset()
}

func (m *Manager) usableToken(info *TokenInfo) string {
	var token string
	switch {
	case info.hasToken():
		token = info.AccessToken
	case info.StaleToken != "" && m.cfg.StalePolicy == StaleUntilExpiry &&
		(info.Status == StatusError || info.Status == StatusRequesting):
		token = info.StaleToken
	}
	if token == "" || m.expired(info) {
		return ""
	}
	return token
}

// expired reports whether info is past its expiry. Without a synchronized
// clock the expiry is undeterminable unless synchronization timed out, in
// which case the local clock is trusted.
func (m *Manager) expired(info *TokenInfo) bool {
	if info.ExpiresAt.IsZero() {
		return false
	}
	if !m.clock.IsSynchronized() && !m.clockDegraded.Load() {
		return false
	}
	return !m.clock.Now().Before(info.ExpiresAt)
}

// state returns the snapshot together with the credentials it was derived
// from. The snapshot is replaced under m.mu whenever the credentials change.
func (m *Manager) state() (*TokenInfo, *Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.Load(), m.creds, m.credsErr
}

func (m *Manager) credentials() (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, m.credsErr
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// checkAuthTypeChanged resets the token state when the credentials changed
// since the state was derived. It reports whether a reset happened.
func (m *Manager) checkAuthTypeChanged() bool {
	m.mu.Lock()
	key := createCacheKey(m.creds)
	if key == m.key {
		m.mu.Unlock()
		return false
	}
	initial := m.key == ""
	m.key = key
	m.generation++
	m.credsErr = ValidateCredentials(m.creds)
	if m.credsErr == nil && key == m.deletedKey {
		m.credsErr = &ConfigError{Strategy: ResolveStrategy(m.creds), Reason: "account was deleted"}
	}

	info := &TokenInfo{
		Type:       ResolveStrategy(m.creds),
		Status:     StatusUninitialized,
		Generation: m.generation,
	}
	if m.credsErr == nil {
		m.seed(info, m.creds)
	}
	m.store(info)
	m.mu.Unlock()

	m.errGate.reset()
	if !initial {
		m.log.Info("Credentials changed, discarding token state", "manager", m.cfg.Name, "strategy", info.Type.String())
	}
	m.notify(StatusEvent{Status: info.Status, Type: info.Type, Time: m.clock.Now()})
	return true
}

// seed derives a ready token for strategies that need no exchange.
func (m *Manager) seed(info *TokenInfo, creds *Credentials) {
	now := m.clock.Now()
	switch info.Type {
	case StrategyLegacy:
		info.Status = StatusReady
		info.AccessToken = creds.LegacyToken
		info.IssuedAt = now
	case StrategyIDToken:
		lifetime := creds.IDToken.ExpiresIn
		if lifetime <= 0 {
			lifetime = defaultIDTokenLifetime
		}
		info.Status = StatusReady
		info.AccessToken = creds.IDToken.IDToken
		info.RefreshToken = creds.IDToken.RefreshToken
		info.IssuedAt = now
		info.ExpiresAt = now.Add(lifetime)
	}
}

// store replaces the snapshot unconditionally. Callers hold m.mu.
func (m *Manager) store(info *TokenInfo) {
	prev := m.info.Swap(info)
	if prev == nil || prev.Status != info.Status {
		m.metrics.observeInfo(info)
	}
}

// update applies fn to a copy of the current snapshot and atomically
// publishes it. fn may run more than once and returns false to abort.
func (m *Manager) update(fn func(next *TokenInfo) bool) (*TokenInfo, bool) {
	for {
		cur := m.info.Load()
		next := *cur
		if !fn(&next) {
			return cur, false
		}
		if m.info.CompareAndSwap(cur, &next) {
			if cur.Status != next.Status {
				m.metrics.observeInfo(&next)
			}
			return &next, true
		}
	}
}

// updateGen is update restricted to the snapshot of generation gen, so results
// of superseded credentials are never applied.
func (m *Manager) updateGen(gen uint64, fn func(next *TokenInfo) bool) (*TokenInfo, bool) {
	return m.update(func(next *TokenInfo) bool {
		if next.Generation != gen {
			return false
		}
		return fn(next)
	})
}

// rebase shifts the recorded timestamps after the corrected clock moved by delta.
func (m *Manager) rebase(delta time.Duration) {
	if delta == 0 {
		return
	}
	shift := func(t *time.Time) {
		if !t.IsZero() {
			*t = t.Add(delta)
		}
	}
	m.update(func(n *TokenInfo) bool {
		shift(&n.IssuedAt)
		shift(&n.ExpiresAt)
		shift(&n.LastRequestAt)
		shift(&n.LastErrorAt)
		return true
	})
	m.log.Info("Clock adjusted", "manager", m.cfg.Name, "offset", m.clock.Offset().String())
}

func (m *Manager) notify(e StatusEvent) {
	m.mu.Lock()
	n := m.notifier
	m.mu.Unlock()
	if n != nil {
		n.NotifyStatus(e)
	}
}
