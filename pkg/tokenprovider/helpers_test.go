package tokenprovider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyPEM  string
)

// testPrivateKey returns a PKCS#8 PEM encoded RSA key shared by the package tests.
func testPrivateKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			panic(err)
		}
		testKey = key
		testKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	})
	return testKey, testKeyPEM
}

var (
	syncedTime   = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	unsyncedTime = time.Unix(1000, 0).UTC()
)

// decodeClaims returns the claim set of a compact JWS, private claims included.
func decodeClaims(t *testing.T, token string) map[string]interface{} {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	claims := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims
}

func serviceAccountCreds(t *testing.T) *Credentials {
	_, key := testPrivateKey(t)
	return &Credentials{
		APIKey: "test-api-key",
		ServiceAccount: &ServiceAccount{
			ClientEmail:  "sa@project-123.iam.gserviceaccount.com",
			PrivateKeyID: "key-1",
			PrivateKey:   key,
			ProjectID:    "project-123",
		},
	}
}

func userCreds() *Credentials {
	return &Credentials{
		APIKey: "test-api-key",
		User:   &UserCredentials{Email: "user@test.com", Password: "secret"},
	}
}

// fakeTransport records every request and answers through exchange.
type fakeTransport struct {
	mu       sync.Mutex
	requests []TokenRequest
	probes   int

	exchange   func(ctx context.Context, req TokenRequest) (*TokenResponse, error)
	serverTime func(ctx context.Context) (time.Time, error)
}

func (f *fakeTransport) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.exchange
	f.mu.Unlock()
	if fn == nil {
		return nil, &TransportError{Kind: TransportConnection}
	}
	return fn(ctx, req)
}

func (f *fakeTransport) ServerTime(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	f.probes++
	fn := f.serverTime
	f.mu.Unlock()
	if fn == nil {
		return time.Time{}, &TransportError{Kind: TransportConnection}
	}
	return fn(ctx)
}

func (f *fakeTransport) Requests() []TokenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TokenRequest(nil), f.requests...)
}

func (f *fakeTransport) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// tokenSequence answers with token-1, token-2, ... valid for lifetime.
func tokenSequence(lifetime time.Duration) func(context.Context, TokenRequest) (*TokenResponse, error) {
	var mu sync.Mutex
	n := 0
	return func(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return &TokenResponse{
			AccessToken:  fmt.Sprintf("token-%d", n),
			RefreshToken: fmt.Sprintf("refresh-%d", n),
			ExpiresIn:    lifetime,
		}, nil
	}
}

// eventRecorder collects status events.
type eventRecorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *eventRecorder) NotifyStatus(e StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) Statuses() []TokenStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TokenStatus
	for _, e := range r.events {
		if e.Err == nil {
			out = append(out, e.Status)
		}
	}
	return out
}

func (r *eventRecorder) Errors() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StatusEvent
	for _, e := range r.events {
		if e.Err != nil {
			out = append(out, e)
		}
	}
	return out
}

type testManager struct {
	*Manager
	clock     clockwork.FakeClock
	transport *fakeTransport
	events    *eventRecorder
}

func newTestManager(t *testing.T, start time.Time, creds *Credentials, opts ...func(*Config)) *testManager {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	transport := &fakeTransport{}
	events := &eventRecorder{}
	cfg := Config{
		Name:      t.Name(),
		Clock:     clock,
		Transport: transport,
		Notifier:  events,
		Endpoints: Endpoints{OAuth2TokenURL: "https://oauth2.test/token"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &testManager{
		Manager:   NewManager(cfg, creds),
		clock:     clock,
		transport: transport,
		events:    events,
	}
}

func (tm *testManager) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, tm.Tick(context.Background()))
}
