package tokenprovider

import (
	"net/http"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultRequestTimeout       = 30 * time.Second
	defaultWatchdogGrace        = 5 * time.Second
	defaultPreRefreshMargin     = 300 * time.Second
	defaultAssertionLifetime    = time.Hour
	defaultRetryInterval        = 5 * time.Second
	defaultMaxRetryInterval     = 5 * time.Minute
	defaultMaxTransportAttempts = 10
	defaultMaxServiceAttempts   = 3
	defaultSyncInterval         = 15 * time.Second
	defaultSyncTimeout          = 2 * time.Minute
	defaultErrorCallbackWindow  = 10 * time.Second
	defaultIDTokenLifetime      = time.Hour
)

// defaultMinValidTime is the earliest wall-clock time trusted as synchronized.
var defaultMinValidTime = time.Unix(1618971013, 0)

var defaultScopes = []string{
	"https://www.googleapis.com/auth/devstorage.full_control",
	"https://www.googleapis.com/auth/datastore",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/firebase.database",
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/iam",
}

// Config is the configuration of a Manager.
type Config struct {
	// Name labels the manager in logs and metrics.
	Name string

	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Transport defaults to an HTTPTransport built from HTTPClient and Endpoints.
	Transport  Transport
	HTTPClient *http.Client
	Endpoints  Endpoints

	// Scopes requested by the service account assertion.
	Scopes []string

	Logger     log.Logger
	Registerer prometheus.Registerer
	Notifier   StatusNotifier

	RequestTimeout time.Duration
	// WatchdogGrace is added to RequestTimeout before a hung exchange is abandoned.
	WatchdogGrace     time.Duration
	PreRefreshMargin  time.Duration
	AssertionLifetime time.Duration

	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	// MaxTransportAttempts bounds consecutive transport failures before the
	// failure becomes terminal.
	MaxTransportAttempts int
	// MaxServiceAttempts bounds consecutive issuer rejections.
	MaxServiceAttempts int

	SyncInterval        time.Duration
	SyncTimeout         time.Duration
	ErrorCallbackWindow time.Duration
	MinValidTime        time.Time

	StalePolicy StalePolicy
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaultScopes
	}
	if cfg.Logger == nil {
		cfg.Logger = log.DefaultLogger
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.WatchdogGrace <= 0 {
		cfg.WatchdogGrace = defaultWatchdogGrace
	}
	if cfg.PreRefreshMargin <= 0 {
		cfg.PreRefreshMargin = defaultPreRefreshMargin
	}
	if cfg.AssertionLifetime <= 0 || cfg.AssertionLifetime > defaultAssertionLifetime {
		cfg.AssertionLifetime = defaultAssertionLifetime
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = defaultMaxRetryInterval
		if cfg.MaxRetryInterval < cfg.RetryInterval {
			cfg.MaxRetryInterval = cfg.RetryInterval
		}
	}
	if cfg.MaxTransportAttempts <= 0 {
		cfg.MaxTransportAttempts = defaultMaxTransportAttempts
	}
	if cfg.MaxServiceAttempts <= 0 {
		cfg.MaxServiceAttempts = defaultMaxServiceAttempts
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	if cfg.ErrorCallbackWindow <= 0 {
		cfg.ErrorCallbackWindow = defaultErrorCallbackWindow
	}
	if cfg.MinValidTime.IsZero() {
		cfg.MinValidTime = defaultMinValidTime
	}
	cfg.Endpoints = cfg.Endpoints.withDefaults()
	if cfg.Transport == nil {
		cfg.Transport = NewHTTPTransport(cfg.HTTPClient, cfg.Endpoints)
	}
	return cfg
}
