package tokenprovider

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	exchanges   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	expiry      prometheus.Gauge
}

func newMetrics(name string, reg prometheus.Registerer) *metrics {
	labels := prometheus.Labels{"manager": name}
	m := &metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "firebase_auth",
			Name:        "token_exchanges_total",
			Help:        "Token endpoint exchanges by grant and result.",
			ConstLabels: labels,
		}, []string{"grant", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "firebase_auth",
			Name:        "token_status_transitions_total",
			Help:        "Token status transitions by target status.",
			ConstLabels: labels,
		}, []string{"status"}),
		expiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "firebase_auth",
			Name:        "token_expiry_timestamp_seconds",
			Help:        "Expiry of the current token as a unix timestamp, 0 when unknown.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		m.exchanges = register(reg, m.exchanges).(*prometheus.CounterVec)
		m.transitions = register(reg, m.transitions).(*prometheus.CounterVec)
		m.expiry = register(reg, m.expiry).(prometheus.Gauge)
	}
	return m
}

// register returns the already registered collector when an identical one exists.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}

func (m *metrics) observeExchange(req TokenRequest, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.exchanges.WithLabelValues(req.grantType(), result).Inc()
}

func (m *metrics) observeInfo(info *TokenInfo) {
	m.transitions.WithLabelValues(info.Status.String()).Inc()
	if info.hasToken() && !info.ExpiresAt.IsZero() {
		m.expiry.Set(float64(info.ExpiresAt.Unix()))
	} else {
		m.expiry.Set(0)
	}
}
