// Package metrics defines the Prometheus counters exposed by the identity
// provider core, grounded on dexidp/dex's server.Config.PrometheusRegistry
// wiring (server/server.go) which instruments its HTTP handlers with a
// request counter/duration/size histogram trio.
//
// This core instruments the domain events (logins, code exchanges,
// refreshes, tokens issued by kind) rather than generic HTTP timings,
// since those are the operations whose outcome distribution matters for
// an identity provider's operators.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters registered against a single
// prometheus.Registry.
type Metrics struct {
	LoginOutcomes    *prometheus.CounterVec
	CodeExchanges    *prometheus.CounterVec
	RefreshOutcomes  *prometheus.CounterVec
	TokensIssued     *prometheus.CounterVec
}

// New registers the core's metrics against reg and returns the handle used
// to record them. Callers that don't care about metrics (e.g. unit tests)
// may pass prometheus.NewRegistry() and discard the registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "login_outcomes_total",
			Help:      "Count of /auth/login attempts by outcome.",
		}, []string{"outcome"}),
		CodeExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "code_exchanges_total",
			Help:      "Count of /oauth/token authorization_code exchanges by outcome.",
		}, []string{"outcome"}),
		RefreshOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "refresh_outcomes_total",
			Help:      "Count of /auth/refresh attempts by outcome.",
		}, []string{"outcome"}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idp",
			Name:      "tokens_issued_total",
			Help:      "Count of JWTs issued by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.LoginOutcomes, m.CodeExchanges, m.RefreshOutcomes, m.TokensIssued)
	return m
}
