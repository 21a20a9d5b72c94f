package agent

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the Prometheus counters the credential agent emits for
// token-refresh outcomes. A nil *Metrics is valid and simply disables
// instrumentation.
type Metrics struct {
	refreshTotal *prometheus.CounterVec
}

// NewMetrics constructs Metrics and registers its collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	refreshTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "azbase",
		Subsystem: "credential_agent",
		Name:      "refresh_total",
		Help:      "Count of scheduled token refresh attempts by credential name and outcome.",
	}, []string{"name", "outcome"})

	if reg != nil {
		if err := reg.Register(refreshTotal); err != nil {
			return nil, err
		}
	}
	return &Metrics{refreshTotal: refreshTotal}, nil
}

// ObserveRefresh increments the refresh counter for name, labeled by outcome.
func (m *Metrics) ObserveRefresh(name string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.refreshTotal.WithLabelValues(name, outcome).Inc()
}
