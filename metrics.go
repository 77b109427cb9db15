package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline stage that settled a decision, used as a metric label.
const (
	stageDenyPolicy  = "deny_policy"
	stageRole        = "role"
	stageAllowPolicy = "allow_policy"
	stageConsent     = "consent"
	stageEmergency   = "emergency"
	stageError       = "error"
	stageCache       = "cache"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	decisions    *prometheus.CounterVec
	duration     prometheus.Histogram
	auditDropped prometheus.Counter
	cacheHits    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_decisions_total",
				Help: "Authorization decisions by outcome and deciding stage.",
			},
			[]string{"outcome", "stage"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authz_decision_duration_seconds",
			Help:    "Time spent producing one authorization decision.",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authz_audit_dropped_total",
			Help: "Audit records dropped because the audit queue was full.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authz_decision_cache_hits_total",
			Help: "Decisions served from the decision cache.",
		}),
	}
	for _, c := range []prometheus.Collector{m.decisions, m.duration, m.auditDropped, m.cacheHits} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeDecision(d *Decision, stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome(d.Allowed), stage).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) auditDrop() {
	if m != nil {
		m.auditDropped.Inc()
	}
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
