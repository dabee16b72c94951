package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Attribution outcomes used as label values.
const (
	OutcomeAttributed    = "attributed"
	OutcomeReplayed      = "replayed"
	OutcomeNoAttribution = "no_attribution"
	OutcomeUsageLimit    = "usage_limit_exceeded"
	OutcomeError         = "error"
)

// Outbox publish results used as label values.
const (
	PublishPublished    = "published"
	PublishRetry        = "retry"
	PublishDeadLettered = "dead_lettered"
)

// AffiliateMetrics counts tracking and ledger activity.
type AffiliateMetrics struct {
	clicks       *prometheus.CounterVec
	attributions *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	drift        prometheus.Counter
	publishes    *prometheus.CounterVec
}

// NewAffiliateMetrics registers the affiliate collectors. A nil registerer
// yields a recorder that drops every observation.
func NewAffiliateMetrics(reg prometheus.Registerer) *AffiliateMetrics {
	if reg == nil {
		return &AffiliateMetrics{}
	}
	clicks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clicks_total",
		Help:      "Tracked clicks by result (recorded or deduplicated).",
	}, []string{"result"})
	attributions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attributions_total",
		Help:      "Purchase attribution attempts by outcome.",
	}, []string{"outcome"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commission_transitions_total",
		Help:      "Commission records entering each status.",
	}, []string{"status"})
	drift := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stats_drift_detected_total",
		Help:      "Links whose cached counters disagreed with the replayed streams.",
	})
	publishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_publish_total",
		Help:      "Outbox rows handled by the publisher by event type and result.",
	}, []string{"event_type", "result"})
	reg.MustRegister(clicks, attributions, transitions, drift, publishes)
	return &AffiliateMetrics{
		clicks:       clicks,
		attributions: attributions,
		transitions:  transitions,
		drift:        drift,
		publishes:    publishes,
	}
}

func (m *AffiliateMetrics) IncClick(deduplicated bool) {
	if m == nil || m.clicks == nil {
		return
	}
	result := "recorded"
	if deduplicated {
		result = "deduplicated"
	}
	m.clicks.WithLabelValues(result).Inc()
}

func (m *AffiliateMetrics) IncAttribution(outcome string) {
	if m == nil || m.attributions == nil {
		return
	}
	m.attributions.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *AffiliateMetrics) IncTransition(status string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *AffiliateMetrics) IncDrift() {
	if m == nil || m.drift == nil {
		return
	}
	m.drift.Inc()
}

func (m *AffiliateMetrics) IncPublish(eventType, result string) {
	if m == nil || m.publishes == nil {
		return
	}
	m.publishes.WithLabelValues(normalizeLabel(eventType), normalizeLabel(result)).Inc()
}
