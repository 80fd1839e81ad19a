package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsCaptured = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netsentry_packets_captured",
		Help: "Packets read from the capture handle by the current source",
	})
	packetsDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netsentry_packets_dropped",
		Help: "Packets discarded because the parse queue was full",
	})
	parseErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netsentry_parse_errors_total",
		Help: "Total number of packets skipped because they could not be parsed",
	})
	classificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsentry_classifications_total",
		Help: "Total number of classified flows by verdict",
	}, []string{"verdict"})
	classificationDegradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsentry_classification_degraded_total",
		Help: "Total number of classifications degraded to unknown, by reason",
	}, []string{"reason"})
	actionOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsentry_action_outcomes_total",
		Help: "Total number of audited action requests by kind and outcome",
	}, []string{"kind", "outcome"})
	auditWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netsentry_audit_write_failures_total",
		Help: "Total number of action records that could not be written",
	})
	enforcementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netsentry_enforcement_duration_seconds",
		Help:    "Latency of enforcement collaborator calls",
		Buckets: prometheus.DefBuckets,
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		packetsCaptured,
		packetsDropped,
		parseErrorsTotal,
		classificationsTotal,
		classificationDegradedTotal,
		actionOutcomesTotal,
		auditWriteFailuresTotal,
		enforcementDuration,
	)
}

// SetCaptureStats publishes the packet source counters.
func SetCaptureStats(captured, dropped uint64) {
	packetsCaptured.Set(float64(captured))
	packetsDropped.Set(float64(dropped))
}

// IncParseError increments the skipped packet counter.
func IncParseError() { parseErrorsTotal.Inc() }

// IncClassification counts one classified flow.
func IncClassification(verdict string) { classificationsTotal.WithLabelValues(verdict).Inc() }

// IncClassificationDegraded counts one degraded classification ("timeout" or "failure").
func IncClassificationDegraded(reason string) {
	classificationDegradedTotal.WithLabelValues(reason).Inc()
}

// IncActionOutcome counts one audited action record.
func IncActionOutcome(kind, outcome string) {
	actionOutcomesTotal.WithLabelValues(kind, outcome).Inc()
}

// IncAuditWriteFailure increments the audit failure counter.
func IncAuditWriteFailure() { auditWriteFailuresTotal.Inc() }

// ObserveEnforcement records the latency of one enforcement call.
func ObserveEnforcement(seconds float64) { enforcementDuration.Observe(seconds) }
