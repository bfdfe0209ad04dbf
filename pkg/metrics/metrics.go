// Package metrics defines the Prometheus instruments the pipeline and HTTP
// layer record into. Registration happens on the default registry; the
// metrics listener serves it via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_events_processed_total",
		Help: "Events processed through the decision pipeline, by result.",
	}, []string{"result"})

	GateDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_gate_denials_total",
		Help: "Gate denials by reason code.",
	}, []string{"reason"})

	AuthzOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_authz_outcomes_total",
		Help: "Authorization outcomes by decision and reason code.",
	}, []string{"decision", "reason"})

	LifecycleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_lifecycle_events_total",
		Help: "Lifecycle ingestions by kind and result.",
	}, []string{"kind", "result"})

	AuditRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_audit_records_total",
		Help: "Audit records appended to the hash chain.",
	})

	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_audit_write_failures_total",
		Help: "Audit append failures surfaced to callers.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_http_requests_total",
		Help: "HTTP requests by route and status class.",
	}, []string{"route", "status"})
)
