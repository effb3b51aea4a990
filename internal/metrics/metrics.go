// Package metrics exposes the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InstancesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signline_instances_started_total",
		Help: "Workflow instances started.",
	})

	InstancesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signline_instances_finished_total",
		Help: "Workflow instances that reached a terminal status.",
	}, []string{"status"})

	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signline_task_transitions_total",
		Help: "Task status transitions applied by the scheduler.",
	}, []string{"status"})

	AuthzDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signline_authz_decisions_total",
		Help: "Authorization decisions by outcome and source.",
	}, []string{"decision", "source"})

	AuditAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signline_audit_appends_total",
		Help: "Events appended to the audit chain.",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signline_notifications_total",
		Help: "Notifications handed to the notifier port.",
	}, []string{"channel"})

	ServiceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signline_service_calls_total",
		Help: "Service port invocations by outcome.",
	}, []string{"service", "outcome"})

	RemindersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signline_reminders_sent_total",
		Help: "Reminder notifications sent for pending tasks.",
	})

	AdvanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signline_engine_advance_seconds",
		Help:    "Time spent advancing an instance inside its transaction.",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
