package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	runsCompletedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retention_engine",
		Subsystem: "dailyrun",
		Name:      "runs_completed_total",
		Help:      "Number of daily runs marked complete, labeled by tenant.",
	}, []string{"tenant"})

	interventionsCreatedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retention_engine",
		Subsystem: "generation",
		Name:      "interventions_created_total",
		Help:      "Number of interventions accepted by the generator, labeled by tenant.",
	}, []string{"tenant"})

	transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retention_engine",
		Subsystem: "workflow",
		Name:      "status_transitions_total",
		Help:      "Number of successful intervention status transitions, labeled by target status.",
	}, []string{"status"})

	dispatchFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retention_engine",
		Subsystem: "dispatch",
		Name:      "outreach_failures_total",
		Help:      "Number of outreach dispatch attempts that failed during approve-and-send.",
	})
)

func init() {
	prometheus.MustRegister(runsCompletedCounter, interventionsCreatedCounter, transitionCounter, dispatchFailureCounter)
}

// RecordRunCompleted increments the completed-run counter for a tenant.
func RecordRunCompleted(tenantID string) {
	runsCompletedCounter.WithLabelValues(tenantID).Inc()
}

// RecordInterventionsCreated adds newly accepted interventions for a tenant.
func RecordInterventionsCreated(tenantID string, count int) {
	if count <= 0 {
		return
	}
	interventionsCreatedCounter.WithLabelValues(tenantID).Add(float64(count))
}

// RecordTransition increments the transition counter for the target status.
func RecordTransition(status string) {
	transitionCounter.WithLabelValues(status).Inc()
}

// RecordDispatchFailure counts a failed outreach delivery.
func RecordDispatchFailure() {
	dispatchFailureCounter.Inc()
}
