package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deployq/deployq/internal/deployq/domain"
)

const MetricPrefix = "deployq_"

// Admission paths.
const (
	FastPath  = "fast"
	QueuePath = "queue"
)

var admittedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "deployments_admitted_total",
		Help: "Number of deployments admitted onto a cluster",
	},
	[]string{"cluster", "path"},
)

var queuedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "deployments_queued_total",
		Help: "Number of deployments that could not be admitted immediately",
	},
	[]string{"cluster"},
)

var finishedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "deployments_finished_total",
		Help: "Number of deployments that reached a terminal state",
	},
	[]string{"cluster", "status"},
)

var timedOutCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "deployments_timed_out_total",
		Help: "Number of running deployments failed by the timeout sweep",
	},
	[]string{"cluster"},
)

var promotedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "deployments_promoted_total",
		Help: "Number of queued deployments promoted by rebalancing",
	},
)

var compensationCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "ledger_compensations_total",
		Help: "Number of ledger mutations undone after a failed record store write",
	},
	[]string{"cluster", "result"},
)

func RecordAdmitted(clusterId string, path string) {
	admittedCounter.WithLabelValues(clusterId, path).Inc()
}

func RecordQueued(clusterId string) {
	queuedCounter.WithLabelValues(clusterId).Inc()
}

func RecordFinished(clusterId string, status domain.DeploymentStatus) {
	finishedCounter.WithLabelValues(clusterId, string(status)).Inc()
}

func RecordTimedOut(clusterId string) {
	timedOutCounter.WithLabelValues(clusterId).Inc()
}

func RecordPromoted(n int) {
	promotedCounter.Add(float64(n))
}

func RecordCompensation(clusterId string, succeeded bool) {
	result := "succeeded"
	if !succeeded {
		result = "failed"
	}
	compensationCounter.WithLabelValues(clusterId, result).Inc()
}
