package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the agent loop, exposed on the API's /metrics endpoint.
var (
	metricClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_work_items_claimed_total",
		Help: "Work items claimed by this process.",
	})
	metricFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_work_items_finished_total",
		Help: "Work items executed to a finished status by this process.",
	})
	metricErrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_work_items_errored_total",
		Help: "Work items whose handler failed in this process.",
	})
	metricCommandNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_command_not_found_failures_total",
		Help: "Failures caused by a missing external command on this host.",
	})
)
