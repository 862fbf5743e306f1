package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_rpc_requests_total",
			Help: "Total number of RPC requests by message type and result code",
		},
		[]string{"type", "code"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_rpc_duration_seconds",
			Help:    "RPC handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Job metrics
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_jobs_submitted_total",
			Help: "Total number of jobs accepted into the pending queue",
		},
	)

	JobsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_jobs_started_total",
			Help: "Total number of jobs allocated and started",
		},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state",
		},
	)

	JobsCanceled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_jobs_canceled_total",
			Help: "Total number of jobs canceled by user or admin",
		},
	)

	JobsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_jobs_requeued_total",
			Help: "Total number of job requeues",
		},
	)

	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_nodes_total",
			Help: "Total number of nodes by state",
		},
		[]string{"state"},
	)

	PendingJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_pending_jobs",
			Help: "Number of jobs currently pending",
		},
	)

	// Scheduler metrics
	ScheduleCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_schedule_cycles_total",
			Help: "Total number of scheduling passes",
		},
	)

	ScheduleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_schedule_latency_seconds",
			Help:    "Time taken by one scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AgentQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_agent_queue_depth",
			Help: "Outbound agent queue depth",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCDuration)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsStarted)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsCanceled)
	prometheus.MustRegister(JobsRequeued)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PendingJobs)
	prometheus.MustRegister(ScheduleCycles)
	prometheus.MustRegister(ScheduleLatency)
	prometheus.MustRegister(AgentQueueDepth)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
