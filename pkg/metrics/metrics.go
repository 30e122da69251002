package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetctl_nodes_total",
			Help: "Total number of nodes by zone and deployment status",
		},
		[]string{"zone", "status"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetctl_services_total",
			Help: "Total number of declared services",
		},
	)

	// Per-service windowed resource averages, read by the Auto-Scaler
	// and exposed for operators.
	ServiceCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetctl_service_cpu_percent",
			Help: "10-minute windowed average CPU percent across a service's replicas",
		},
		[]string{"user", "project", "env", "service"},
	)

	ServiceMemPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetctl_service_mem_percent",
			Help: "10-minute windowed average memory percent across a service's replicas",
		},
		[]string{"user", "project", "env", "service"},
	)

	ServiceRPS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetctl_service_rps",
			Help: "10-minute windowed average requests per second across a service's replicas",
		},
		[]string{"user", "project", "env", "service"},
	)

	// Lock metrics
	LockHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetctl_lock_held",
			Help: "Whether this process currently holds the named infrastructure lock (1 = held)",
		},
		[]string{"name"},
	)

	// Deployer metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_deployments_total",
			Help: "Total number of deployments by outcome",
		},
		[]string{"status"},
	)

	DeploymentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetctl_deployment_duration_seconds",
			Help:    "Deployment duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	RolledBackDeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_deployments_rolled_back_total",
			Help: "Total number of deployments that were rolled back, by reason",
		},
		[]string{"reason"},
	)

	// Healer metrics
	ReplacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_replacements_total",
			Help: "Total number of node replacements attempted by the healer, by outcome",
		},
		[]string{"outcome"},
	)

	HealerIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetctl_healer_is_leader",
			Help: "Whether this process currently holds healer leadership (1 = leader)",
		},
	)

	// Auto-scaler metrics
	ScaleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_scale_actions_total",
			Help: "Total number of auto-scale actions executed, by axis and direction",
		},
		[]string{"axis", "direction"},
	)

	// Metrics collector cycle metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetctl_reconciliation_duration_seconds",
			Help:    "Time taken for a metrics collection cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetctl_reconciliation_cycles_total",
			Help: "Total number of metrics collection cycles completed",
		},
	)

	// Agent/IaaS operation metrics
	IaaSRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_iaas_request_duration_seconds",
			Help:    "IaaS Adapter request duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	AgentRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_agent_request_duration_seconds",
			Help:    "Node Agent request duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(ServiceCPUPercent)
	prometheus.MustRegister(ServiceMemPercent)
	prometheus.MustRegister(ServiceRPS)
	prometheus.MustRegister(LockHeld)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(RolledBackDeploymentsTotal)
	prometheus.MustRegister(ReplacementsTotal)
	prometheus.MustRegister(HealerIsLeader)
	prometheus.MustRegister(ScaleActionsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(IaaSRequestDuration)
	prometheus.MustRegister(AgentRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
