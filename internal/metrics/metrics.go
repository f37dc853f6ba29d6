package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// Gauge for the current state of each channel (one series per state, 0/1)
	ChannelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "channel_state",
			Help: "Current state of each channel (1 = in this state, 0 = not)",
		},
		[]string{"channel", "state"},
	)

	// Counter for state transitions
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_state_transitions_total",
			Help: "Total number of channel state transitions",
		},
		[]string{"channel", "from", "to"},
	)

	// Gauge for derived channel health
	ChannelHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "channel_health",
			Help: "Derived health status of each channel (0=healthy, 1=warning, 2=critical, 3=failed)",
		},
		[]string{"channel"},
	)

	// Counter for reconnection attempts
	ReconnectionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_reconnection_attempts_total",
			Help: "Total number of reconnection attempts per channel",
		},
		[]string{"channel"},
	)

	// Counter for channel frame timeouts detected by the health monitor
	FrameTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_frame_timeouts_total",
			Help: "Total number of frame timeouts detected per channel",
		},
		[]string{"channel"},
	)

	// Gauge for quota usage per resource type
	QuotaUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_usage",
			Help: "Current usage of each resource quota",
		},
		[]string{"resource_type"},
	)

	// Gauge for quota capacity per resource type
	QuotaCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_capacity",
			Help: "Maximum amount of each resource quota",
		},
		[]string{"resource_type"},
	)

	// Counter for quota allocation outcomes
	QuotaAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_allocations_total",
			Help: "Total number of quota allocation attempts by result",
		},
		[]string{"resource_type", "result"},
	)

	// Counter for quota rebalancing passes
	QuotaRebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_rebalances_total",
			Help: "Total number of global quota rebalancing passes",
		},
	)

	// Counter for leaked allocations reclaimed by the quota monitor
	QuotaLeaksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_leaks_reclaimed_total",
			Help: "Total number of stale channel allocations force-released",
		},
	)

	// Gauge for pool sizes
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_size",
			Help: "Current number of instances in each resource pool",
		},
		[]string{"pool_type"},
	)

	// Gauge for pool utilization
	PoolUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_utilization",
			Help: "Busy fraction of each resource pool (0.0 to 1.0)",
		},
		[]string{"pool_type"},
	)

	// Counter for pool allocation outcomes
	PoolAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_allocations_total",
			Help: "Total number of pool allocation attempts by result",
		},
		[]string{"pool_type", "result"},
	)

	// Histogram for pool allocation latency
	PoolAllocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pool_allocation_duration_seconds",
			Help:    "Time spent allocating an instance from a resource pool",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"pool_type"},
	)

	// Counter for pool resize events
	PoolResizesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_resizes_total",
			Help: "Total number of pool resize events by direction",
		},
		[]string{"pool_type", "direction"},
	)

	// Gauge for managed resources held by the low-level manager
	ManagedResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "managed_resources",
			Help: "Number of resources tracked by the resource manager",
		},
		[]string{"resource_type", "state"},
	)

	// Gauge for managed memory
	ManagedMemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "managed_memory_bytes",
			Help: "Total memory held by managed resources",
		},
	)

	// Counter for resources reclaimed by the background sweeper
	ResourcesReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resources_reclaimed_total",
			Help: "Total number of resources reclaimed by reason",
		},
		[]string{"reason"},
	)

	// Counter for errors
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// Gauge for process CPU usage sampled by the performance monitor
	CPUUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage percentage",
		},
	)

	// Gauge for process memory sampled by the performance monitor
	MemoryUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Gauge for number of goroutines
	Goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "goroutines",
			Help: "Number of goroutines",
		},
	)
)

// MetricsServer HTTP server exposing Prometheus metrics
type MetricsServer struct {
	server *http.Server
	logger *logrus.Logger
}

// NewMetricsServer creates a new metrics server and registers all collectors
func NewMetricsServer(addr string, logger *logrus.Logger) *MetricsServer {
	prometheus.MustRegister(
		ChannelState,
		StateTransitionsTotal,
		ChannelHealth,
		ReconnectionAttemptsTotal,
		FrameTimeoutsTotal,
		QuotaUsage,
		QuotaCapacity,
		QuotaAllocationsTotal,
		QuotaRebalancesTotal,
		QuotaLeaksReclaimedTotal,
		PoolSize,
		PoolUtilization,
		PoolAllocationsTotal,
		PoolAllocationDuration,
		PoolResizesTotal,
		ManagedResources,
		ManagedMemoryBytes,
		ResourcesReclaimedTotal,
		ErrorsTotal,
		CPUUsage,
		MemoryUsage,
		Goroutines,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Start starts the metrics server
func (ms *MetricsServer) Start() error {
	ms.logger.WithField("addr", ms.server.Addr).Info("Starting metrics server")

	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.WithError(err).Error("Metrics server error")
		}
	}()

	return nil
}

// Stop stops the metrics server
func (ms *MetricsServer) Stop() error {
	ms.logger.Info("Stopping metrics server")
	return ms.server.Close()
}

// RecordError records an error for a component
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordQuotaAllocation records the outcome of a quota allocation attempt
func RecordQuotaAllocation(resourceType, result string) {
	QuotaAllocationsTotal.WithLabelValues(resourceType, result).Inc()
}

// RecordPoolAllocation records the outcome of a pool allocation attempt
func RecordPoolAllocation(poolType, result string) {
	PoolAllocationsTotal.WithLabelValues(poolType, result).Inc()
}
