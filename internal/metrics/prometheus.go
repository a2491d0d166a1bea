// Package metrics provides Prometheus-based metrics collection for netmonkey.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all netmonkey metrics
	namespace = "netmonkey"

	// Subsystems
	subsystemScan  = "scan"
	subsystemProbe = "probe"
	subsystemAPI   = "api"
	subsystemSys   = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	scansStarted   prometheus.Counter
	scansFinished  *prometheus.CounterVec
	scanDuration   *prometheus.HistogramVec
	activeSessions prometheus.Gauge

	// Probe metrics
	hostsProbed *prometheus.CounterVec
	probeRTT    prometheus.Histogram
	portsProbed *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	uptime prometheus.GaugeFunc

	startTime time.Time
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initProbeMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// initScanMetrics initializes session-related metrics
func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "started_total",
			Help:      "Total number of scan sessions started",
		},
	)

	pm.scansFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "finished_total",
			Help:      "Total number of scan sessions finished by status",
		},
		[]string{"status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of scan sessions in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
		[]string{"status"},
	)

	pm.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active",
			Help:      "Number of currently running scan sessions",
		},
	)
}

// initProbeMetrics initializes per-host metrics
func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.hostsProbed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "hosts_total",
			Help:      "Total number of hosts probed by state",
		},
		[]string{"host_status"},
	)

	pm.probeRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "rtt_seconds",
			Help:      "Echo round trip time of alive hosts in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	pm.portsProbed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "ports_total",
			Help:      "Total number of ports probed by state",
		},
		[]string{"port_status"},
	)
}

// initAPIMetrics initializes API-related metrics
func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"method", "path"},
	)
}

// initSystemMetrics initializes system-related metrics
func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSys,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
		func() float64 { return pm.GetUptime().Seconds() },
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.scansStarted,
		pm.scansFinished,
		pm.scanDuration,
		pm.activeSessions,
		pm.hostsProbed,
		pm.probeRTT,
		pm.portsProbed,
		pm.httpRequests,
		pm.httpDuration,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// ScanStarted increments the started counter and the active gauge
func (pm *PrometheusMetrics) ScanStarted() {
	pm.scansStarted.Inc()
	pm.activeSessions.Inc()
}

// ScanFinished records the session status and duration
func (pm *PrometheusMetrics) ScanFinished(status string, duration time.Duration) {
	pm.activeSessions.Dec()
	pm.scansFinished.WithLabelValues(status).Inc()
	pm.scanDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// HostProbed records a single host outcome
func (pm *PrometheusMetrics) HostProbed(alive bool, rtt time.Duration) {
	if !alive {
		pm.hostsProbed.WithLabelValues("down").Inc()
		return
	}
	pm.hostsProbed.WithLabelValues("up").Inc()
	pm.probeRTT.Observe(rtt.Seconds())
}

// PortsProbed records the open and closed ports of one host
func (pm *PrometheusMetrics) PortsProbed(open, closed int) {
	if open > 0 {
		pm.portsProbed.WithLabelValues("open").Add(float64(open))
	}
	if closed > 0 {
		pm.portsProbed.WithLabelValues("closed").Add(float64(closed))
	}
}

// HTTPRequest records one served HTTP request
func (pm *PrometheusMetrics) HTTPRequest(method, path string, status int, duration time.Duration) {
	pm.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
