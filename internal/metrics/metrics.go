package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the diff proxy.
type Collector struct {
	Registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	responsesTotal    *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	requestsSkipped   *prometheus.CounterVec
	responseDuration  *prometheus.HistogramVec
	qpsGauge          *prometheus.GaugeVec
	backlogGauge      *prometheus.GaugeVec

	checksumMismatches *prometheus.CounterVec
	reportsGenerated   *prometheus.CounterVec
	explainsScheduled  *prometheus.CounterVec
	explainsGated      *prometheus.CounterVec

	lifecycleState  prometheus.Gauge
	replicationLag  *prometheus.GaugeVec

	clientConnections prometheus.Gauge
	backendHealth     *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbdiffproxy_requests_total",
				Help: "Total number of queries dispatched per target",
			},
			[]string{"target"},
		),
		responsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbdiffproxy_responses_total",
				Help: "Total number of completed responses per target",
			},
			[]string{"target"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbdiffproxy_errors_total",
				Help: "Total number of error responses per target",
			},
			[]string{"target"},
		),
		requestsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbdiffproxy_requests_skipped_total",
				Help: "Total number of queries shed (not forwarded) per target due to lag",
			},
			[]string{"target"},
		),
		responseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbdiffproxy_response_duration_seconds",
				Help:    "Duration of backend responses in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"target"},
		),
		qpsGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbdiffproxy_qps",
				Help: "Responses per second observed per target",
			},
			[]string{"target"},
		),
		backlogGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbdiffproxy_backlog",
				Help: "Outstanding unfinished requests per target",
			},
			[]string{"target"},
		),
		checksumMismatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbdiffproxy_checksum_mismatches_total",
				Help: "Total number of result checksum mismatches against the main target",
			},
			[]string{"target"},
		),
		reportsGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbdiffproxy_reports_generated_total",
				Help: "Total number of discrepancy reports generated per target",
			},
			[]string{"target"},
		),
		explainsScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbdiffproxy_explains_scheduled_total",
				Help: "Total number of EXPLAIN queries scheduled per target",
			},
			[]string{"target"},
		),
		explainsGated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbdiffproxy_explains_gated_total",
				Help: "Total number of EXPLAIN runs suppressed by the registry window",
			},
			[]string{"target"},
		),
		lifecycleState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbdiffproxy_lifecycle_state",
				Help: "Router lifecycle state (0=prepared, 1=synchronizing, 2=comparing, 3=stopping)",
			},
		),
		replicationLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbdiffproxy_replication_lag_seconds",
				Help: "Replication lag of the replica server used for comparison, in seconds",
			},
			[]string{"server"},
		),
		clientConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbdiffproxy_client_connections",
				Help: "Number of currently connected client sessions",
			},
		),
		backendHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbdiffproxy_backend_health",
				Help: "Health status of a backend target (1=healthy, 0=unhealthy)",
			},
			[]string{"target"},
		),
	}

	reg.MustRegister(
		c.requestsTotal,
		c.responsesTotal,
		c.errorsTotal,
		c.requestsSkipped,
		c.responseDuration,
		c.qpsGauge,
		c.backlogGauge,
		c.checksumMismatches,
		c.reportsGenerated,
		c.explainsScheduled,
		c.explainsGated,
		c.lifecycleState,
		c.replicationLag,
		c.clientConnections,
		c.backendHealth,
	)

	return c
}

// RequestSent increments the request counter for target.
func (c *Collector) RequestSent(target string) {
	c.requestsTotal.WithLabelValues(target).Inc()
}

// RequestSkipped increments the shed-query counter for target.
func (c *Collector) RequestSkipped(target string) {
	c.requestsSkipped.WithLabelValues(target).Inc()
}

// ResponseCompleted records a completed response: its duration and whether
// it was an error. Checksum disagreements are counted by ChecksumMismatch.
func (c *Collector) ResponseCompleted(target string, d time.Duration, isError bool) {
	c.responsesTotal.WithLabelValues(target).Inc()
	c.responseDuration.WithLabelValues(target).Observe(d.Seconds())
	if isError {
		c.errorsTotal.WithLabelValues(target).Inc()
	}
}

// ChecksumMismatch increments the mismatch counter for target.
func (c *Collector) ChecksumMismatch(target string) {
	c.checksumMismatches.WithLabelValues(target).Inc()
}

// ReportGenerated increments the discrepancy-report counter for target.
func (c *Collector) ReportGenerated(target string) {
	c.reportsGenerated.WithLabelValues(target).Inc()
}

// ExplainScheduled increments the EXPLAIN-scheduled counter for target.
func (c *Collector) ExplainScheduled(target string) {
	c.explainsScheduled.WithLabelValues(target).Inc()
}

// ExplainGated increments the EXPLAIN-gated counter for target.
func (c *Collector) ExplainGated(target string) {
	c.explainsGated.WithLabelValues(target).Inc()
}

// SetQPS sets the responses-per-second gauge for target.
func (c *Collector) SetQPS(target string, qps float64) {
	c.qpsGauge.WithLabelValues(target).Set(qps)
}

// SetBacklog sets the outstanding-request gauge for target.
func (c *Collector) SetBacklog(target string, n int) {
	c.backlogGauge.WithLabelValues(target).Set(float64(n))
}

// SetLifecycleState sets the router's lifecycle state gauge. state should be
// one of diff.LifecycleState's integer values.
func (c *Collector) SetLifecycleState(state int) {
	c.lifecycleState.Set(float64(state))
}

// SetReplicationLag sets the replication lag gauge for server.
func (c *Collector) SetReplicationLag(server string, d time.Duration) {
	c.replicationLag.WithLabelValues(server).Set(d.Seconds())
}

// IncClientConnections increments the connected-client-sessions gauge.
func (c *Collector) IncClientConnections() {
	c.clientConnections.Inc()
}

// DecClientConnections decrements the connected-client-sessions gauge.
func (c *Collector) DecClientConnections() {
	c.clientConnections.Dec()
}

// SetBackendHealth sets the health gauge for a backend target.
func (c *Collector) SetBackendHealth(target string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.backendHealth.WithLabelValues(target).Set(val)
}

// RemoveTarget removes all per-target metrics for a backend target, e.g. when
// it is removed from the comparison set on reload.
func (c *Collector) RemoveTarget(target string) {
	c.requestsTotal.DeleteLabelValues(target)
	c.responsesTotal.DeleteLabelValues(target)
	c.errorsTotal.DeleteLabelValues(target)
	c.requestsSkipped.DeleteLabelValues(target)
	c.responseDuration.DeletePartialMatch(prometheus.Labels{"target": target})
	c.qpsGauge.DeleteLabelValues(target)
	c.backlogGauge.DeleteLabelValues(target)
	c.checksumMismatches.DeleteLabelValues(target)
	c.reportsGenerated.DeleteLabelValues(target)
	c.explainsScheduled.DeleteLabelValues(target)
	c.explainsGated.DeleteLabelValues(target)
	c.backendHealth.DeleteLabelValues(target)
}
