// Package telemetry holds the Prometheus instruments and OpenTelemetry spans
// of the orchestration engine.
package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tool_orchestrator"

// Execution statuses used as label values.
const (
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
	StatusDenied    = "denied"
)

// Metrics groups the engine collectors. A nil *Metrics is a no-op.
type Metrics struct {
	executions    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	inflight      prometheus.Gauge
	planBatches   prometheus.Histogram
	selections    *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	resourceUsage *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by final status.",
		}, []string{"tool", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Wall time of tool executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tool_executions_inflight",
			Help:      "Tool executions currently running.",
		}),
		planBatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_batches",
			Help:      "Number of dependency batches per execution plan.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_selections_total",
			Help:      "Tool selections by outcome (hit, miss, error).",
		}, []string{"result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Performance cache lookups by category and result.",
		}, []string{"category", "result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_alerts_total",
			Help:      "Resource alerts by resource and level.",
		}, []string{"resource", "level"}),
		resourceUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_usage",
			Help:      "Last sampled usage per resource in its limit unit.",
		}, []string{"resource"}),
	}

	register := func(c prometheus.Collector) (prometheus.Collector, error) {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return already.ExistingCollector, nil
			}
			return nil, err
		}
		return c, nil
	}
	var err error
	var c prometheus.Collector
	if c, err = register(m.executions); err != nil {
		return nil, err
	}
	m.executions = c.(*prometheus.CounterVec)
	if c, err = register(m.duration); err != nil {
		return nil, err
	}
	m.duration = c.(*prometheus.HistogramVec)
	if c, err = register(m.inflight); err != nil {
		return nil, err
	}
	m.inflight = c.(prometheus.Gauge)
	if c, err = register(m.planBatches); err != nil {
		return nil, err
	}
	m.planBatches = c.(prometheus.Histogram)
	if c, err = register(m.selections); err != nil {
		return nil, err
	}
	m.selections = c.(*prometheus.CounterVec)
	if c, err = register(m.cacheLookups); err != nil {
		return nil, err
	}
	m.cacheLookups = c.(*prometheus.CounterVec)
	if c, err = register(m.alerts); err != nil {
		return nil, err
	}
	m.alerts = c.(*prometheus.CounterVec)
	if c, err = register(m.resourceUsage); err != nil {
		return nil, err
	}
	m.resourceUsage = c.(*prometheus.GaugeVec)
	return m, nil
}

// ObserveExecution records one finished tool execution.
func (m *Metrics) ObserveExecution(tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(tool, status).Inc()
	if status != StatusDenied {
		m.duration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}

// ExecutionStarted increments the in-flight gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// ExecutionFinished decrements the in-flight gauge.
func (m *Metrics) ExecutionFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// ObservePlan records the batch count of an execution plan.
func (m *Metrics) ObservePlan(batches int) {
	if m == nil {
		return
	}
	m.planBatches.Observe(float64(batches))
}

// ObserveSelection records a select outcome.
func (m *Metrics) ObserveSelection(result string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(result).Inc()
}

// ObserveCacheLookup records a cache lookup. It satisfies perfcache.Observer.
func (m *Metrics) ObserveCacheLookup(category string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(category, result).Inc()
}

// ObserveAlert counts a resource alert.
func (m *Metrics) ObserveAlert(resource, level string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(resource, level).Inc()
}

// SetResourceUsage stores the last sampled value of resource.
func (m *Metrics) SetResourceUsage(resource string, value float64) {
	if m == nil {
		return
	}
	m.resourceUsage.WithLabelValues(resource).Set(value)
}
