package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments for the pipeline. All methods are
// nil-safe so components can run unmetered in tests.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth      prometheus.Gauge
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	HandlerErrors   *prometheus.CounterVec

	Violations     *prometheus.CounterVec
	Enforcements   *prometheus.CounterVec
	DuplicateDrops *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskd_bus_queue_depth",
			Help: "Events currently waiting in the bus priority queue",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskd_bus_events_published_total",
			Help: "Events accepted by the bus, by event type",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskd_bus_events_dropped_total",
			Help: "Events rejected or dropped, by cause",
		}, []string{"cause"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskd_bus_handler_errors_total",
			Help: "Handler failures isolated at the dispatch boundary",
		}, []string{"handler"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskd_rule_violations_total",
			Help: "Rule violations raised, by rule",
		}, []string{"rule"}),
		Enforcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskd_enforcement_actions_total",
			Help: "Enforcement action executions, by action and result",
		}, []string{"action", "result"}),
		DuplicateDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskd_enforcement_duplicates_total",
			Help: "Enforcement requests rejected as already in flight",
		}, []string{"action"}),
	}

	m.registry.MustRegister(
		m.QueueDepth,
		m.EventsPublished,
		m.EventsDropped,
		m.HandlerErrors,
		m.Violations,
		m.Enforcements,
		m.DuplicateDrops,
	)
	return m
}

// Registry exposes the underlying registry for a /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) IncPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncDropped(cause string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(cause).Inc()
}

func (m *Metrics) IncHandlerError(handler string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(handler).Inc()
}

func (m *Metrics) IncViolation(rule string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(rule).Inc()
}

func (m *Metrics) IncEnforcement(action, result string) {
	if m == nil {
		return
	}
	m.Enforcements.WithLabelValues(action, result).Inc()
}

func (m *Metrics) IncDuplicate(action string) {
	if m == nil {
		return
	}
	m.DuplicateDrops.WithLabelValues(action).Inc()
}
