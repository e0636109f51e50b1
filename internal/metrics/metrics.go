// Package metrics exposes Prometheus instrumentation for the monitor.
//
// A nil *Metrics is valid and records nothing, so components can be
// constructed without instrumentation in tests.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leadwatch"

// Join outcomes.
const (
	JoinJoined      = "joined"
	JoinTransient   = "transient"
	JoinPermanent   = "permanent"
	JoinUnreachable = "unreachable"
	JoinExhausted   = "exhausted"
)

// Message outcomes.
const (
	MessageIgnored   = "ignored"
	MessageMatched   = "matched"
	MessageRejected  = "rejected"
	MessageDuplicate = "duplicate"
	MessageFailed    = "failed"
)

// Request results shared by notifications and searches.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the process collectors.
type Metrics struct {
	workerSources    *prometheus.GaugeVec
	workerLoad       *prometheus.GaugeVec
	workerOverloaded *prometheus.GaugeVec
	assignments      *prometheus.CounterVec
	joins            *prometheus.CounterVec
	backoff          *prometheus.HistogramVec
	messages         *prometheus.CounterVec
	leads            *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	searches         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// prometheus.DefaultRegisterer is used when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		workerSources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "sources",
			Help:      "Active sources owned by a worker.",
		}, []string{"worker"}),
		workerLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "load_percent",
			Help:      "Owned sources as a percentage of worker capacity.",
		}, []string{"worker"}),
		workerOverloaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "overloaded",
			Help:      "1 when a worker owns at least its capacity.",
		}, []string{"worker"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "assignments_total",
			Help:      "Source assignments by worker and overload state.",
		}, []string{"worker", "overloaded"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "joins_total",
			Help:      "Join attempts by worker and result.",
		}, []string{"worker", "result"}),
		backoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "backoff_seconds",
			Help:      "Backoff delays applied after transient provider errors.",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"op"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Inbound messages by worker and outcome.",
		}, []string{"worker", "outcome"}),
		leads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "lead_matches_total",
			Help:      "Lead matches recorded by worker.",
		}, []string{"worker"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by result.",
		}, []string{"result"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Search requests served by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.workerSources, m.workerLoad, m.workerOverloaded, m.assignments, m.joins,
		m.backoff, m.messages, m.leads, m.notifications, m.searches,
	)
	return m
}

// SetWorkerLoad publishes the load of a worker.
func (m *Metrics) SetWorkerLoad(worker string, sources int, loadPercent float64, overloaded bool) {
	if m == nil {
		return
	}
	m.workerSources.WithLabelValues(worker).Set(float64(sources))
	m.workerLoad.WithLabelValues(worker).Set(loadPercent)
	var v float64
	if overloaded {
		v = 1
	}
	m.workerOverloaded.WithLabelValues(worker).Set(v)
}

// RecordAssignment counts a source assignment.
func (m *Metrics) RecordAssignment(worker string, overloaded bool) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(worker, strconv.FormatBool(overloaded)).Inc()
}

// RecordJoin counts a join attempt outcome.
func (m *Metrics) RecordJoin(worker, result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(worker, result).Inc()
}

// ObserveBackoff records a backoff delay for op.
func (m *Metrics) ObserveBackoff(op string, seconds float64) {
	if m == nil {
		return
	}
	m.backoff.WithLabelValues(op).Observe(seconds)
}

// RecordMessage counts an inbound message outcome.
func (m *Metrics) RecordMessage(worker, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(worker, outcome).Inc()
}

// RecordLead counts a persisted lead match.
func (m *Metrics) RecordLead(worker string) {
	if m == nil {
		return
	}
	m.leads.WithLabelValues(worker).Inc()
}

// RecordNotification counts a notification delivery result.
func (m *Metrics) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// RecordSearch counts a served search request.
func (m *Metrics) RecordSearch(result string) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(result).Inc()
}
