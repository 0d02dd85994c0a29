package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "property_ledger"

// Collector holds the filing lifecycle counters. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	archives         *prometheus.CounterVec
	batchItems       *prometheus.CounterVec
	complianceChecks *prometheus.CounterVec
	notifyFailures   prometheus.Counter
	httpRequests     *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filing_transitions_total",
			Help:      "Filing transition attempts by edge and outcome.",
		}, []string{"from", "to", "outcome"}),
		archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filing_archives_total",
			Help:      "Archive attempts by result.",
		}, []string{"result", "forced"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Batch items processed by operation and result.",
		}, []string{"operation", "result"}),
		complianceChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compliance_checks_total",
			Help:      "Compliance checks by kind and verdict.",
		}, []string{"kind", "compliant"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
	}
	reg.MustRegister(
		c.transitions,
		c.archives,
		c.batchItems,
		c.complianceChecks,
		c.notifyFailures,
		c.httpRequests,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Transition(from string, to string, outcome string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to, outcome).Inc()
}

func (c *Collector) Archive(result string, forced bool) {
	if c == nil {
		return
	}
	f := "false"
	if forced {
		f = "true"
	}
	c.archives.WithLabelValues(result, f).Inc()
}

func (c *Collector) BatchItem(operation string, result string) {
	if c == nil {
		return
	}
	c.batchItems.WithLabelValues(operation, result).Inc()
}

func (c *Collector) ComplianceCheck(kind string, compliant bool) {
	if c == nil {
		return
	}
	v := "false"
	if compliant {
		v = "true"
	}
	c.complianceChecks.WithLabelValues(kind, v).Inc()
}

func (c *Collector) NotifyFailure() {
	if c == nil {
		return
	}
	c.notifyFailures.Inc()
}

func (c *Collector) HTTPRequest(route string, method string, status int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}
