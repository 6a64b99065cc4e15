// Package metrics exports transaction and flow counters as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghettovoice/sipcore/flow"
	"github.com/ghettovoice/sipcore/transaction"
)

const namespace = "sipcore"

// Collector gathers transaction and flow events.
// It implements [transaction.Metrics], [flow.Metrics] and [prometheus.Collector].
type Collector struct {
	txCreated    *prometheus.CounterVec
	txTerminated *prometheus.CounterVec
	txActive     *prometheus.GaugeVec

	flowsCreated *prometheus.CounterVec
	flowsClosed  *prometheus.CounterVec
	flowsActive  *prometheus.GaugeVec
	pings        *prometheus.CounterVec
	pingFailures *prometheus.CounterVec
}

var (
	_ transaction.Metrics  = (*Collector)(nil)
	_ flow.Metrics         = (*Collector)(nil)
	_ prometheus.Collector = (*Collector)(nil)
)

// NewCollector creates a new [Collector], constLabels are added to every metric.
func NewCollector(constLabels prometheus.Labels) *Collector {
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}
	gauge := func(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}

	return &Collector{
		txCreated:    counter("transactions", "created_total", "Number of created transactions.", "type"),
		txTerminated: counter("transactions", "terminated_total", "Number of terminated transactions.", "type", "reason"),
		txActive:     gauge("transactions", "active", "Number of live transactions.", "type"),
		flowsCreated: counter("flows", "created_total", "Number of created flows.", "transport"),
		flowsClosed:  counter("flows", "closed_total", "Number of closed flows.", "transport", "reason"),
		flowsActive:  gauge("flows", "active", "Number of open flows.", "transport"),
		pings:        counter("flow", "keepalive_pings_total", "Number of sent keep-alive pings.", "transport", "method"),
		pingFailures: counter("flow", "keepalive_failures_total", "Number of missed keep-alive pongs.", "transport"),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.txCreated,
		c.txTerminated,
		c.txActive,
		c.flowsCreated,
		c.flowsClosed,
		c.flowsActive,
		c.pings,
		c.pingFailures,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

func (c *Collector) TransactionCreated(typ string) {
	c.txCreated.WithLabelValues(typ).Inc()
	c.txActive.WithLabelValues(typ).Inc()
}

func (c *Collector) TransactionTerminated(typ, reason string) {
	c.txTerminated.WithLabelValues(typ, reason).Inc()
	c.txActive.WithLabelValues(typ).Dec()
}

func (c *Collector) FlowCreated(transport string) {
	c.flowsCreated.WithLabelValues(transport).Inc()
	c.flowsActive.WithLabelValues(transport).Inc()
}

func (c *Collector) FlowClosed(transport, reason string) {
	c.flowsClosed.WithLabelValues(transport, reason).Inc()
	c.flowsActive.WithLabelValues(transport).Dec()
}

func (c *Collector) KeepAlivePing(transport, method string) {
	c.pings.WithLabelValues(transport, method).Inc()
}

func (c *Collector) KeepAliveFailure(transport string) {
	c.pingFailures.WithLabelValues(transport).Inc()
}
