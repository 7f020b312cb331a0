// Package metrics exports link core counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glimte/linkmux/internal/amqp10"
	"github.com/glimte/linkmux/internal/protocol"
)

const namespace = "linkmux"

var (
	connStates = []amqp10.ConnState{
		amqp10.ConnOpening,
		amqp10.ConnOpen,
		amqp10.ConnClosing,
		amqp10.ConnClosed,
		amqp10.ConnFailed,
	}
	recoveryStates = []amqp10.RecoveryState{
		amqp10.RecoveryStable,
		amqp10.RecoveryReconnecting,
		amqp10.RecoveryResuming,
		amqp10.RecoveryFailedPermanently,
	}
)

// Collector implements amqp10.MetricsCollector on top of Prometheus.
type Collector struct {
	connectionState   *prometheus.GaugeVec
	sessionsOpen      prometheus.Gauge
	sessionsOpened    prometheus.Counter
	linksAttached     *prometheus.GaugeVec
	deliveriesSent    prometheus.Counter
	deliveriesSettled *prometheus.CounterVec
	unknownDispos     prometheus.Counter
	sendsParked       prometheus.Counter
	reconnectAttempts prometheus.Counter
	recoveryState     *prometheus.GaugeVec
}

// NewCollector registers the collector's metrics with reg. A nil reg
// registers with the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		sessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Sessions currently open",
		}),
		sessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions opened, including resumes",
		}),
		linksAttached: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_attached",
			Help:      "Links currently attached by role",
		}, []string{"role"}),
		deliveriesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_registered_total",
			Help:      "Unsettled deliveries registered with the settlement tracker",
		}),
		deliveriesSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_settled_total",
			Help:      "Deliveries settled by outcome",
		}, []string{"outcome"}),
		unknownDispos: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_dispositions_total",
			Help:      "Dispositions received for deliveries that were not pending",
		}),
		sendsParked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_parked_total",
			Help:      "Sends that waited for link credit",
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made by the recovery coordinator",
		}),
		recoveryState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_state",
			Help:      "1 for the current recovery state, 0 otherwise",
		}, []string{"state"}),
	}
}

// ConnectionStateChanged implements amqp10.MetricsCollector
func (c *Collector) ConnectionStateChanged(state amqp10.ConnState) {
	for _, s := range connStates {
		c.connectionState.WithLabelValues(s.String()).Set(boolValue(s == state))
	}
}

// SessionOpened implements amqp10.MetricsCollector
func (c *Collector) SessionOpened() {
	c.sessionsOpen.Inc()
	c.sessionsOpened.Inc()
}

// SessionClosed implements amqp10.MetricsCollector
func (c *Collector) SessionClosed() {
	c.sessionsOpen.Dec()
}

// LinkAttached implements amqp10.MetricsCollector
func (c *Collector) LinkAttached(role protocol.Role) {
	c.linksAttached.WithLabelValues(role.String()).Inc()
}

// LinkDetached implements amqp10.MetricsCollector
func (c *Collector) LinkDetached(role protocol.Role) {
	c.linksAttached.WithLabelValues(role.String()).Dec()
}

// DeliveryRegistered implements amqp10.MetricsCollector
func (c *Collector) DeliveryRegistered() {
	c.deliveriesSent.Inc()
}

// DeliverySettled implements amqp10.MetricsCollector
func (c *Collector) DeliverySettled(outcome protocol.Outcome) {
	c.deliveriesSettled.WithLabelValues(outcome.String()).Inc()
}

// UnknownDisposition implements amqp10.MetricsCollector
func (c *Collector) UnknownDisposition() {
	c.unknownDispos.Inc()
}

// SendParked implements amqp10.MetricsCollector
func (c *Collector) SendParked() {
	c.sendsParked.Inc()
}

// ReconnectAttempt implements amqp10.MetricsCollector
func (c *Collector) ReconnectAttempt() {
	c.reconnectAttempts.Inc()
}

// RecoveryStateChanged implements amqp10.MetricsCollector
func (c *Collector) RecoveryStateChanged(state amqp10.RecoveryState) {
	for _, s := range recoveryStates {
		c.recoveryState.WithLabelValues(s.String()).Set(boolValue(s == state))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
