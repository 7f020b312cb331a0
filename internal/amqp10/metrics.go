package amqp10

import "github.com/glimte/linkmux/internal/protocol"

// MetricsCollector receives counters and gauges from the link core.
// Implementations must be safe for concurrent use and must not block.
type MetricsCollector interface {
	ConnectionStateChanged(state ConnState)
	SessionOpened()
	SessionClosed()
	LinkAttached(role protocol.Role)
	LinkDetached(role protocol.Role)
	DeliveryRegistered()
	DeliverySettled(outcome protocol.Outcome)
	UnknownDisposition()
	SendParked()
	ReconnectAttempt()
	RecoveryStateChanged(state RecoveryState)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionStateChanged(ConnState)   {}
func (noopMetrics) SessionOpened()                     {}
func (noopMetrics) SessionClosed()                     {}
func (noopMetrics) LinkAttached(protocol.Role)         {}
func (noopMetrics) LinkDetached(protocol.Role)         {}
func (noopMetrics) DeliveryRegistered()                {}
func (noopMetrics) DeliverySettled(protocol.Outcome)   {}
func (noopMetrics) UnknownDisposition()                {}
func (noopMetrics) SendParked()                        {}
func (noopMetrics) ReconnectAttempt()                  {}
func (noopMetrics) RecoveryStateChanged(RecoveryState) {}

// NoopMetrics returns a collector that discards everything.
func NoopMetrics() MetricsCollector {
	return noopMetrics{}
}
