package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/linkmux/internal/protocol"
)

var (
	// Connection errors
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")
	ErrForeignDelivery   = errors.New("rabbitmq: delivery not from this engine")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// conditions maps AMQP 0-9-1 reply codes onto AMQP 1.0 conditions.
var conditions = map[int]protocol.Condition{
	amqp.ContentTooLarge:    protocol.ConditionMessageSizeExceeded,
	amqp.NoRoute:            protocol.ConditionNotFound,
	amqp.NoConsumers:        protocol.ConditionNotFound,
	amqp.ConnectionForced:   protocol.ConditionConnectionForced,
	amqp.InvalidPath:        protocol.ConditionNotFound,
	amqp.AccessRefused:      protocol.ConditionUnauthorizedAccess,
	amqp.NotFound:           protocol.ConditionNotFound,
	amqp.ResourceLocked:     protocol.ConditionResourceLocked,
	amqp.PreconditionFailed: protocol.ConditionPreconditionFailed,
	amqp.FrameError:         protocol.ConditionFramingError,
	amqp.SyntaxError:        protocol.ConditionDecodeError,
	amqp.CommandInvalid:     protocol.ConditionIllegalState,
	amqp.ChannelError:       protocol.ConditionDetachForced,
	amqp.UnexpectedFrame:    protocol.ConditionFramingError,
	amqp.ResourceError:      protocol.ConditionResourceLimitExceeded,
	amqp.NotAllowed:         protocol.ConditionNotAllowed,
	amqp.NotImplemented:     protocol.ConditionNotImplemented,
	amqp.InternalError:      protocol.ConditionInternalError,
}

// toProtocolError converts broker errors into the core's terms. Other
// errors are returned unchanged.
func toProtocolError(err error) error {
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return err
	}
	cond, ok := conditions[amqpErr.Code]
	if !ok {
		cond = protocol.ConditionInternalError
	}
	return &protocol.Error{Condition: cond, Description: amqpErr.Reason}
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
