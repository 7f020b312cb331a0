package amqp10

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/linkmux/internal/protocol"
	"github.com/glimte/linkmux/internal/reliability"
)

var (
	// Connection errors
	ErrConnectionNotOpen    = errors.New("amqp10: connection not open")
	ErrConnectionLost       = errors.New("amqp10: connection lost")
	ErrConnectionClosed     = errors.New("amqp10: connection closed")
	ErrConnectionTimeout    = errors.New("amqp10: connection timeout")
	ErrIdleTimeout          = errors.New("amqp10: idle timeout expired")
	ErrHandshakeFailed      = errors.New("amqp10: open handshake failed")
	ErrAuthenticationFailed = errors.New("amqp10: authentication failed")

	// Session errors
	ErrSessionNotOpen   = errors.New("amqp10: session not open")
	ErrSessionEnded     = errors.New("amqp10: session ended")
	ErrSessionTableFull = errors.New("amqp10: session table full")

	// Link errors
	ErrLinkNotAttached  = errors.New("amqp10: link not attached")
	ErrLinkDetached     = errors.New("amqp10: link detached")
	ErrLinkTableFull    = errors.New("amqp10: link table full")
	ErrInvalidDirection = errors.New("amqp10: operation not valid for link direction")
	ErrCreditExceeded   = errors.New("amqp10: peer exceeded granted credit")

	// Settlement errors
	ErrDuplicateDeliveryTag = errors.New("amqp10: delivery tag already pending on link")
	ErrDeliveryNotPending   = errors.New("amqp10: delivery is not pending settlement")
	ErrMessageTooLarge      = errors.New("amqp10: payload exceeds the negotiated max frame size")

	// General errors
	ErrProtocolViolation    = errors.New("amqp10: protocol violation")
	ErrCloseTimeout         = errors.New("amqp10: close handshake timed out")
	ErrRecoveryExhausted    = errors.New("amqp10: recovery retry budget exhausted")
	ErrInvalidConfiguration = errors.New("amqp10: invalid configuration")
)

// Category groups errors by how they must be handled.
type Category int

const (
	// CategoryUnknown covers errors the taxonomy has no rule for.
	CategoryUnknown Category = iota
	// CategoryTransient failures are absorbed by the RecoveryCoordinator.
	CategoryTransient
	// CategoryProtocol failures end only the affected session or link.
	CategoryProtocol
	// CategoryResource failures are retryable by the caller.
	CategoryResource
	// CategoryPermanent failures stop all automatic recovery.
	CategoryPermanent
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryProtocol:
		return "protocol"
	case CategoryResource:
		return "resource"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify places err in the error taxonomy.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	switch {
	case errors.Is(err, ErrRecoveryExhausted),
		errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, reliability.ErrMaxRetriesExceeded),
		errors.Is(err, ErrInvalidConfiguration):
		return CategoryPermanent
	case errors.Is(err, ErrProtocolViolation),
		errors.Is(err, ErrCreditExceeded),
		errors.Is(err, ErrDuplicateDeliveryTag),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrInvalidDirection):
		return CategoryProtocol
	case errors.Is(err, ErrSessionTableFull),
		errors.Is(err, ErrLinkTableFull):
		return CategoryResource
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrIdleTimeout),
		errors.Is(err, ErrConnectionTimeout),
		errors.Is(err, protocol.ErrTransportClosed):
		return CategoryTransient
	}

	if remote := remoteError(err); remote != nil {
		switch {
		case remote.Condition.Permanent():
			return CategoryPermanent
		case remote.Condition.ResourceLimit():
			return CategoryResource
		case remote.Condition.Transient():
			return CategoryTransient
		default:
			return CategoryProtocol
		}
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) && connErr.Op == "dial" {
		return CategoryTransient
	}

	return CategoryUnknown
}

// IsTransient reports whether err is absorbed by automatic recovery.
func IsTransient(err error) bool {
	return Classify(err) == CategoryTransient
}

// IsRetryable reports whether a caller may retry the failed operation.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case CategoryTransient, CategoryResource:
		return true
	}
	return false
}

// IsFatal reports whether err is terminal.
func IsFatal(err error) bool {
	return Classify(err) == CategoryPermanent
}

func remoteError(err error) *protocol.Error {
	var remote *protocol.Error
	if errors.As(err, &remote) {
		return remote
	}
	return nil
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string          // Operation that failed
	Address   string          // Peer address (sanitized)
	Err       error           // Underlying error
	Remote    *protocol.Error // Error sent by the peer, if any
	Timestamp time.Time       // When the error occurred
	Attempts  int             // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("amqp10 connection error: %s %s failed after %d attempts: %v", e.Op, e.Address, e.Attempts, e.Err)
	}
	return fmt.Sprintf("amqp10 connection error: %s %s failed: %v", e.Op, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Remote != nil {
		return []error{e.Err, e.Remote}
	}
	return []error{e.Err}
}

// IsRetryable lets the reliability package classify the error.
func (e *ConnectionError) IsRetryable() bool {
	return IsRetryable(e)
}

// SessionError represents a session-related error
type SessionError struct {
	Op        string
	SessionID uint64
	Channel   uint16
	Err       error
	Remote    *protocol.Error
	Timestamp time.Time
}

func (e *SessionError) Error() string {
	if e.Remote != nil {
		return fmt.Sprintf("amqp10 session error: %s on session %d (channel %d) failed: %v: %v", e.Op, e.SessionID, e.Channel, e.Err, e.Remote)
	}
	return fmt.Sprintf("amqp10 session error: %s on session %d (channel %d) failed: %v", e.Op, e.SessionID, e.Channel, e.Err)
}

func (e *SessionError) Unwrap() []error {
	if e.Remote != nil {
		return []error{e.Err, e.Remote}
	}
	return []error{e.Err}
}

// IsRetryable lets the reliability package classify the error.
func (e *SessionError) IsRetryable() bool {
	return IsRetryable(e)
}

// LinkError represents a link-related error
type LinkError struct {
	Op        string
	Link      string
	Handle    uint32
	Err       error
	Remote    *protocol.Error
	Timestamp time.Time
}

func (e *LinkError) Error() string {
	if e.Remote != nil {
		return fmt.Sprintf("amqp10 link error: %s on link %s (handle %d) failed: %v: %v", e.Op, e.Link, e.Handle, e.Err, e.Remote)
	}
	return fmt.Sprintf("amqp10 link error: %s on link %s (handle %d) failed: %v", e.Op, e.Link, e.Handle, e.Err)
}

func (e *LinkError) Unwrap() []error {
	if e.Remote != nil {
		return []error{e.Err, e.Remote}
	}
	return []error{e.Err}
}

// IsRetryable lets the reliability package classify the error.
func (e *LinkError) IsRetryable() bool {
	return IsRetryable(e)
}

// toRemote converts a local cause into the error carried by Detach/End.
func toRemote(cause error) *protocol.Error {
	if cause == nil {
		return nil
	}
	if remote := remoteError(cause); remote != nil {
		return remote
	}
	cond := protocol.ConditionInternalError
	switch Classify(cause) {
	case CategoryTransient:
		cond = protocol.ConditionDetachForced
	case CategoryProtocol:
		cond = protocol.ConditionIllegalState
	}
	if errors.Is(cause, context.Canceled) {
		cond = protocol.ConditionDetachForced
	}
	return &protocol.Error{Condition: cond, Description: cause.Error()}
}
