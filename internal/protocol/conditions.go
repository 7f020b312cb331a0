package protocol

import "fmt"

// Condition is an AMQP error condition symbol.
type Condition string

// Standard and broker-specific conditions the client reacts to.
const (
	ConditionInternalError         Condition = "amqp:internal-error"
	ConditionNotFound              Condition = "amqp:not-found"
	ConditionUnauthorizedAccess    Condition = "amqp:unauthorized-access"
	ConditionDecodeError           Condition = "amqp:decode-error"
	ConditionResourceLimitExceeded Condition = "amqp:resource-limit-exceeded"
	ConditionNotAllowed            Condition = "amqp:not-allowed"
	ConditionInvalidField          Condition = "amqp:invalid-field"
	ConditionNotImplemented        Condition = "amqp:not-implemented"
	ConditionResourceLocked        Condition = "amqp:resource-locked"
	ConditionPreconditionFailed    Condition = "amqp:precondition-failed"
	ConditionResourceDeleted       Condition = "amqp:resource-deleted"
	ConditionIllegalState          Condition = "amqp:illegal-state"
	ConditionFrameSizeTooSmall     Condition = "amqp:frame-size-too-small"

	ConditionConnectionForced Condition = "amqp:connection:forced"
	ConditionFramingError     Condition = "amqp:connection:framing-error"
	ConditionRedirect         Condition = "amqp:connection:redirect"

	ConditionWindowViolation  Condition = "amqp:session:window-violation"
	ConditionErrantLink       Condition = "amqp:session:errant-link"
	ConditionHandleInUse      Condition = "amqp:session:handle-in-use"
	ConditionUnattachedHandle Condition = "amqp:session:unattached-handle"

	ConditionDetachForced          Condition = "amqp:link:detach-forced"
	ConditionTransferLimitExceeded Condition = "amqp:link:transfer-limit-exceeded"
	ConditionMessageSizeExceeded   Condition = "amqp:link:message-size-exceeded"
	ConditionLinkRedirect          Condition = "amqp:link:redirect"
	ConditionStolen                Condition = "amqp:link:stolen"

	ConditionServerBusy Condition = "com.microsoft:server-busy"
	ConditionTimeout    Condition = "com.microsoft:timeout"
	ConditionDeadLetter Condition = "com.microsoft:dead-letter"
)

// Error is the error carried by Close, End, Detach and rejected dispositions.
type Error struct {
	Condition   Condition
	Description string
	Info        map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

// Transient reports whether the condition describes a failure that a
// reconnect or re-attach can be expected to clear.
func (c Condition) Transient() bool {
	switch c {
	case ConditionConnectionForced,
		ConditionDetachForced,
		ConditionInternalError,
		ConditionServerBusy,
		ConditionTimeout,
		ConditionRedirect,
		ConditionLinkRedirect:
		return true
	}
	return false
}

// Permanent reports whether retrying can never succeed.
func (c Condition) Permanent() bool {
	switch c {
	case ConditionUnauthorizedAccess,
		ConditionNotFound,
		ConditionNotAllowed,
		ConditionResourceDeleted,
		ConditionStolen:
		return true
	}
	return false
}

// ResourceLimit reports whether the peer refused for lack of capacity.
func (c Condition) ResourceLimit() bool {
	return c == ConditionResourceLimitExceeded || c == ConditionResourceLocked
}
