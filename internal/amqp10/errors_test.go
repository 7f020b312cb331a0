package amqp10

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/linkmux/internal/protocol"
	"github.com/glimte/linkmux/internal/reliability"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"plain error", errors.New("boom"), CategoryUnknown},
		{"connection lost", fmt.Errorf("read: %w", ErrConnectionLost), CategoryTransient},
		{"idle timeout", ErrIdleTimeout, CategoryTransient},
		{"transport closed", protocol.ErrTransportClosed, CategoryTransient},
		{"dial failure", &ConnectionError{Op: "dial", Err: errors.New("refused")}, CategoryTransient},
		{"recovery exhausted", &ConnectionError{Op: "recover", Err: ErrRecoveryExhausted}, CategoryPermanent},
		{"retry budget", &reliability.RetryError{LastError: ErrConnectionLost}, CategoryPermanent},
		{"credit exceeded", &LinkError{Op: "transfer", Err: ErrCreditExceeded}, CategoryProtocol},
		{"session table full", &SessionError{Op: "begin", Err: ErrSessionTableFull}, CategoryResource},
		{"remote detach-forced", &LinkError{Err: ErrLinkDetached, Remote: &protocol.Error{Condition: protocol.ConditionDetachForced}}, CategoryTransient},
		{"remote unauthorized", &ConnectionError{Err: ErrConnectionClosed, Remote: &protocol.Error{Condition: protocol.ConditionUnauthorizedAccess}}, CategoryPermanent},
		{"remote resource limit", &LinkError{Err: ErrLinkDetached, Remote: &protocol.Error{Condition: protocol.ConditionResourceLimitExceeded}}, CategoryResource},
		{"remote decode error", &SessionError{Err: ErrSessionEnded, Remote: &protocol.Error{Condition: protocol.ConditionDecodeError}}, CategoryProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	t.Run("resource errors are retryable but not transient", func(t *testing.T) {
		err := &LinkError{Op: "attach", Err: ErrLinkTableFull}
		assert.True(t, IsRetryable(err))
		assert.False(t, IsTransient(err))
		assert.False(t, IsFatal(err))
	})

	t.Run("typed errors satisfy the retry package", func(t *testing.T) {
		calls := 0
		err := reliability.Retry(context.Background(), reliability.NewFixedDelay(0, 5), func(int) error {
			calls++
			return &SessionError{Op: "begin", Err: ErrCreditExceeded}
		})
		assert.Equal(t, 1, calls, "protocol errors are not retried")
		assert.ErrorIs(t, err, ErrCreditExceeded)
	})

	t.Run("errors.Is reaches both the cause and the remote error", func(t *testing.T) {
		remote := &protocol.Error{Condition: protocol.ConditionStolen}
		err := &LinkError{Op: "detach", Link: "orders", Err: ErrLinkDetached, Remote: remote}

		assert.ErrorIs(t, err, ErrLinkDetached)
		var got *protocol.Error
		assert.ErrorAs(t, err, &got)
		assert.Same(t, remote, got)
		assert.Contains(t, err.Error(), "orders")
		assert.Contains(t, err.Error(), string(protocol.ConditionStolen))
	})

	t.Run("attempts show up in the message", func(t *testing.T) {
		err := &ConnectionError{Op: "recover", Address: "amqp://broker", Err: ErrRecoveryExhausted, Attempts: 4}
		assert.Contains(t, err.Error(), "after 4 attempts")
	})
}

func TestToRemote(t *testing.T) {
	assert.Nil(t, toRemote(nil))

	remote := &protocol.Error{Condition: protocol.ConditionNotAllowed}
	assert.Same(t, remote, toRemote(&LinkError{Err: ErrLinkDetached, Remote: remote}))

	assert.Equal(t, protocol.ConditionDetachForced, toRemote(ErrConnectionLost).Condition)
	assert.Equal(t, protocol.ConditionIllegalState, toRemote(ErrProtocolViolation).Condition)
	assert.Equal(t, protocol.ConditionDetachForced, toRemote(context.Canceled).Condition)
	assert.Equal(t, protocol.ConditionInternalError, toRemote(errors.New("boom")).Condition)
}
