package amqp10

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/linkmux/internal/protocol"
	"github.com/glimte/linkmux/internal/testutil"
)

func isEnd(channel uint16) func(protocol.Frame) bool {
	return func(f protocol.Frame) bool {
		e, ok := f.(*protocol.End)
		return ok && e.Channel == channel
	}
}

func TestSessionManager(t *testing.T) {
	t.Run("session round trip without links", func(t *testing.T) {
		logs := &logBuffer{}
		broker := testutil.NewFakeBroker()
		h := newHarness(t, broker)
		sm := NewSessionManager(
			WithIDAllocator(NewIDAllocator()),
			WithSessionLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		)

		s, err := sm.CreateSession(context.Background(), h.conn)
		require.NoError(t, err)
		assert.Equal(t, SessionOpen, s.State())
		assert.Same(t, h.conn, s.Connection())

		require.NoError(t, sm.CloseSession(context.Background(), s))
		assert.Equal(t, SessionEnded, s.State())
		assert.NoError(t, s.Err())

		out := logs.String()
		assert.Contains(t, out, "from=opening to=open")
		assert.Contains(t, out, "from=open to=closing")
		assert.Contains(t, out, "from=closing to=ended")

		for _, f := range broker.Conn().Received() {
			_, isAttach := f.(*protocol.Attach)
			assert.False(t, isAttach)
		}
	})

	t.Run("sessions take the lowest free channel", func(t *testing.T) {
		h := newHarness(t, testutil.NewFakeBroker())

		s1 := h.session()
		s2 := h.session()
		assert.Equal(t, uint16(0), s1.Channel())
		assert.Equal(t, uint16(1), s2.Channel())
		assert.Equal(t, int64(2), h.metrics.sessions.Load())
	})

	t.Run("CreateSession fails when the connection is not open", func(t *testing.T) {
		h := newHarness(t, testutil.NewFakeBroker())
		require.NoError(t, h.cm.Close(context.Background()))

		s, err := h.sm.CreateSession(context.Background(), h.conn)
		assert.Nil(t, s)
		assert.ErrorIs(t, err, ErrConnectionNotOpen)
		var sessErr *SessionError
		assert.ErrorAs(t, err, &sessErr)
	})

	t.Run("CloseSession after connection loss short-circuits to Ended", func(t *testing.T) {
		broker := testutil.NewFakeBroker()
		h := newHarness(t, broker)
		s := h.session()

		broker.Conn().Drop(nil)
		<-h.conn.Done()
		require.Equal(t, SessionFailed, s.State())

		assert.NoError(t, h.sm.CloseSession(context.Background(), s))
		assert.Equal(t, SessionEnded, s.State())
		assert.NoError(t, h.sm.CloseSession(context.Background(), s), "close is idempotent")
	})

	t.Run("cancelled Begin ends the session once the peer answers", func(t *testing.T) {
		broker := testutil.NewFakeBroker(testutil.WithoutReply(testutil.KindBegin))
		h := newHarness(t, broker)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		s, err := h.sm.CreateSession(ctx, h.conn)
		assert.Nil(t, s)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		broker.Conn().Push(&protocol.Begin{Channel: 0, RemoteChannel: protocol.Uint16(0)})

		_, err = broker.WaitFor(testContext(t), isEnd(0))
		assert.NoError(t, err, "abandoned session must be ended")
	})

	t.Run("End completes even if the caller gives up", func(t *testing.T) {
		broker := testutil.NewFakeBroker(testutil.WithoutReply(testutil.KindEnd))
		h := newHarness(t, broker)
		s := h.session()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.sm.CloseSession(ctx, s) }()

		_, err := broker.WaitFor(testContext(t), isEnd(s.Channel()))
		require.NoError(t, err)
		cancel()

		select {
		case err := <-done:
			t.Fatalf("CloseSession returned before the peer answered: %v", err)
		case <-time.After(30 * time.Millisecond):
		}

		broker.Conn().Push(&protocol.End{Channel: s.Channel()})
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("CloseSession did not complete")
		}
		assert.Equal(t, SessionEnded, s.State())
	})

	t.Run("End gives up after the close timeout", func(t *testing.T) {
		broker := testutil.NewFakeBroker(testutil.WithoutReply(testutil.KindEnd))
		h := newHarness(t, broker, WithCloseTimeout(50*time.Millisecond))
		s := h.session()

		err := h.sm.CloseSession(context.Background(), s)
		assert.ErrorIs(t, err, ErrCloseTimeout)
		assert.Equal(t, SessionEnded, s.State())

		next := h.session()
		assert.Equal(t, s.Channel(), next.Channel(), "channel is released")
	})

	t.Run("peer End affects only that session", func(t *testing.T) {
		broker := testutil.NewFakeBroker()
		h := newHarness(t, broker)
		s1 := h.session()
		s2 := h.session()

		broker.Conn().EndSession(s1.Channel(), &protocol.Error{Condition: protocol.ConditionNotAllowed})

		assert.Eventually(t, func() bool { return s1.State() == SessionEnded }, waitFor, 5*time.Millisecond)
		assert.Equal(t, SessionOpen, s2.State())
		assert.Equal(t, ConnOpen, h.conn.State())
		assert.ErrorIs(t, s1.Err(), ErrSessionEnded)

		_, err := broker.WaitFor(testContext(t), isEnd(s1.Channel()))
		assert.NoError(t, err, "peer End is answered")
	})

	t.Run("peer End with a transient error leaves the session failed", func(t *testing.T) {
		broker := testutil.NewFakeBroker()
		h := newHarness(t, broker)
		s := h.session()

		broker.Conn().EndSession(s.Channel(), &protocol.Error{Condition: protocol.ConditionConnectionForced})

		assert.Eventually(t, func() bool { return s.State() == SessionFailed }, waitFor, 5*time.Millisecond)
		assert.True(t, IsTransient(s.Err()))
	})

	t.Run("session-scoped violation ends only the session", func(t *testing.T) {
		broker := testutil.NewFakeBroker()
		h := newHarness(t, broker)
		s1 := h.session()
		s2 := h.session()

		broker.Conn().Push(&protocol.Transfer{Channel: s1.Channel(), Handle: 42, DeliveryTag: []byte("x")})

		frame, err := broker.WaitFor(testContext(t), isEnd(s1.Channel()))
		require.NoError(t, err)
		end := frame.(*protocol.End)
		require.NotNil(t, end.Error)
		assert.Equal(t, protocol.ConditionUnattachedHandle, end.Error.Condition)

		assert.Eventually(t, func() bool { return s1.State() == SessionEnded }, waitFor, 5*time.Millisecond)
		assert.Equal(t, SessionOpen, s2.State())
		assert.Equal(t, ConnOpen, h.conn.State())
	})
}
