package amqp10

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/linkmux/internal/protocol"
	"github.com/glimte/linkmux/internal/testutil"
)

type mockRecoveryListener struct {
	mu          sync.Mutex
	transitions map[string]bool
}

func (m *mockRecoveryListener) OnRecoveryStateChanged(from, to RecoveryState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitions == nil {
		m.transitions = make(map[string]bool)
	}
	m.transitions[from.String()+"->"+to.String()] = true
}

func (m *mockRecoveryListener) saw(from, to RecoveryState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions[from.String()+"->"+to.String()]
}

func tags(deliveries []*Delivery) []string {
	out := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, string(d.Tag()))
	}
	return out
}

func TestRecoveryCoordinator(t *testing.T) {
	t.Run("resumes sessions and links after connection loss", func(t *testing.T) {
		broker := testutil.NewFakeBroker(testutil.WithSenderCredit(10))
		h := newHarness(t, broker)
		rc := h.recovery(fastRetry(5))
		listener := &mockRecoveryListener{}
		rc.AddListener(listener)

		s := h.session()
		snd := h.attach(s, protocol.RoleSender, 0, WithLinkName("orders"))
		rcv := h.attach(s, protocol.RoleReceiver, 5, WithLinkName("inbox"))
		require.Eventually(t, func() bool { return snd.Credit() == 10 }, waitFor, 5*time.Millisecond)

		var sent []*Delivery
		for i := 0; i < 3; i++ {
			d, err := h.lm.Send(testContext(t), snd, []byte("payload"), WithDeliveryTag([]byte(fmt.Sprintf("t%d", i))))
			require.NoError(t, err)
			sent = append(sent, d)
		}
		require.Eventually(t, func() bool { return len(broker.Conn().Transfers("orders")) == 3 }, waitFor, 5*time.Millisecond)

		oldConn := h.conn
		sessionID := s.ID()
		broker.Conn().Drop(nil)

		newConn, err := broker.WaitConn(testContext(t), 2)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return rc.State() == RecoveryStable && snd.State() == LinkAttached && rcv.State() == LinkAttached
		}, waitFor, 5*time.Millisecond)
		require.NoError(t, rc.WaitStable(testContext(t)))

		assert.Equal(t, sessionID, s.ID(), "same logical session")
		assert.Equal(t, SessionOpen, s.State())
		assert.NotSame(t, oldConn, s.Connection())
		assert.Equal(t, "orders", snd.Name())
		assert.Equal(t, uint32(5), rcv.Credit())

		pending := h.cm.Tracker().PendingFor("orders")
		assert.Equal(t, []string{"t0", "t1", "t2"}, tags(pending))
		for i, d := range pending {
			assert.Same(t, sent[i], d)
			assert.Equal(t, uint32(1), d.DeliveryCount(), "resubmitted once")
		}

		require.Eventually(t, func() bool { return len(newConn.Transfers("orders")) == 3 }, waitFor, 5*time.Millisecond)
		for i := 0; i < 3; i++ {
			assert.True(t, testutil.HasTag(newConn.Transfers("orders"), []byte(fmt.Sprintf("t%d", i))))
			require.NoError(t, newConn.Settle("orders", []byte(fmt.Sprintf("t%d", i)), protocol.Accepted))
		}
		for _, d := range sent {
			outcome, err := d.Wait(testContext(t))
			require.NoError(t, err)
			assert.Equal(t, protocol.Accepted, outcome)
		}
		assert.Equal(t, 0, h.cm.Tracker().Pending())

		assert.Eventually(t, func() bool {
			return listener.saw(RecoveryStable, RecoveryReconnecting) &&
				listener.saw(RecoveryReconnecting, RecoveryResuming) &&
				listener.saw(RecoveryResuming, RecoveryStable)
		}, waitFor, 5*time.Millisecond)
		assert.Equal(t, 0, rc.Attempt())
	})

	t.Run("new sends queue behind resubmitted ones", func(t *testing.T) {
		broker := testutil.NewFakeBroker(testutil.WithSenderCredit(10))
		h := newHarness(t, broker)
		rc := h.recovery(fastRetry(5))

		s := h.session()
		l := h.attach(s, protocol.RoleSender, 0, WithLinkName("orders"))
		require.Eventually(t, func() bool { return l.Credit() == 10 }, waitFor, 5*time.Millisecond)
		_, err := h.lm.Send(testContext(t), l, nil, WithDeliveryTag([]byte("old")))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return len(broker.Conn().Transfers("orders")) == 1 }, waitFor, 5*time.Millisecond)

		broker.Conn().Drop(nil)
		newConn, err := broker.WaitConn(testContext(t), 2)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return rc.State() == RecoveryStable && l.State() == LinkAttached }, waitFor, 5*time.Millisecond)

		_, err = h.lm.Send(testContext(t), l, nil, WithDeliveryTag([]byte("new")))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(newConn.Transfers("orders")) == 2 }, waitFor, 5*time.Millisecond)
		transfers := newConn.Transfers("orders")
		assert.Equal(t, []byte("old"), transfers[0].DeliveryTag)
		assert.Equal(t, []byte("new"), transfers[1].DeliveryTag)
	})

	t.Run("received deliveries are left to redelivery", func(t *testing.T) {
		broker := testutil.NewFakeBroker()
		h := newHarness(t, broker)
		rc := h.recovery(fastRetry(5))

		s := h.session()
		l := h.attach(s, protocol.RoleReceiver, 5, WithLinkName("inbox"))
		require.NoError(t, broker.Conn().Deliver("inbox", []byte("r1"), nil, false))
		d, err := h.lm.Receive(testContext(t), l)
		require.NoError(t, err)

		broker.Conn().Drop(nil)
		_, err = broker.WaitConn(testContext(t), 2)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return rc.State() == RecoveryStable && l.State() == LinkAttached }, waitFor, 5*time.Millisecond)

		assert.Equal(t, protocol.Released, d.State())
		assert.Empty(t, h.cm.Tracker().PendingFor("inbox"))
		assert.ErrorIs(t, h.lm.Settle(context.Background(), l, d, Settlement{Outcome: protocol.Accepted}), ErrDeliveryNotPending)
	})

	t.Run("retries failed dials with backoff", func(t *testing.T) {
		broker := testutil.NewFakeBroker()
		h := newHarness(t, broker)
		listener := &mockStateListener{}
		h.cm.AddStateListener(listener)
		rc := h.recovery(fastRetry(5))
		s := h.session()

		broker.FailDials(2, errors.New("connection refused"))
		broker.Conn().Drop(nil)

		require.Eventually(t, func() bool {
			return broker.Dials() == 2 && rc.State() == RecoveryStable && s.State() == SessionOpen
		}, waitFor, 5*time.Millisecond)
		assert.Equal(t, int64(3), h.metrics.reconnects.Load())
		assert.Eventually(t, func() bool {
			_, _, reconnecting := listener.counts()
			return reconnecting == 3
		}, waitFor, 5*time.Millisecond)
	})

	t.Run("gives up when the retry budget is exhausted", func(t *testing.T) {
		broker := testutil.NewFakeBroker(testutil.WithSenderCredit(5))
		h := newHarness(t, broker)
		rc := h.recovery(fastRetry(3))

		s := h.session()
		l := h.attach(s, protocol.RoleSender, 0, WithLinkName("orders"))
		require.Eventually(t, func() bool { return l.Credit() == 5 }, waitFor, 5*time.Millisecond)
		d, err := h.lm.Send(testContext(t), l, nil)
		require.NoError(t, err)

		broker.FailDials(100, errors.New("connection refused"))
		broker.Conn().Drop(nil)

		require.Eventually(t, func() bool { return rc.State() == RecoveryFailedPermanently }, waitFor, 5*time.Millisecond)

		err = rc.WaitStable(testContext(t))
		assert.ErrorIs(t, err, ErrRecoveryExhausted)
		assert.True(t, IsFatal(err))
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, 3, connErr.Attempts)

		assert.ErrorIs(t, d.Err(), ErrRecoveryExhausted)
		assert.Equal(t, SessionEnded, s.State())
		assert.Equal(t, LinkDetached, l.State())
		assert.Equal(t, 0, h.cm.Tracker().Pending())
	})

	t.Run("fatal connection loss is not retried", func(t *testing.T) {
		broker := testutil.NewFakeBroker()
		h := newHarness(t, broker)
		rc := h.recovery(fastRetry(5))
		s := h.session()

		broker.Conn().CloseConnection(&protocol.Error{Condition: protocol.ConditionUnauthorizedAccess})

		require.Eventually(t, func() bool { return rc.State() == RecoveryFailedPermanently }, waitFor, 5*time.Millisecond)
		assert.Equal(t, 1, broker.Dials())
		assert.Equal(t, SessionEnded, s.State())
		assert.True(t, IsFatal(rc.Err()))
	})

	t.Run("re-attaches a link the peer detached transiently", func(t *testing.T) {
		broker := testutil.NewFakeBroker(testutil.WithSenderCredit(5))
		h := newHarness(t, broker)
		rc := h.recovery(fastRetry(5))
		s := h.session()
		l := h.attach(s, protocol.RoleSender, 0, WithLinkName("orders"))
		require.Eventually(t, func() bool { return l.Credit() == 5 }, waitFor, 5*time.Millisecond)

		require.NoError(t, broker.Conn().DetachLink("orders", &protocol.Error{Condition: protocol.ConditionDetachForced}))

		require.Eventually(t, func() bool {
			attaches := 0
			for _, f := range broker.Conn().Received() {
				if a, ok := f.(*protocol.Attach); ok && a.Name == "orders" {
					attaches++
				}
			}
			return attaches == 2 && l.State() == LinkAttached && rc.State() == RecoveryStable
		}, waitFor, 5*time.Millisecond)
		assert.Equal(t, 1, broker.Dials(), "the connection is kept")
		assert.Equal(t, SessionOpen, s.State())
	})

	t.Run("re-begins a session the peer ended transiently", func(t *testing.T) {
		broker := testutil.NewFakeBroker(testutil.WithSenderCredit(5))
		h := newHarness(t, broker)
		rc := h.recovery(fastRetry(5))
		s := h.session()
		l := h.attach(s, protocol.RoleSender, 0, WithLinkName("orders"))
		id := s.ID()

		broker.Conn().EndSession(s.Channel(), &protocol.Error{Condition: protocol.ConditionInternalError})

		require.Eventually(t, func() bool {
			begins := 0
			for _, f := range broker.Conn().Received() {
				if _, ok := f.(*protocol.Begin); ok {
					begins++
				}
			}
			return begins == 2 && s.State() == SessionOpen && l.State() == LinkAttached && rc.State() == RecoveryStable
		}, waitFor, 5*time.Millisecond)
		assert.Equal(t, id, s.ID())
	})

	t.Run("a link detached with a transient cause is re-attached", func(t *testing.T) {
		broker := testutil.NewFakeBroker()
		h := newHarness(t, broker)
		rc := h.recovery(fastRetry(5))
		s := h.session()
		l := h.attach(s, protocol.RoleReceiver, 2, WithLinkName("inbox"))

		err := h.lm.Detach(context.Background(), l, fmt.Errorf("rebalance: %w", ErrConnectionLost))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return l.State() == LinkAttached && rc.State() == RecoveryStable }, waitFor, 5*time.Millisecond)
	})

	t.Run("graceful close does not trigger recovery", func(t *testing.T) {
		broker := testutil.NewFakeBroker()
		h := newHarness(t, broker)
		rc := h.recovery(fastRetry(5))
		h.session()

		require.NoError(t, h.cm.Close(context.Background()))
		time.Sleep(30 * time.Millisecond)

		assert.Equal(t, RecoveryStable, rc.State())
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("Stop is safe before Start and twice", func(t *testing.T) {
		cm := NewConnectionManager("amqp://broker", testutil.NewFakeBroker(), WithLogger(discardLogger()))
		rc := NewRecoveryCoordinator(cm, NewSessionManager(), NewLinkManager())
		rc.Stop()
		rc.Stop()
		rc.Start()
		assert.Equal(t, RecoveryStable, rc.State())
	})
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 10, p.MaxRetries())

	first := p.NextDelay(0)
	assert.InDelta(t, float64(100*time.Millisecond), float64(first), float64(15*time.Millisecond)+1)
	assert.LessOrEqual(t, p.NextDelay(20), time.Duration(float64(30*time.Second)*1.15)+1)
}
