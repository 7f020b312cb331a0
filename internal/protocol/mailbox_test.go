package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMailbox(t *testing.T) {
	t.Run("delivers frames in push order", func(t *testing.T) {
		m := NewMailbox()
		defer m.Discard()

		for i := uint16(0); i < 100; i++ {
			require.True(t, m.Push(&Begin{Channel: i}))
		}

		for i := uint16(0); i < 100; i++ {
			select {
			case f := <-m.C():
				assert.Equal(t, i, f.(*Begin).Channel)
			case <-time.After(time.Second):
				t.Fatalf("frame %d not delivered", i)
			}
		}
	})

	t.Run("drains queued frames before closing C", func(t *testing.T) {
		m := NewMailbox()
		boom := errors.New("boom")

		m.Push(&Empty{})
		m.Push(&Close{})
		m.CloseWithError(boom)

		assert.False(t, m.Push(&Empty{}))

		var got []Frame
		for f := range m.C() {
			got = append(got, f)
		}
		assert.Len(t, got, 2)
		assert.Equal(t, boom, m.Err())
	})

	t.Run("first close error wins", func(t *testing.T) {
		m := NewMailbox()
		first := errors.New("first")
		m.CloseWithError(first)
		m.CloseWithError(errors.New("second"))
		for range m.C() {
		}
		assert.Equal(t, first, m.Err())
	})

	t.Run("Discard releases the pump with undelivered frames", func(t *testing.T) {
		m := NewMailbox()
		m.Push(&Empty{})
		m.Push(&Empty{})
		m.Discard()

		select {
		case <-m.Done():
		case <-time.After(time.Second):
			t.Fatal("Done not closed")
		}
	})
}

func TestOutcome(t *testing.T) {
	assert.False(t, Unsettled.Terminal())
	for _, o := range []Outcome{Accepted, Rejected, Released, Modified} {
		assert.True(t, o.Terminal(), o.String())
	}
}

func TestConditionClassification(t *testing.T) {
	assert.True(t, ConditionDetachForced.Transient())
	assert.True(t, ConditionServerBusy.Transient())
	assert.False(t, ConditionUnauthorizedAccess.Transient())
	assert.True(t, ConditionUnauthorizedAccess.Permanent())
	assert.True(t, ConditionResourceLimitExceeded.ResourceLimit())
	assert.False(t, ConditionFramingError.Permanent())
}

func TestDispositionLastID(t *testing.T) {
	d := &Disposition{First: 4}
	assert.Equal(t, uint32(4), d.LastID())
	d.Last = Uint32(9)
	assert.Equal(t, uint32(9), d.LastID())
}
