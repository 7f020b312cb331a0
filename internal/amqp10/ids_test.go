package amqp10

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/linkmux/internal/testutil"
)

func TestIDAllocator(t *testing.T) {
	t.Run("starts at one and increases", func(t *testing.T) {
		ids := NewIDAllocator()
		assert.Equal(t, uint64(1), ids.Next())
		assert.Equal(t, uint64(2), ids.Next())
		assert.Equal(t, uint64(3), ids.Next())
	})

	t.Run("is unique under concurrent use", func(t *testing.T) {
		ids := NewIDAllocator()
		const workers, perWorker = 16, 500

		results := make([][]uint64, workers)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					results[w] = append(results[w], ids.Next())
				}
			}(w)
		}
		wg.Wait()

		seen := make(map[uint64]bool)
		for _, r := range results {
			for i := 1; i < len(r); i++ {
				assert.Greater(t, r[i], r[i-1], "ids taken by one goroutine must increase")
			}
			for _, id := range r {
				assert.False(t, seen[id], "id %d handed out twice", id)
				seen[id] = true
			}
		}
		assert.Len(t, seen, workers*perWorker)
	})

	t.Run("default allocator is shared", func(t *testing.T) {
		a := DefaultIDAllocator().Next()
		b := DefaultIDAllocator().Next()
		assert.Greater(t, b, a)
	})
}

func TestCreateSessionIDs(t *testing.T) {
	t.Run("sessions get increasing ids in call order", func(t *testing.T) {
		h := newHarness(t, testutil.NewFakeBroker())

		var last uint64
		for i := 0; i < 5; i++ {
			s := h.session()
			assert.Greater(t, s.ID(), last)
			last = s.ID()
		}
	})

	t.Run("concurrent creation yields distinct ids", func(t *testing.T) {
		h := newHarness(t, testutil.NewFakeBroker())
		const n = 20

		var mu sync.Mutex
		var got []uint64
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := h.sm.CreateSession(context.Background(), h.conn)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				got = append(got, s.ID())
				mu.Unlock()
			}()
		}
		wg.Wait()

		require.Len(t, got, n)
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		for i := range got {
			assert.Equal(t, uint64(i+1), got[i])
		}
	})

	t.Run("ids are not reused after a session ends", func(t *testing.T) {
		h := newHarness(t, testutil.NewFakeBroker())

		s1 := h.session()
		require.NoError(t, h.sm.CloseSession(context.Background(), s1))
		s2 := h.session()

		assert.Equal(t, s1.Channel(), s2.Channel(), "channel is recycled")
		assert.Greater(t, s2.ID(), s1.ID(), "id is not")
	})
}
