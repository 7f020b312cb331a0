package protocol

import (
	"sync"

	"github.com/eapache/queue"
)

// Mailbox is an unbounded FIFO of inbound frames. Producers never block;
// a pump goroutine hands frames to the single consumer in order.
type Mailbox struct {
	mu      sync.Mutex
	pending *queue.Queue
	closed  bool
	err     error

	wake chan struct{}
	out  chan Frame
	done chan struct{}
	stop chan struct{}

	doneOnce sync.Once
	stopOnce sync.Once
}

// NewMailbox creates a mailbox and starts its pump.
func NewMailbox() *Mailbox {
	m := &Mailbox{
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		out:     make(chan Frame),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go m.pump()
	return m
}

// Push enqueues a frame. It returns false once the mailbox is closed.
func (m *Mailbox) Push(f Frame) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.pending.Add(f)
	m.mu.Unlock()

	m.signal()
	return true
}

// CloseWithError stops accepting frames. Frames already queued are still
// delivered, then C is closed. The first error recorded wins.
func (m *Mailbox) CloseWithError(err error) {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.err = err
	}
	m.mu.Unlock()

	m.doneOnce.Do(func() { close(m.done) })
	m.signal()
}

// Discard closes the mailbox and drops anything not yet consumed.
func (m *Mailbox) Discard() {
	m.CloseWithError(nil)
	m.stopOnce.Do(func() { close(m.stop) })
}

// C returns the delivery channel.
func (m *Mailbox) C() <-chan Frame {
	return m.out
}

// Done is closed when the mailbox stops accepting frames.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Err returns the error the mailbox was closed with.
func (m *Mailbox) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Len reports the number of undelivered frames.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Length()
}

func (m *Mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox) pump() {
	defer close(m.out)

	for {
		m.mu.Lock()
		for m.pending.Length() == 0 {
			if m.closed {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()

			select {
			case <-m.wake:
			case <-m.stop:
				return
			}
			m.mu.Lock()
		}
		f := m.pending.Remove().(Frame)
		m.mu.Unlock()

		select {
		case m.out <- f:
		case <-m.stop:
			return
		}
	}
}
