// Package testutil provides an in-memory AMQP 1.0 peer for tests of the
// session and link core.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/glimte/linkmux/internal/protocol"
)

// Kind names a performative the broker answers automatically.
type Kind int

const (
	KindOpen Kind = iota
	KindBegin
	KindAttach
	KindDetach
	KindEnd
	KindClose
)

// BrokerOption configures a FakeBroker
type BrokerOption func(*FakeBroker)

// WithSenderCredit makes the broker grant credit to every sender link the
// client attaches.
func WithSenderCredit(n uint32) BrokerOption {
	return func(b *FakeBroker) {
		b.senderCredit = n
	}
}

// WithAutoAccept makes the broker accept every unsettled transfer it
// receives.
func WithAutoAccept() BrokerOption {
	return func(b *FakeBroker) {
		b.autoAccept = true
	}
}

// WithMaxFrameSize sets the max-frame-size the broker announces. By
// default it echoes the client's.
func WithMaxFrameSize(n uint32) BrokerOption {
	return func(b *FakeBroker) {
		b.maxFrameSize = n
	}
}

// WithChannelMax sets the channel-max the broker announces.
func WithChannelMax(n uint16) BrokerOption {
	return func(b *FakeBroker) {
		b.channelMax = n
	}
}

// WithoutReply stops the broker from answering the given performatives.
func WithoutReply(kinds ...Kind) BrokerOption {
	return func(b *FakeBroker) {
		for _, k := range kinds {
			b.silent[k] = true
		}
	}
}

// FakeBroker is a scripted peer implementing protocol.Dialer. Each dial
// yields a FakeConn that answers the client's handshakes and records every
// frame it receives.
type FakeBroker struct {
	mu           sync.Mutex
	conns        []*FakeConn
	dialFailures int
	dialErr      error
	lastConfig   protocol.DialConfig
	senderCredit uint32
	autoAccept   bool
	channelMax   uint16
	maxFrameSize uint32
	silent       map[Kind]bool
	refuseAttach *protocol.Error
	changed      chan struct{}
}

// NewFakeBroker creates a broker
func NewFakeBroker(opts ...BrokerOption) *FakeBroker {
	b := &FakeBroker{
		channelMax: 65535,
		silent:     make(map[Kind]bool),
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial implements protocol.Dialer.
func (b *FakeBroker) Dial(ctx context.Context, cfg protocol.DialConfig) (protocol.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastConfig = cfg
	if b.dialFailures > 0 {
		b.dialFailures--
		b.signalLocked()
		return nil, b.dialErr
	}

	c := &FakeConn{
		broker:   b,
		mailbox:  protocol.NewMailbox(),
		sessions: make(map[uint16]*fakeSession),
		done:     make(chan struct{}),
	}
	b.conns = append(b.conns, c)
	b.signalLocked()
	return c, nil
}

// FailDials makes the next n dials fail with err.
func (b *FakeBroker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialFailures = n
	b.dialErr = err
}

// SetSilent turns automatic replies to kind off or back on.
func (b *FakeBroker) SetSilent(kind Kind, silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent[kind] = silent
}

// RefuseAttach makes the broker answer every Attach with an Attach that
// has no terminus on the broker's side, followed by a Detach carrying err.
// A nil err restores normal attaches.
func (b *FakeBroker) RefuseAttach(err *protocol.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuseAttach = err
}

// SetSenderCredit changes the credit granted to sender links attached from
// now on.
func (b *FakeBroker) SetSenderCredit(n uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senderCredit = n
}

// Dials returns the number of transports handed out.
func (b *FakeBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// LastConfig returns the configuration of the most recent dial.
func (b *FakeBroker) LastConfig() protocol.DialConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastConfig
}

// Conn returns the most recent transport, or nil.
func (b *FakeBroker) Conn() *FakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// WaitConn waits until at least n transports have been dialed and returns
// the n-th.
func (b *FakeBroker) WaitConn(ctx context.Context, n int) (*FakeConn, error) {
	for {
		b.mu.Lock()
		if len(b.conns) >= n {
			c := b.conns[n-1]
			b.mu.Unlock()
			return c, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for connection %d: %w", n, ctx.Err())
		}
	}
}

// WaitFor waits until the most recent transport has received a frame
// matching match and returns it.
func (b *FakeBroker) WaitFor(ctx context.Context, match func(protocol.Frame) bool) (protocol.Frame, error) {
	for {
		b.mu.Lock()
		changed := b.changed
		var conn *FakeConn
		if len(b.conns) > 0 {
			conn = b.conns[len(b.conns)-1]
		}
		b.mu.Unlock()

		if conn != nil {
			for _, f := range conn.Received() {
				if match(f) {
					return f, nil
				}
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for frame: %w", ctx.Err())
		}
	}
}

func (b *FakeBroker) signalLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *FakeBroker) signal() {
	b.mu.Lock()
	b.signalLocked()
	b.mu.Unlock()
}

func (b *FakeBroker) isSilent(k Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.silent[k]
}

type fakeLink struct {
	name          string
	channel       uint16
	handle        uint32
	role          protocol.Role // the client's role
	deliveryCount uint32
	credit        uint32
	tags          map[string]uint32
	closing       bool
}

type fakeSession struct {
	channel        uint16
	links          map[uint32]*fakeLink
	nextDeliveryID uint32
	ending         bool
}

// FakeConn is one transport handed out by a FakeBroker.
type FakeConn struct {
	broker  *FakeBroker
	mailbox *protocol.Mailbox

	mu        sync.Mutex
	received  []protocol.Frame
	sessions  map[uint16]*fakeSession
	closed    bool
	closing   bool
	done      chan struct{}
	closeOnce sync.Once
}

// Send implements protocol.Transport. The broker's replies are queued
// before Send returns.
func (c *FakeConn) Send(ctx context.Context, f protocol.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ErrTransportClosed
	}
	c.received = append(c.received, f)
	c.react(f)
	c.mu.Unlock()

	c.broker.signal()
	return nil
}

// Frames implements protocol.Transport.
func (c *FakeConn) Frames() <-chan protocol.Frame { return c.mailbox.C() }

// Done implements protocol.Transport.
func (c *FakeConn) Done() <-chan struct{} { return c.done }

// Err implements protocol.Transport.
func (c *FakeConn) Err() error { return c.mailbox.Err() }

// Close implements protocol.Transport.
func (c *FakeConn) Close() error {
	c.shut(nil, true)
	return nil
}

// Drop simulates losing the network connection. A nil err reports
// io.ErrUnexpectedEOF.
func (c *FakeConn) Drop(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	c.shut(err, false)
}

func (c *FakeConn) shut(err error, discard bool) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if discard {
		c.mailbox.Discard()
	} else {
		c.mailbox.CloseWithError(err)
	}
	c.closeOnce.Do(func() { close(c.done) })
	c.broker.signal()
}

// Received returns a copy of every frame the client has sent.
func (c *FakeConn) Received() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.received...)
}

// Transfers returns the transfers the client sent on the named link.
func (c *FakeConn) Transfers(link string) []*protocol.Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*protocol.Transfer
	for _, f := range c.received {
		t, ok := f.(*protocol.Transfer)
		if !ok {
			continue
		}
		if l := c.linkAt(t.Channel, t.Handle); l != nil && l.name == link {
			out = append(out, t)
		}
	}
	return out
}

// Credit returns the credit the client has granted on a receiver link.
func (c *FakeConn) Credit(link string) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.linkNamed(link)
	if l == nil {
		return 0, false
	}
	return l.credit, true
}

// Push queues a raw frame for the client.
func (c *FakeConn) Push(f protocol.Frame) {
	c.mailbox.Push(f)
}

// GrantCredit gives a client sender link credit transfers.
func (c *FakeConn) GrantCredit(link string, credit uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.linkNamed(link)
	if l == nil {
		return fmt.Errorf("testutil: no link %q", link)
	}
	c.Push(c.linkFlow(l, credit))
	return nil
}

// Deliver pushes a transfer on a client receiver link.
func (c *FakeConn) Deliver(link string, tag, payload []byte, settled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.linkNamed(link)
	if l == nil {
		return fmt.Errorf("testutil: no link %q", link)
	}
	s := c.sessions[l.channel]
	id := s.nextDeliveryID
	s.nextDeliveryID++
	if l.credit > 0 {
		l.credit--
	}
	l.deliveryCount++

	c.Push(&protocol.Transfer{
		Channel:     l.channel,
		Handle:      l.handle,
		DeliveryID:  id,
		DeliveryTag: tag,
		Settled:     settled,
		Payload:     payload,
	})
	return nil
}

// Settle settles the transfer the client sent on link with tag.
func (c *FakeConn) Settle(link string, tag []byte, outcome protocol.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.linkNamed(link)
	if l == nil {
		return fmt.Errorf("testutil: no link %q", link)
	}
	id, ok := l.tags[string(tag)]
	if !ok {
		return fmt.Errorf("testutil: no transfer %x on link %q", tag, link)
	}
	c.Push(&protocol.Disposition{
		Channel: l.channel,
		Role:    protocol.RoleReceiver,
		First:   id,
		Settled: true,
		Outcome: outcome,
	})
	return nil
}

// SettleRange settles the client's deliveries first..last on channel,
// whether or not they exist.
func (c *FakeConn) SettleRange(channel uint16, first, last uint32, outcome protocol.Outcome) {
	c.Push(&protocol.Disposition{
		Channel: channel,
		Role:    protocol.RoleReceiver,
		First:   first,
		Last:    protocol.Uint32(last),
		Settled: true,
		Outcome: outcome,
	})
}

// DetachLink detaches a link from the broker side.
func (c *FakeConn) DetachLink(link string, err *protocol.Error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.linkNamed(link)
	if l == nil {
		return fmt.Errorf("testutil: no link %q", link)
	}
	l.closing = true
	c.Push(&protocol.Detach{Channel: l.channel, Handle: l.handle, Closed: true, Error: err})
	return nil
}

// EndSession ends a session from the broker side.
func (c *FakeConn) EndSession(channel uint16, err *protocol.Error) {
	c.mu.Lock()
	if s, ok := c.sessions[channel]; ok {
		s.ending = true
	}
	c.mu.Unlock()
	c.Push(&protocol.End{Channel: channel, Error: err})
}

// CloseConnection closes the connection from the broker side.
func (c *FakeConn) CloseConnection(err *protocol.Error) {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.Push(&protocol.Close{Error: err})
}

func (c *FakeConn) linkNamed(name string) *fakeLink {
	for _, s := range c.sessions {
		for _, l := range s.links {
			if l.name == name {
				return l
			}
		}
	}
	return nil
}

func (c *FakeConn) linkAt(channel uint16, handle uint32) *fakeLink {
	s, ok := c.sessions[channel]
	if !ok {
		return nil
	}
	return s.links[handle]
}

func (c *FakeConn) linkFlow(l *fakeLink, credit uint32) *protocol.Flow {
	return &protocol.Flow{
		Channel:        l.channel,
		NextIncomingID: protocol.Uint32(0),
		IncomingWindow: ^uint32(0),
		OutgoingWindow: ^uint32(0),
		Handle:         protocol.Uint32(l.handle),
		DeliveryCount:  protocol.Uint32(l.deliveryCount),
		LinkCredit:     protocol.Uint32(credit),
	}
}

// react answers f. Called with c.mu held.
func (c *FakeConn) react(f protocol.Frame) {
	b := c.broker

	switch f := f.(type) {
	case *protocol.Open:
		if b.isSilent(KindOpen) {
			return
		}
		b.mu.Lock()
		channelMax, maxFrame := b.channelMax, b.maxFrameSize
		b.mu.Unlock()
		if maxFrame == 0 {
			maxFrame = f.MaxFrameSize
		}
		c.Push(&protocol.Open{
			ContainerID:  "fake-broker",
			MaxFrameSize: maxFrame,
			ChannelMax:   channelMax,
		})

	case *protocol.Close:
		if c.closing {
			return
		}
		c.closing = true
		if !b.isSilent(KindClose) {
			c.Push(&protocol.Close{})
		}

	case *protocol.Begin:
		c.sessions[f.Channel] = &fakeSession{channel: f.Channel, links: make(map[uint32]*fakeLink)}
		if b.isSilent(KindBegin) {
			return
		}
		c.Push(&protocol.Begin{
			Channel:        f.Channel,
			RemoteChannel:  protocol.Uint16(f.Channel),
			IncomingWindow: ^uint32(0),
			OutgoingWindow: ^uint32(0),
			HandleMax:      f.HandleMax,
		})

	case *protocol.End:
		s, ok := c.sessions[f.Channel]
		delete(c.sessions, f.Channel)
		if ok && s.ending {
			return
		}
		if !b.isSilent(KindEnd) {
			c.Push(&protocol.End{Channel: f.Channel})
		}

	case *protocol.Attach:
		s, ok := c.sessions[f.Channel]
		if !ok {
			return
		}
		l := &fakeLink{
			name:    f.Name,
			channel: f.Channel,
			handle:  f.Handle,
			role:    f.Role,
			tags:    make(map[string]uint32),
		}
		s.links[f.Handle] = l
		if b.isSilent(KindAttach) {
			return
		}

		b.mu.Lock()
		refuse, credit := b.refuseAttach, b.senderCredit
		b.mu.Unlock()

		reply := &protocol.Attach{
			Channel:       f.Channel,
			Name:          f.Name,
			Handle:        f.Handle,
			Role:          !f.Role,
			Source:        f.Source,
			Target:        f.Target,
			SenderSettled: f.SenderSettled,
		}
		if refuse != nil {
			reply.Refuse(f.Role)
		}
		c.Push(reply)
		if refuse != nil {
			l.closing = true
			c.Push(&protocol.Detach{Channel: f.Channel, Handle: f.Handle, Closed: true, Error: refuse})
			return
		}
		if f.Role == protocol.RoleSender && credit > 0 {
			c.Push(c.linkFlow(l, credit))
		}

	case *protocol.Detach:
		l := c.linkAt(f.Channel, f.Handle)
		if l != nil {
			delete(c.sessions[f.Channel].links, f.Handle)
		}
		if l != nil && l.closing {
			return
		}
		if !b.isSilent(KindDetach) {
			c.Push(&protocol.Detach{Channel: f.Channel, Handle: f.Handle, Closed: true})
		}

	case *protocol.Flow:
		if f.Handle == nil {
			return
		}
		l := c.linkAt(f.Channel, *f.Handle)
		if l == nil || l.role != protocol.RoleReceiver || f.LinkCredit == nil {
			return
		}
		count := l.deliveryCount
		if f.DeliveryCount != nil {
			count = *f.DeliveryCount
		}
		// Credit as seen from the sending side.
		if limit := count + *f.LinkCredit; limit > l.deliveryCount {
			l.credit = limit - l.deliveryCount
		} else {
			l.credit = 0
		}

	case *protocol.Transfer:
		l := c.linkAt(f.Channel, f.Handle)
		if l == nil {
			return
		}
		l.deliveryCount++
		l.tags[string(f.DeliveryTag)] = f.DeliveryID
		if b.autoAccept && !f.Settled {
			c.Push(&protocol.Disposition{
				Channel: f.Channel,
				Role:    protocol.RoleReceiver,
				First:   f.DeliveryID,
				Settled: true,
				Outcome: protocol.Accepted,
			})
		}
	}
}

// HasTag reports whether transfers contains one with tag.
func HasTag(transfers []*protocol.Transfer, tag []byte) bool {
	for _, t := range transfers {
		if bytes.Equal(t.DeliveryTag, tag) {
			return true
		}
	}
	return false
}
