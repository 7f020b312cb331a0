package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/linkmux/internal/protocol"
)

const (
	defaultWindow       = 256
	defaultCloseTimeout = 10 * time.Second
	maxWindow           = ^uint32(0)
)

// ErrEngineClosed reports that the engine connection ended without an error.
var ErrEngineClosed = errors.New("bridge: engine connection closed")

// Connector establishes an engine connection.
type Connector func(ctx context.Context, cfg protocol.DialConfig) (Engine, error)

// Option configures a Transport
type Option func(*Transport)

// WithWindow sets the credit a sender link is offered. It bounds the
// sends queued ahead of the engine.
func WithWindow(n uint32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.window = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithCloseTimeout bounds engine close calls for links and sessions.
func WithCloseTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.closeTimeout = d
	}
}

// NewDialer returns a protocol.Dialer that connects with connect and
// wraps each engine connection in a Transport.
func NewDialer(connect Connector, opts ...Option) protocol.Dialer {
	return protocol.DialerFunc(func(ctx context.Context, cfg protocol.DialConfig) (protocol.Transport, error) {
		engine, err := connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return New(engine, opts...), nil
	})
}

// Transport presents an Engine as a protocol.Transport.
type Transport struct {
	engine       Engine
	window       uint32
	closeTimeout time.Duration
	logger       *slog.Logger
	inbox        *protocol.Mailbox

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[uint16]*session
	closing  bool
	finished bool

	done     chan struct{}
	doneOnce sync.Once
}

type session struct {
	channel  uint16
	engine   Session
	ready    chan struct{}
	stopped  chan struct{}
	links    map[uint32]*link
	nextID   uint32
	incoming map[uint32]*inbound
	ending   bool
}

type inbound struct {
	link *link
	msg  *Message
}

// New wraps engine. The Transport owns it from now on.
func New(engine Engine, opts ...Option) *Transport {
	t := &Transport{
		engine:       engine,
		window:       defaultWindow,
		closeTimeout: defaultCloseTimeout,
		logger:       slog.Default(),
		inbox:        protocol.NewMailbox(),
		sessions:     make(map[uint16]*session),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.spawn(t.watch)
	return t
}

// Send implements protocol.Transport
func (t *Transport) Send(ctx context.Context, f protocol.Frame) error {
	select {
	case <-t.done:
		return protocol.ErrTransportClosed
	default:
	}

	switch f := f.(type) {
	case *protocol.Open:
		t.open(f)
	case *protocol.Close:
		t.closeConnection()
	case *protocol.Begin:
		t.begin(f)
	case *protocol.End:
		t.end(f)
	case *protocol.Attach:
		t.toLink(f.Channel, f.Handle, f)
	case *protocol.Detach:
		t.toLink(f.Channel, f.Handle, f)
	case *protocol.Transfer:
		t.toLink(f.Channel, f.Handle, f)
	case *protocol.Flow:
		if f.Handle != nil {
			t.toLink(f.Channel, *f.Handle, f)
		}
	case *protocol.Disposition:
		t.disposition(f)
	case *protocol.Empty:
		// Keepalive is the engine's business.
	}
	return nil
}

// Frames implements protocol.Transport
func (t *Transport) Frames() <-chan protocol.Frame { return t.inbox.C() }

// Done implements protocol.Transport
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err implements protocol.Transport
func (t *Transport) Err() error { return t.inbox.Err() }

// Close implements protocol.Transport
func (t *Transport) Close() error {
	t.finish(nil, true)
	err := t.engine.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) push(f protocol.Frame) {
	t.inbox.Push(f)
}

func (t *Transport) spawn(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spawnLocked(fn)
}

func (t *Transport) spawnLocked(fn func()) bool {
	if t.finished {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

func (t *Transport) watch() {
	select {
	case <-t.engine.Done():
	case <-t.ctx.Done():
		return
	}

	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()
	if closing {
		return
	}

	err := t.engine.Err()
	if err == nil {
		err = ErrEngineClosed
	}
	t.logger.Warn("engine connection lost", "error", err)
	t.finish(fmt.Errorf("bridge: %w", err), false)
}

// finish ends the transport. Frames already queued for the core are
// still delivered unless discard is set.
func (t *Transport) finish(err error, discard bool) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.finished = true
		var links []*link
		for _, s := range t.sessions {
			for _, l := range s.links {
				links = append(links, l)
			}
		}
		t.mu.Unlock()

		t.cancel()
		for _, l := range links {
			l.inbox.Discard()
		}
		if discard {
			t.inbox.Discard()
		} else {
			t.inbox.CloseWithError(err)
		}
		close(t.done)
	})
}

func (t *Transport) open(f *protocol.Open) {
	t.push(&protocol.Open{
		ContainerID:  t.engine.ContainerID(),
		MaxFrameSize: f.MaxFrameSize,
		ChannelMax:   f.ChannelMax,
	})

	// Stand in for the peer's heartbeats so the core's idle timer is fed
	// while the engine keeps the real connection alive.
	if f.IdleTimeout > 0 {
		interval := f.IdleTimeout / 2
		t.spawn(func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					t.push(&protocol.Empty{})
				case <-t.ctx.Done():
					return
				}
			}
		})
	}
}

func (t *Transport) closeConnection() {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()

	t.spawn(func() {
		if err := t.engine.Close(); err != nil {
			t.logger.Debug("engine close failed", "error", err)
		}
		t.push(&protocol.Close{})
	})
}

func (t *Transport) begin(f *protocol.Begin) {
	s := &session{
		channel:  f.Channel,
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
		links:    make(map[uint32]*link),
		incoming: make(map[uint32]*inbound),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[f.Channel] = s

	t.spawnLocked(func() {
		defer close(s.ready)

		es, err := t.engine.NewSession(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn("engine refused session", "channel", f.Channel, "error", err)
			t.mu.Lock()
			s.ending = true
			t.mu.Unlock()
			t.push(t.beginReply(f))
			t.push(&protocol.End{Channel: f.Channel, Error: remoteOf(err, protocol.ConditionInternalError)})
			return
		}

		t.mu.Lock()
		s.engine = es
		t.push(t.beginReply(f))
		if w, ok := es.(closeNotifier); ok {
			t.spawnLocked(func() { t.watchSession(s, w) })
		}
		t.mu.Unlock()
	})
}

// closeNotifier is implemented by engine sessions that can be closed by
// the peer on their own.
type closeNotifier interface {
	Done() <-chan struct{}
	Err() error
}

func (t *Transport) watchSession(s *session, w closeNotifier) {
	select {
	case <-w.Done():
	case <-s.stopped:
		return
	case <-t.ctx.Done():
		return
	}

	select {
	case <-t.engine.Done():
		return
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[s.channel] != s || s.ending {
		return
	}
	s.ending = true

	err := w.Err()
	if err == nil {
		err = ErrEngineClosed
	}
	t.logger.Warn("engine ended session", "channel", s.channel, "error", err)
	t.push(&protocol.End{Channel: s.channel, Error: remoteOf(err, protocol.ConditionInternalError)})
}

func (t *Transport) beginReply(f *protocol.Begin) *protocol.Begin {
	return &protocol.Begin{
		Channel:        f.Channel,
		RemoteChannel:  protocol.Uint16(f.Channel),
		IncomingWindow: maxWindow,
		OutgoingWindow: maxWindow,
		HandleMax:      f.HandleMax,
	}
}

func (t *Transport) end(f *protocol.End) {
	t.mu.Lock()
	s, ok := t.sessions[f.Channel]
	if ok {
		delete(t.sessions, f.Channel)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	close(s.stopped)

	t.spawn(func() {
		<-s.ready

		t.mu.Lock()
		links := make([]*link, 0, len(s.links))
		for _, l := range s.links {
			links = append(links, l)
		}
		s.links = make(map[uint32]*link)
		es, ending := s.engine, s.ending
		t.mu.Unlock()

		for _, l := range links {
			l.stop()
		}
		if es != nil {
			ctx, cancel := context.WithTimeout(t.ctx, t.closeTimeout)
			if err := es.Close(ctx); err != nil {
				t.logger.Debug("engine session close failed", "channel", s.channel, "error", err)
			}
			cancel()
		}
		if !ending {
			t.push(&protocol.End{Channel: s.channel})
		}
	})
}

func (t *Transport) toLink(channel uint16, handle uint32, f protocol.Frame) {
	t.mu.Lock()
	s, ok := t.sessions[channel]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("frame for unknown channel dropped", "channel", channel, "frame", protocol.Describe(f))
		return
	}

	l := s.links[handle]
	if a, isAttach := f.(*protocol.Attach); isAttach {
		l = newLink(t, s, a)
		if !t.spawnLocked(l.run) {
			t.mu.Unlock()
			l.cancel()
			l.inbox.Discard()
			return
		}
		s.links[handle] = l
	}
	t.mu.Unlock()

	if l == nil {
		t.logger.Debug("frame for unknown handle dropped", "channel", channel, "handle", handle)
		return
	}
	l.inbox.Push(f)
}

func (t *Transport) disposition(f *protocol.Disposition) {
	if f.Role != protocol.RoleReceiver {
		return
	}

	t.mu.Lock()
	s, ok := t.sessions[f.Channel]
	if !ok {
		t.mu.Unlock()
		return
	}
	type target struct {
		link *link
		id   uint32
	}
	var targets []target
	for id := f.First; ; id++ {
		if in, ok := s.incoming[id]; ok {
			targets = append(targets, target{link: in.link, id: id})
		}
		if id == f.LastID() {
			break
		}
	}
	t.mu.Unlock()

	for _, tg := range targets {
		tg.link.inbox.Push(&protocol.Disposition{
			Channel:           f.Channel,
			Role:              f.Role,
			First:             tg.id,
			Settled:           f.Settled,
			Outcome:           f.Outcome,
			Error:             f.Error,
			DeliveryFailed:    f.DeliveryFailed,
			UndeliverableHere: f.UndeliverableHere,
		})
	}
}

func remoteOf(err error, fallback protocol.Condition) *protocol.Error {
	var remote *protocol.Error
	if errors.As(err, &remote) {
		return remote
	}
	return &protocol.Error{Condition: fallback, Description: err.Error()}
}
