package amqp10

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/glimte/linkmux/internal/protocol"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	ConnOpening ConnState = iota
	ConnOpen
	ConnClosing
	ConnClosed
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnOpening:
		return "opening"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	case ConnFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionLost is published when an open connection fails.
type ConnectionLost struct {
	Conn *Connection
	Err  error
}

// recoveryObserver is told about sessions and links the peer ended with a
// transient error while the connection itself stayed up.
type recoveryObserver interface {
	sessionLost(s *Session, links []*Link, err error)
	linkLost(l *Link, err error)
}

// ConnectionManager opens and closes connections to one peer. At most one
// connection is current at a time.
type ConnectionManager struct {
	cfg     ConnectionConfig
	dialer  protocol.Dialer
	logger  *slog.Logger
	metrics MetricsCollector
	tracker *SettlementTracker

	openMu     sync.Mutex
	mu         sync.RWMutex
	current    *Connection
	closed     bool
	generation uint64
	observer   recoveryObserver
	lost       chan ConnectionLost

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(address string, dialer protocol.Dialer, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		cfg:     ConnectionConfig{Address: address},
		dialer:  dialer,
		logger:  slog.Default(),
		metrics: NoopMetrics(),
		lost:    make(chan ConnectionLost, 4),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.cfg.applyDefaults()
	if cm.tracker == nil {
		cm.tracker = NewSettlementTracker(WithTrackerLogger(cm.logger), WithTrackerMetrics(cm.metrics))
	}

	return cm
}

// Config returns the effective configuration.
func (cm *ConnectionManager) Config() ConnectionConfig {
	return cm.cfg
}

// Tracker returns the settlement tracker shared by every connection.
func (cm *ConnectionManager) Tracker() *SettlementTracker {
	return cm.tracker
}

// Open returns the current connection, establishing one if needed. It
// dials the transport and completes the Open exchange.
func (cm *ConnectionManager) Open(ctx context.Context) (*Connection, error) {
	cm.openMu.Lock()
	defer cm.openMu.Unlock()

	cm.mu.RLock()
	closed, cur := cm.closed, cm.current
	cm.mu.RUnlock()

	if closed {
		return nil, &ConnectionError{
			Op:        "open",
			Address:   SanitizeAddress(cm.cfg.Address),
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}
	if cur != nil && cur.State() == ConnOpen {
		return cur, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, cm.cfg.DialTimeout)
	defer cancel()

	transport, err := cm.dialer.Dial(openCtx, cm.dialConfig())
	if err != nil {
		if errors.Is(openCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrConnectionTimeout
		}
		return nil, &ConnectionError{
			Op:        "dial",
			Address:   SanitizeAddress(cm.cfg.Address),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.mu.Lock()
	cm.generation++
	gen := cm.generation
	cm.mu.Unlock()

	c := newConnection(cm, gen, transport)
	if err := c.open(openCtx); err != nil {
		c.abort()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	cm.mu.Lock()
	cm.current = c
	cm.mu.Unlock()

	cm.logger.Info("connected to peer",
		"address", SanitizeAddress(cm.cfg.Address),
		"connection", gen)

	cm.notifyConnected()
	return c, nil
}

// Current returns the open connection.
func (cm *ConnectionManager) Current() (*Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.current == nil || cm.current.State() != ConnOpen {
		return nil, ErrConnectionNotOpen
	}
	return cm.current, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	_, err := cm.Current()
	return err == nil
}

// Lost delivers an event each time an open connection fails.
func (cm *ConnectionManager) Lost() <-chan ConnectionLost {
	return cm.lost
}

// Close closes the current connection and refuses further opens. The Close
// exchange waits up to the configured close timeout even if ctx ends.
func (cm *ConnectionManager) Close(ctx context.Context) error {
	cm.openMu.Lock()
	defer cm.openMu.Unlock()

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	c := cm.current
	cm.current = nil
	cm.mu.Unlock()

	if c == nil {
		return nil
	}

	err := c.close(ctx)
	cm.logger.Info("connection closed", "connection", c.id)
	cm.notifyDisconnected(nil)
	return err
}

// IsClosed reports whether Close was called.
func (cm *ConnectionManager) IsClosed() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.closed
}

func (cm *ConnectionManager) dialConfig() protocol.DialConfig {
	return protocol.DialConfig{
		Address:      cm.cfg.Address,
		ContainerID:  cm.cfg.ContainerID,
		Username:     cm.cfg.Username,
		Password:     cm.cfg.Password,
		MaxFrameSize: cm.cfg.MaxFrameSize,
		ChannelMax:   cm.cfg.ChannelMax,
		IdleTimeout:  cm.cfg.IdleTimeout,
		TLSConfig:    cm.cfg.TLSConfig,
	}
}

func (cm *ConnectionManager) setObserver(o recoveryObserver) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.observer = o
}

func (cm *ConnectionManager) getObserver() recoveryObserver {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.observer
}

// connectionLost runs on the failed connection's loop.
func (cm *ConnectionManager) connectionLost(c *Connection, err error) {
	cm.mu.Lock()
	if cm.current == c {
		cm.current = nil
	}
	closed := cm.closed
	cm.mu.Unlock()

	if closed {
		return
	}

	cm.logger.Warn("connection lost",
		"connection", c.id,
		"error", err)

	select {
	case cm.lost <- ConnectionLost{Conn: c, Err: err}:
	default:
		cm.logger.Error("connection lost event dropped", "connection", c.id)
	}
	cm.notifyDisconnected(err)
}

func (cm *ConnectionManager) sessionLost(s *Session, links []*Link, err error) {
	if o := cm.getObserver(); o != nil {
		o.sessionLost(s, links, err)
	}
}

func (cm *ConnectionManager) linkLost(l *Link, err error) {
	if o := cm.getObserver(); o != nil {
		o.linkLost(l, err)
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// Connection is one AMQP connection. A single goroutine owns all session,
// link and flow state; every mutation is submitted to it as a closure.
type Connection struct {
	id        uint64
	cm        *ConnectionManager
	cfg       ConnectionConfig
	transport protocol.Transport
	tracker   *SettlementTracker
	logger    *slog.Logger
	metrics   MetricsCollector

	state      atomic.Int32
	maxFrame   atomic.Uint32
	requests   chan func()
	out        chan protocol.Frame
	writeErr   chan error
	loopDone   chan struct{}
	writerDone chan struct{}
	err        error // valid once loopDone is closed

	// owned by the loop
	outq         *queue.Queue
	sessions     map[uint16]*Session
	channelMax   uint16
	opened       bool
	finished     bool
	openWaiter   chan error
	closeWaiters []chan error
	heartbeat    *time.Ticker
	idleCheck    *time.Ticker
	peerIdle     time.Duration
	lastRecv     time.Time
	lastSent     time.Time
}

func newConnection(cm *ConnectionManager, id uint64, transport protocol.Transport) *Connection {
	c := &Connection{
		id:         id,
		cm:         cm,
		cfg:        cm.cfg,
		transport:  transport,
		tracker:    cm.tracker,
		logger:     cm.logger.With("connection", id),
		metrics:    cm.metrics,
		requests:   make(chan func()),
		out:        make(chan protocol.Frame),
		writeErr:   make(chan error, 1),
		loopDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
		outq:       queue.New(),
		sessions:   make(map[uint16]*Session),
		channelMax: cm.cfg.ChannelMax,
		lastRecv:   time.Now(),
		lastSent:   time.Now(),
	}
	c.maxFrame.Store(cm.cfg.MaxFrameSize)
	c.setState(ConnOpening)

	go c.run()
	go c.write()
	return c
}

// ID returns the connection's sequence number within its manager.
func (c *Connection) ID() uint64 { return c.id }

// State returns the current state without synchronizing with the loop.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// MaxFrameSize returns the largest frame either end accepts: the local
// limit until the Open exchange completes, then the smaller of both ends.
func (c *Connection) MaxFrameSize() uint32 {
	return c.maxFrame.Load()
}

// Done is closed when the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} { return c.loopDone }

// Err returns why the connection ended. It is nil while the connection
// is running.
func (c *Connection) Err() error {
	select {
	case <-c.loopDone:
		return c.err
	default:
		return nil
	}
}

func (c *Connection) setState(s ConnState) {
	if ConnState(c.state.Swap(int32(s))) != s {
		c.metrics.ConnectionStateChanged(s)
	}
}

// do hands fn to the loop. fn runs on the loop goroutine.
func (c *Connection) do(ctx context.Context, fn func()) error {
	select {
	case c.requests <- fn:
		return nil
	case <-c.loopDone:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and returns its result.
func (c *Connection) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if err := c.do(ctx, func() { reply <- fn() }); err != nil {
		return err
	}
	return <-reply
}

// exec runs fn on the loop and waits for it, ignoring cancellation. It
// reports false if the loop has already exited.
func (c *Connection) exec(fn func()) bool {
	done := make(chan struct{})
	select {
	case c.requests <- func() { fn(); close(done) }:
		<-done
		return true
	case <-c.loopDone:
		return false
	}
}

func (c *Connection) enqueue(f protocol.Frame) {
	c.outq.Add(f)
}

func (c *Connection) open(ctx context.Context) error {
	reply := make(chan error, 1)
	err := c.do(ctx, func() {
		c.openWaiter = reply
		c.enqueue(&protocol.Open{
			ContainerID:  c.cfg.ContainerID,
			Hostname:     c.cfg.Hostname,
			MaxFrameSize: c.cfg.MaxFrameSize,
			ChannelMax:   c.cfg.ChannelMax,
			IdleTimeout:  c.cfg.IdleTimeout,
		})
	})
	if err != nil {
		return &ConnectionError{Op: "open", Address: SanitizeAddress(c.cfg.Address), Err: err, Timestamp: time.Now()}
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return &ConnectionError{
			Op:        "open",
			Address:   SanitizeAddress(c.cfg.Address),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

// abort tears the connection down without a Close exchange.
func (c *Connection) abort() {
	_ = c.transport.Close()
	<-c.loopDone
}

func (c *Connection) close(ctx context.Context) error {
	reply := make(chan error, 1)
	err := c.do(ctx, func() {
		switch c.State() {
		case ConnClosed, ConnFailed:
			reply <- nil
			return
		case ConnClosing:
			c.closeWaiters = append(c.closeWaiters, reply)
			return
		}
		c.setState(ConnClosing)
		c.closeWaiters = append(c.closeWaiters, reply)
		c.enqueue(&protocol.Close{})
	})
	if err != nil {
		select {
		case <-c.loopDone:
			return nil
		default:
			c.abort()
			return err
		}
	}

	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		<-c.loopDone
		return err
	case <-timer.C:
		c.abort()
		return &ConnectionError{
			Op:        "close",
			Address:   SanitizeAddress(c.cfg.Address),
			Err:       ErrCloseTimeout,
			Timestamp: time.Now(),
		}
	}
}

func (c *Connection) run() {
	defer c.shutdown()

	if c.cfg.IdleTimeout > 0 {
		c.idleCheck = time.NewTicker(c.cfg.IdleTimeout / 2)
	}

	frames := c.transport.Frames()
	for !c.finished {
		var out chan<- protocol.Frame
		var next protocol.Frame
		if c.outq.Length() > 0 {
			out = c.out
			next = c.outq.Peek().(protocol.Frame)
		}

		select {
		case f, ok := <-frames:
			if !ok {
				c.fail(c.transportError())
				return
			}
			c.lastRecv = time.Now()
			c.trace("frame received", f)
			c.handle(f)

		case fn := <-c.requests:
			fn()

		case out <- next:
			c.outq.Remove()
			c.lastSent = time.Now()
			c.trace("frame sent", next)

		case err := <-c.writeErr:
			c.fail(&ConnectionError{
				Op:        "write",
				Address:   SanitizeAddress(c.cfg.Address),
				Err:       fmt.Errorf("%w: %w", ErrConnectionLost, err),
				Timestamp: time.Now(),
			})
			return

		case <-tickerC(c.heartbeat):
			if c.outq.Length() == 0 && time.Since(c.lastSent) >= c.peerIdle/2 {
				c.enqueue(&protocol.Empty{})
			}

		case now := <-tickerC(c.idleCheck):
			if now.Sub(c.lastRecv) > c.cfg.IdleTimeout {
				c.logger.Warn("idle timeout expired",
					"idleTimeout", c.cfg.IdleTimeout,
					"lastFrame", c.lastRecv)
				c.enqueue(&protocol.Close{Error: &protocol.Error{
					Condition:   protocol.ConditionResourceLimitExceeded,
					Description: "local idle timeout expired",
				}})
				c.fail(&ConnectionError{
					Op:        "read",
					Address:   SanitizeAddress(c.cfg.Address),
					Err:       ErrIdleTimeout,
					Timestamp: time.Now(),
				})
				return
			}
		}
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (c *Connection) trace(msg string, f protocol.Frame) {
	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.logger.Debug(msg, "frame", protocol.Describe(f))
	}
}

func (c *Connection) transportError() error {
	cause := c.transport.Err()
	if cause == nil {
		cause = protocol.ErrTransportClosed
	}
	return &ConnectionError{
		Op:        "read",
		Address:   SanitizeAddress(c.cfg.Address),
		Err:       fmt.Errorf("%w: %w", ErrConnectionLost, cause),
		Timestamp: time.Now(),
	}
}

// write forwards frames from the loop to the transport so that a slow
// peer never blocks the loop.
func (c *Connection) write() {
	defer close(c.writerDone)

	for f := range c.out {
		if err := c.transport.Send(context.Background(), f); err != nil {
			select {
			case c.writeErr <- err:
			default:
			}
			for range c.out {
			}
			return
		}
	}
}

func (c *Connection) shutdown() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	if c.idleCheck != nil {
		c.idleCheck.Stop()
	}

	// Best effort: let a queued Close or End reach the peer.
	deadline := time.NewTimer(defaultFlushTimeout)
flush:
	for c.outq.Length() > 0 {
		select {
		case c.out <- c.outq.Peek().(protocol.Frame):
			c.outq.Remove()
		case <-deadline.C:
			break flush
		}
	}
	deadline.Stop()

	close(c.out)
	_ = c.transport.Close()
	<-c.writerDone
	close(c.loopDone)
}

func (c *Connection) handle(f protocol.Frame) {
	switch f := f.(type) {
	case *protocol.Open:
		c.onOpen(f)
	case *protocol.Close:
		c.onClose(f)
	case *protocol.Begin:
		c.onBegin(f)
	case *protocol.End:
		c.onEnd(f)
	case *protocol.Attach:
		c.onAttach(f)
	case *protocol.Detach:
		c.onDetach(f)
	case *protocol.Flow:
		c.onFlow(f)
	case *protocol.Transfer:
		c.onTransfer(f)
	case *protocol.Disposition:
		c.onDisposition(f)
	case *protocol.Empty:
	default:
		c.logger.Warn("unexpected frame ignored", "frame", protocol.Describe(f))
	}
}

func (c *Connection) onOpen(f *protocol.Open) {
	if c.opened {
		c.violation("duplicate open")
		return
	}
	c.opened = true

	if f.ChannelMax < c.channelMax {
		c.channelMax = f.ChannelMax
	}
	if f.MaxFrameSize > 0 && f.MaxFrameSize < c.maxFrame.Load() {
		c.maxFrame.Store(f.MaxFrameSize)
	}
	if f.IdleTimeout > 0 {
		c.peerIdle = f.IdleTimeout
		c.heartbeat = time.NewTicker(f.IdleTimeout / 2)
	}

	c.setState(ConnOpen)
	c.logger.Debug("open handshake complete",
		"peer", f.ContainerID,
		"channelMax", c.channelMax,
		"maxFrameSize", c.maxFrame.Load(),
		"peerIdleTimeout", f.IdleTimeout)

	if c.openWaiter != nil {
		c.openWaiter <- nil
		c.openWaiter = nil
	}
}

func (c *Connection) onClose(f *protocol.Close) {
	if c.State() == ConnClosing {
		c.teardown(ErrConnectionClosed, true)
		return
	}

	c.enqueue(&protocol.Close{})

	cause := ErrConnectionLost
	if f.Error != nil && !f.Error.Condition.Transient() {
		cause = ErrConnectionClosed
	}
	c.fail(&ConnectionError{
		Op:        "close",
		Address:   SanitizeAddress(c.cfg.Address),
		Err:       cause,
		Remote:    f.Error,
		Timestamp: time.Now(),
	})
}

// violation closes the connection for an error that is not scoped to a
// session or link.
func (c *Connection) violation(desc string) {
	remote := &protocol.Error{Condition: protocol.ConditionFramingError, Description: desc}
	c.logger.Error("protocol violation", "error", remote)
	c.enqueue(&protocol.Close{Error: remote})
	c.fail(&ConnectionError{
		Op:        "read",
		Address:   SanitizeAddress(c.cfg.Address),
		Err:       ErrProtocolViolation,
		Remote:    remote,
		Timestamp: time.Now(),
	})
}

// fail ends the loop after an unplanned loss. While closing, a loss
// completes the close instead.
func (c *Connection) fail(err error) {
	if c.finished {
		return
	}
	graceful := c.State() == ConnClosing
	if graceful {
		c.teardown(ErrConnectionClosed, true)
		return
	}

	wasOpen := c.opened
	c.teardown(err, false)
	if wasOpen {
		c.cm.connectionLost(c, err)
	}
}

// teardown resolves everything the loop owns and marks it finished.
func (c *Connection) teardown(err error, graceful bool) {
	c.finished = true
	c.err = err
	if graceful {
		c.setState(ConnClosed)
	} else {
		c.setState(ConnFailed)
	}

	for _, s := range c.sessionList() {
		c.dropSession(s, err, !graceful)
	}

	if c.openWaiter != nil {
		c.openWaiter <- &ConnectionError{
			Op:        "open",
			Address:   SanitizeAddress(c.cfg.Address),
			Err:       fmt.Errorf("%w: %w", ErrHandshakeFailed, err),
			Timestamp: time.Now(),
		}
		c.openWaiter = nil
	}
	for _, w := range c.closeWaiters {
		w <- nil
	}
	c.closeWaiters = nil
}

func (c *Connection) sessionList() []*Session {
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// failedSessions returns the sessions the loss left recoverable. Valid only
// after Done is closed.
func (c *Connection) failedSessions() []*Session {
	<-c.loopDone
	var out []*Session
	for _, s := range c.sessionList() {
		if s.State() == SessionFailed {
			out = append(out, s)
		}
	}
	return out
}

func (c *Connection) allocChannel() (uint16, bool) {
	for ch := uint32(0); ch <= uint32(c.channelMax); ch++ {
		if _, used := c.sessions[uint16(ch)]; !used {
			return uint16(ch), true
		}
	}
	return 0, false
}

// SanitizeAddress removes the password from an address for logging
func SanitizeAddress(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
