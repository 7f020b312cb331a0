package amqp10

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/linkmux/internal/protocol"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	SessionOpening SessionState = iota
	SessionOpen
	SessionClosing
	SessionEnded
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionEnded:
		return "ended"
	case SessionFailed:
		return "failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Session is a logical conversation multiplexed on a connection channel.
// Its ID survives recovery; the channel does not.
type Session struct {
	id      uint64
	logger  *slog.Logger
	metrics MetricsCollector

	conn    atomic.Pointer[Connection]
	state   atomic.Int32
	channel atomic.Uint32

	errMu sync.Mutex
	err   error

	// owned by the connection loop
	ch             uint16
	nextOutgoingID uint32
	nextIncomingID uint32
	links          map[uint32]*Link
	outgoing       map[uint32]*Delivery
	incoming       map[uint32]*Delivery
	beginWaiter    chan error
	endWaiters     []chan error
	abandoned      bool
	resuming       bool
}

// ID returns the session's process-unique identifier.
func (s *Session) ID() uint64 { return s.id }

// State returns the current state without synchronizing with the loop.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Channel returns the channel number on the current connection.
func (s *Session) Channel() uint16 {
	return uint16(s.channel.Load())
}

// Connection returns the connection the session is bound to.
func (s *Session) Connection() *Connection {
	return s.conn.Load()
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

func (s *Session) setState(next SessionState) {
	prev := SessionState(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	if next == SessionOpen {
		s.metrics.SessionOpened()
	} else if prev == SessionOpen {
		s.metrics.SessionClosed()
	}
	s.logger.Debug("session state changed",
		"from", prev.String(),
		"to", next.String())
}

func (s *Session) bind(c *Connection, ch uint16) {
	s.conn.Store(c)
	s.ch = ch
	s.channel.Store(uint32(ch))
	s.nextOutgoingID = 0
	s.nextIncomingID = 0
	s.links = make(map[uint32]*Link)
	s.outgoing = make(map[uint32]*Delivery)
	s.incoming = make(map[uint32]*Delivery)
	s.abandoned = false
}

func (s *Session) error(op string, err error) *SessionError {
	return &SessionError{
		Op:        op,
		SessionID: s.id,
		Channel:   s.Channel(),
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (s *Session) allocHandle(max uint32) (uint32, bool) {
	for h := uint64(0); h <= uint64(max); h++ {
		if _, used := s.links[uint32(h)]; !used {
			return uint32(h), true
		}
	}
	return 0, false
}

func (s *Session) linkList() []*Link {
	out := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

// failedLinks returns the links a loss left recoverable. Only valid while
// no loop owns the session.
func (s *Session) failedLinks() []*Link {
	var out []*Link
	for _, l := range s.linkList() {
		if l.State() == LinkFailed {
			out = append(out, l)
		}
	}
	return out
}

// SessionManagerOption configures a SessionManager
type SessionManagerOption func(*SessionManager)

// WithIDAllocator sets the allocator session IDs are drawn from
func WithIDAllocator(ids *IDAllocator) SessionManagerOption {
	return func(sm *SessionManager) {
		sm.ids = ids
	}
}

// WithSessionLogger sets the logger
func WithSessionLogger(logger *slog.Logger) SessionManagerOption {
	return func(sm *SessionManager) {
		sm.logger = logger
	}
}

// WithSessionMetrics sets the metrics collector
func WithSessionMetrics(m MetricsCollector) SessionManagerOption {
	return func(sm *SessionManager) {
		sm.metrics = m
	}
}

// SessionManager begins and ends sessions.
type SessionManager struct {
	ids     *IDAllocator
	logger  *slog.Logger
	metrics MetricsCollector
}

// NewSessionManager creates a session manager
func NewSessionManager(options ...SessionManagerOption) *SessionManager {
	sm := &SessionManager{
		ids:     DefaultIDAllocator(),
		logger:  slog.Default(),
		metrics: NoopMetrics(),
	}
	for _, opt := range options {
		opt(sm)
	}
	return sm
}

// CreateSession begins a new session on conn and waits for the peer's
// Begin. On failure the returned session is nil.
func (sm *SessionManager) CreateSession(ctx context.Context, conn *Connection) (*Session, error) {
	id := sm.ids.Next()
	s := &Session{
		id:      id,
		logger:  sm.logger.With("session", id),
		metrics: sm.metrics,
	}
	s.state.Store(int32(SessionOpening))

	if err := sm.begin(ctx, conn, s, false); err != nil {
		return nil, err
	}

	s.logger.Debug("session opened", "channel", s.Channel())
	return s, nil
}

// CloseSession ends s. Ending a session that is already ended, or whose
// connection is gone, succeeds immediately. Once End has been sent the
// exchange completes regardless of ctx, bounded by the close timeout.
func (sm *SessionManager) CloseSession(ctx context.Context, s *Session) error {
	conn := s.conn.Load()
	if conn == nil {
		s.setState(SessionEnded)
		return nil
	}

	reply := make(chan error, 1)
	if err := conn.do(ctx, func() { conn.endSession(s, nil, reply) }); err != nil {
		select {
		case <-conn.loopDone:
			s.setState(SessionEnded)
			return nil
		default:
			return err
		}
	}

	timer := time.NewTimer(conn.cfg.CloseTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err
	case <-timer.C:
		conn.exec(func() { conn.forgetSession(s, SessionEnded) })
		return s.error("end", ErrCloseTimeout)
	}
}

// resume begins s again on conn. The session keeps its ID.
func (sm *SessionManager) resume(ctx context.Context, conn *Connection, s *Session) error {
	return sm.begin(ctx, conn, s, true)
}

func (sm *SessionManager) begin(ctx context.Context, conn *Connection, s *Session, resuming bool) error {
	reply := make(chan error, 1)
	err := conn.do(ctx, func() { conn.beginSession(s, reply, resuming) })
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.error("begin", fmt.Errorf("%w: %w", ErrConnectionNotOpen, err))
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
	}

	ok := conn.exec(func() {
		select {
		case err = <-reply:
		default:
			if s.beginWaiter == reply {
				s.beginWaiter = nil
				s.abandoned = true
			}
			err = ctx.Err()
		}
	})
	if !ok {
		return <-reply
	}
	return err
}

func (c *Connection) beginSession(s *Session, reply chan error, resuming bool) {
	if c.State() != ConnOpen {
		reply <- s.error("begin", ErrConnectionNotOpen)
		return
	}
	ch, ok := c.allocChannel()
	if !ok {
		reply <- s.error("begin", ErrSessionTableFull)
		return
	}

	s.bind(c, ch)
	s.resuming = resuming
	s.setState(SessionOpening)
	s.beginWaiter = reply
	c.sessions[ch] = s

	c.enqueue(&protocol.Begin{
		Channel:        ch,
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: maxWindow,
		OutgoingWindow: maxWindow,
		HandleMax:      c.cfg.HandleMax,
	})
}

func (c *Connection) onBegin(f *protocol.Begin) {
	s, ok := c.sessions[f.Channel]
	if !ok {
		c.logger.Warn("begin for unknown channel refused", "channel", f.Channel)
		c.enqueue(&protocol.End{
			Channel: f.Channel,
			Error: &protocol.Error{
				Condition:   protocol.ConditionNotAllowed,
				Description: "peer-initiated sessions are not supported",
			},
		})
		return
	}
	if s.State() != SessionOpening {
		c.sessionViolation(s, protocol.ConditionIllegalState, "unexpected begin")
		return
	}

	s.nextIncomingID = f.NextOutgoingID
	s.resuming = false
	s.setState(SessionOpen)

	if s.abandoned {
		s.abandoned = false
		c.endSession(s, nil, nil)
		return
	}
	if s.beginWaiter != nil {
		s.beginWaiter <- nil
		s.beginWaiter = nil
	}
}

// endSession starts the End exchange. waiter, if set, receives the result.
func (c *Connection) endSession(s *Session, cause error, waiter chan error) {
	switch s.State() {
	case SessionEnded, SessionFailed:
		c.forgetSession(s, SessionEnded)
		if waiter != nil {
			waiter <- nil
		}
		return
	case SessionClosing:
		if waiter != nil {
			s.endWaiters = append(s.endWaiters, waiter)
		}
		return
	case SessionOpening:
		s.abandoned = true
		if s.beginWaiter != nil {
			s.beginWaiter <- s.error("begin", ErrSessionEnded)
			s.beginWaiter = nil
		}
		if waiter != nil {
			s.endWaiters = append(s.endWaiters, waiter)
		}
		return
	}

	s.setState(SessionClosing)
	if waiter != nil {
		s.endWaiters = append(s.endWaiters, waiter)
	}
	linkErr := s.error("end", ErrSessionEnded)
	for _, l := range s.linkList() {
		c.dropLink(l, linkErr, false)
	}
	c.enqueue(&protocol.End{Channel: s.ch, Error: toRemote(cause)})
}

func (c *Connection) onEnd(f *protocol.End) {
	s, ok := c.sessions[f.Channel]
	if !ok {
		c.logger.Debug("end for unknown channel ignored", "channel", f.Channel)
		return
	}

	if s.State() == SessionClosing {
		c.forgetSession(s, SessionEnded)
		return
	}

	// Peer-initiated end.
	c.enqueue(&protocol.End{Channel: f.Channel})

	err := &SessionError{
		Op:        "end",
		SessionID: s.id,
		Channel:   s.ch,
		Err:       ErrSessionEnded,
		Remote:    f.Error,
		Timestamp: time.Now(),
	}
	recoverable := s.State() == SessionOpen && f.Error != nil && f.Error.Condition.Transient()
	s.logger.Warn("session ended by peer",
		"error", f.Error,
		"recoverable", recoverable)

	c.dropSession(s, err, recoverable)
	delete(c.sessions, f.Channel)
	if recoverable {
		c.cm.sessionLost(s, s.failedLinks(), err)
	}
}

// sessionViolation ends s for a session-scoped protocol error.
func (c *Connection) sessionViolation(s *Session, cond protocol.Condition, desc string) {
	remote := &protocol.Error{Condition: cond, Description: desc}
	s.logger.Error("session protocol violation", "error", remote)
	c.endSession(s, &SessionError{
		Op:        "read",
		SessionID: s.id,
		Channel:   s.ch,
		Err:       ErrProtocolViolation,
		Remote:    remote,
		Timestamp: time.Now(),
	}, nil)
}

// dropSession resolves everything waiting on s after its channel or
// connection went away. A recoverable session is left Failed with its
// links intact for the RecoveryCoordinator.
func (c *Connection) dropSession(s *Session, err error, recoverable bool) {
	recoverable = recoverable && (s.State() == SessionOpen || s.resuming)
	s.setErr(err)

	if s.beginWaiter != nil {
		s.beginWaiter <- s.error("begin", err)
		s.beginWaiter = nil
	}
	for _, w := range s.endWaiters {
		w <- nil
	}
	s.endWaiters = nil

	for _, l := range s.linkList() {
		c.dropLink(l, err, recoverable)
	}

	if recoverable {
		s.setState(SessionFailed)
	} else {
		s.setState(SessionEnded)
	}
}

// forgetSession releases the channel once the End exchange is over.
func (c *Connection) forgetSession(s *Session, final SessionState) {
	if cur, ok := c.sessions[s.ch]; ok && cur == s {
		delete(c.sessions, s.ch)
	}
	for _, l := range s.linkList() {
		c.dropLink(l, s.error("end", ErrSessionEnded), false)
	}
	s.setState(final)
	for _, w := range s.endWaiters {
		w <- nil
	}
	s.endWaiters = nil
}
