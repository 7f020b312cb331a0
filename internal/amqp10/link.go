package amqp10

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/glimte/linkmux/internal/protocol"
)

// LinkState is the lifecycle state of a Link.
type LinkState int32

const (
	LinkAttaching LinkState = iota
	LinkAttached
	LinkDetaching
	LinkDetached
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkAttaching:
		return "attaching"
	case LinkAttached:
		return "attached"
	case LinkDetaching:
		return "detaching"
	case LinkDetached:
		return "detached"
	case LinkFailed:
		return "failed"
	default:
		return fmt.Sprintf("LinkState(%d)", int32(s))
	}
}

// LinkOptions holds per-link settings.
type LinkOptions struct {
	// Name identifies the link to the peer and keys its deliveries in the
	// SettlementTracker. Generated when empty.
	Name    string
	Address string
	// SenderSettled sends every transfer pre-settled.
	SenderSettled bool
	// ManualCredit turns off automatic credit top-up on receivers.
	ManualCredit bool
	// LowWaterMark is the credit level below which a receiver tops its
	// credit back up. Defaults to half the initial credit.
	LowWaterMark uint32
}

// LinkOption configures a link
type LinkOption func(*LinkOptions)

// WithLinkName sets the link name
func WithLinkName(name string) LinkOption {
	return func(o *LinkOptions) {
		o.Name = name
	}
}

// WithAddress sets the source (receivers) or target (senders) address
func WithAddress(address string) LinkOption {
	return func(o *LinkOptions) {
		o.Address = address
	}
}

// WithSenderSettled makes a sender transfer pre-settled
func WithSenderSettled() LinkOption {
	return func(o *LinkOptions) {
		o.SenderSettled = true
	}
}

// WithManualCredit disables automatic credit replenishment
func WithManualCredit() LinkOption {
	return func(o *LinkOptions) {
		o.ManualCredit = true
	}
}

// WithLowWaterMark sets the replenishment threshold
func WithLowWaterMark(n uint32) LinkOption {
	return func(o *LinkOptions) {
		o.LowWaterMark = n
	}
}

// Link is a unidirectional channel for deliveries within a session.
type Link struct {
	name          string
	address       string
	role          protocol.Role
	senderSettled bool
	initialCredit uint32
	lowWater      uint32
	autoReplenish bool
	session       *Session
	logger        *slog.Logger
	metrics       MetricsCollector

	state      atomic.Int32
	creditView atomic.Uint32
	handleView atomic.Uint32

	errMu sync.Mutex
	err   error

	// owned by the connection loop
	handle        uint32
	credit        uint32
	deliveryCount uint32
	held          uint32
	parked        *queue.Queue
	inbound       *queue.Queue
	receivers     *queue.Queue
	attachWaiter  chan error
	detachWaiters []chan error
	detachCause   error
	resubmit      []*Delivery
	resuming      bool
	abandoned     bool
}

// Name returns the link name.
func (l *Link) Name() string { return l.name }

// Address returns the link's source or target address.
func (l *Link) Address() string { return l.address }

// Role returns whether the link sends or receives.
func (l *Link) Role() protocol.Role { return l.role }

// Session returns the owning session.
func (l *Link) Session() *Session { return l.session }

// InitialCredit returns the credit a receiver grants on attach.
func (l *Link) InitialCredit() uint32 { return l.initialCredit }

// State returns the current state without synchronizing with the loop.
func (l *Link) State() LinkState {
	return LinkState(l.state.Load())
}

// Credit returns a snapshot of the link credit.
func (l *Link) Credit() uint32 {
	return l.creditView.Load()
}

// Err returns the error that detached the link, if any.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Link) setErr(err error) {
	l.errMu.Lock()
	l.err = err
	l.errMu.Unlock()
}

func (l *Link) setState(next LinkState) {
	prev := LinkState(l.state.Swap(int32(next)))
	if prev == next {
		return
	}
	if next == LinkAttached {
		l.metrics.LinkAttached(l.role)
	} else if prev == LinkAttached {
		l.metrics.LinkDetached(l.role)
	}
	l.logger.Debug("link state changed",
		"from", prev.String(),
		"to", next.String())
}

func (l *Link) publishCredit() {
	l.creditView.Store(l.credit)
}

func (l *Link) error(op string, err error) *LinkError {
	return &LinkError{
		Op:        op,
		Link:      l.name,
		Handle:    l.handleView.Load(),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// unavailable explains why the link cannot carry traffic right now. The
// cause that took it down is kept so that transient losses classify as
// transient.
func (l *Link) unavailable(op string) *LinkError {
	if cause := l.Err(); cause != nil {
		return l.error(op, fmt.Errorf("%w: %w", ErrLinkNotAttached, cause))
	}
	return l.error(op, ErrLinkNotAttached)
}

func (l *Link) flow() *protocol.Flow {
	s := l.session
	return &protocol.Flow{
		Channel:        s.ch,
		NextIncomingID: protocol.Uint32(s.nextIncomingID),
		IncomingWindow: maxWindow,
		NextOutgoingID: s.nextOutgoingID,
		OutgoingWindow: maxWindow,
		Handle:         protocol.Uint32(l.handle),
		DeliveryCount:  protocol.Uint32(l.deliveryCount),
		LinkCredit:     protocol.Uint32(l.credit),
	}
}

// failPending fails parked sends and waiting receives.
func (l *Link) failPending(err error) {
	for l.parked.Length() > 0 {
		l.parked.Remove().(*sendRequest).finish(nil, err)
	}
	for l.receivers.Length() > 0 {
		l.receivers.Remove().(*receiveRequest).finish(nil, err)
	}
}

type sendResult struct {
	delivery *Delivery
	err      error
}

type sendRequest struct {
	payload  []byte
	tag      []byte
	delivery *Delivery
	reply    chan sendResult
	finished bool
}

func (r *sendRequest) finish(d *Delivery, err error) {
	if r.finished {
		return
	}
	r.finished = true
	r.reply <- sendResult{delivery: d, err: err}
}

// SendOption configures a single send
type SendOption func(*sendRequest)

// WithDeliveryTag sets the delivery tag instead of generating one
func WithDeliveryTag(tag []byte) SendOption {
	return func(r *sendRequest) {
		r.tag = tag
	}
}

type receiveRequest struct {
	reply    chan sendResult
	finished bool
}

func (r *receiveRequest) finish(d *Delivery, err error) {
	if r.finished {
		return
	}
	r.finished = true
	r.reply <- sendResult{delivery: d, err: err}
}

// LinkManagerOption configures a LinkManager
type LinkManagerOption func(*LinkManager)

// WithLinkLogger sets the logger
func WithLinkLogger(logger *slog.Logger) LinkManagerOption {
	return func(lm *LinkManager) {
		lm.logger = logger
	}
}

// WithLinkMetrics sets the metrics collector
func WithLinkMetrics(m MetricsCollector) LinkManagerOption {
	return func(lm *LinkManager) {
		lm.metrics = m
	}
}

// LinkManager attaches links and moves deliveries over them.
type LinkManager struct {
	logger  *slog.Logger
	metrics MetricsCollector
}

// NewLinkManager creates a link manager
func NewLinkManager(options ...LinkManagerOption) *LinkManager {
	lm := &LinkManager{
		logger:  slog.Default(),
		metrics: NoopMetrics(),
	}
	for _, opt := range options {
		opt(lm)
	}
	return lm
}

// Attach attaches a new link on s. Receivers grant initialCredit once the
// peer confirms the attach; senders ignore it and wait for the peer's Flow.
func (lm *LinkManager) Attach(ctx context.Context, s *Session, role protocol.Role, initialCredit uint32, opts ...LinkOption) (*Link, error) {
	var o LinkOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Name == "" {
		o.Name = fmt.Sprintf("%s-%s", role, uuid.NewString())
	}
	if role == protocol.RoleSender {
		initialCredit = 0
	}
	low := o.LowWaterMark
	if low == 0 {
		low = (initialCredit + 1) / 2
	}

	l := &Link{
		name:          o.Name,
		address:       o.Address,
		role:          role,
		senderSettled: o.SenderSettled,
		initialCredit: initialCredit,
		lowWater:      low,
		autoReplenish: !o.ManualCredit,
		session:       s,
		logger:        lm.logger.With("link", o.Name, "session", s.ID()),
		metrics:       lm.metrics,
		parked:        queue.New(),
		inbound:       queue.New(),
		receivers:     queue.New(),
	}

	if err := lm.attach(ctx, l, false, nil); err != nil {
		return nil, err
	}

	l.logger.Debug("link attached",
		"role", role.String(),
		"initialCredit", initialCredit)
	return l, nil
}

// resume re-attaches l under its existing name. Sender deliveries in
// resubmit are transferred again, ahead of any new sends.
func (lm *LinkManager) resume(ctx context.Context, l *Link, resubmit []*Delivery) error {
	return lm.attach(ctx, l, true, resubmit)
}

func (lm *LinkManager) attach(ctx context.Context, l *Link, resuming bool, resubmit []*Delivery) error {
	conn := l.session.conn.Load()
	if conn == nil {
		return l.error("attach", ErrSessionNotOpen)
	}

	reply := make(chan error, 1)
	err := conn.do(ctx, func() { conn.attachLink(l, reply, resuming, resubmit) })
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.error("attach", fmt.Errorf("%w: %w", ErrSessionNotOpen, err))
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
			if l.attachWaiter == reply {
				l.attachWaiter = nil
				l.abandoned = true
			}
			err = ctx.Err()
		}
	})
	if !ok {
		return <-reply
	}
	return err
}

// Detach detaches l. A non-nil cause is sent to the peer, and a transient
// cause hands the link to the RecoveryCoordinator for re-attach. Once
// Detach has been sent the exchange completes regardless of ctx, bounded
// by the close timeout.
func (lm *LinkManager) Detach(ctx context.Context, l *Link, cause error) error {
	conn := l.session.conn.Load()
	if conn == nil {
		l.setState(LinkDetached)
		return nil
	}

	reply := make(chan error, 1)
	if err := conn.do(ctx, func() { conn.detachLink(l, cause, reply) }); err != nil {
		select {
		case <-conn.loopDone:
			conn.discardLink(l)
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
		conn.exec(func() {
			conn.dropLink(l, l.error("detach", ErrCloseTimeout), false)
			conn.forgetLink(l)
		})
		return l.error("detach", ErrCloseTimeout)
	}
}

// ReplenishCredit grants amount more credit to the peer on a receiver.
func (lm *LinkManager) ReplenishCredit(ctx context.Context, l *Link, amount uint32) error {
	if l.role != protocol.RoleReceiver {
		return l.error("flow", ErrInvalidDirection)
	}
	conn := l.session.conn.Load()
	if conn == nil {
		return l.unavailable("flow")
	}

	return conn.call(ctx, func() error {
		if l.session.conn.Load() != conn || l.State() != LinkAttached {
			return l.unavailable("flow")
		}
		l.credit += amount
		l.publishCredit()
		conn.enqueue(l.flow())
		return nil
	})
}

// Send transfers payload on a sender link. With no credit the send waits
// in FIFO order until the peer grants more. The returned Delivery reports
// the peer's outcome.
func (lm *LinkManager) Send(ctx context.Context, l *Link, payload []byte, opts ...SendOption) (*Delivery, error) {
	if l.role != protocol.RoleSender {
		return nil, l.error("send", ErrInvalidDirection)
	}
	conn := l.session.conn.Load()
	if conn == nil {
		return nil, l.unavailable("send")
	}
	if limit := conn.MaxFrameSize(); limit > 0 && uint64(len(payload)) > uint64(limit) {
		return nil, l.error("send", fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(payload), limit))
	}

	req := &sendRequest{payload: payload, reply: make(chan sendResult, 1)}
	for _, opt := range opts {
		opt(req)
	}

	if err := conn.do(ctx, func() { conn.send(l, req) }); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, l.error("send", err)
	}

	select {
	case res := <-req.reply:
		return res.delivery, res.err
	case <-ctx.Done():
	}

	conn.exec(func() { req.finish(nil, ctx.Err()) })
	res := <-req.reply
	return res.delivery, res.err
}

// Receive waits for the next delivery on a receiver link.
func (lm *LinkManager) Receive(ctx context.Context, l *Link) (*Delivery, error) {
	if l.role != protocol.RoleReceiver {
		return nil, l.error("receive", ErrInvalidDirection)
	}
	conn := l.session.conn.Load()
	if conn == nil {
		return nil, l.unavailable("receive")
	}

	req := &receiveRequest{reply: make(chan sendResult, 1)}
	if err := conn.do(ctx, func() { conn.receive(l, req) }); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, l.error("receive", err)
	}

	select {
	case res := <-req.reply:
		return res.delivery, res.err
	case <-ctx.Done():
	}

	conn.exec(func() { req.finish(nil, ctx.Err()) })
	res := <-req.reply
	if res.delivery != nil {
		// Handed over just as the caller gave up.
		return res.delivery, nil
	}
	return nil, res.err
}

// Settle reports the outcome of a received delivery to the peer and tops
// up credit when it has fallen below the low-water mark.
func (lm *LinkManager) Settle(ctx context.Context, l *Link, d *Delivery, s Settlement) error {
	if l.role != protocol.RoleReceiver {
		return l.error("settle", ErrInvalidDirection)
	}
	if !s.Outcome.Terminal() {
		return l.error("settle", fmt.Errorf("%w: settlement requires a terminal outcome", ErrProtocolViolation))
	}
	if d.presettled {
		return nil
	}
	conn := l.session.conn.Load()
	if conn == nil {
		return l.unavailable("settle")
	}

	return conn.call(ctx, func() error { return conn.settle(l, d, s) })
}

func (c *Connection) attachLink(l *Link, reply chan error, resuming bool, resubmit []*Delivery) {
	s := l.session
	if s.conn.Load() != c || s.State() != SessionOpen {
		reply <- l.error("attach", ErrSessionNotOpen)
		return
	}
	if st := l.State(); (st != LinkAttaching && st != LinkFailed) || l.attachWaiter != nil {
		reply <- l.error("attach", fmt.Errorf("%w: link is %s", ErrProtocolViolation, st))
		return
	}

	h, ok := s.allocHandle(c.cfg.HandleMax)
	if !ok {
		reply <- l.error("attach", ErrLinkTableFull)
		return
	}

	l.resuming = resuming
	l.resubmit = resubmit
	l.handle = h
	l.handleView.Store(h)
	l.credit = 0
	l.deliveryCount = 0
	l.held = 0
	l.abandoned = false
	l.publishCredit()
	l.setState(LinkAttaching)
	l.attachWaiter = reply
	s.links[h] = l

	a := &protocol.Attach{
		Channel:       s.ch,
		Name:          l.name,
		Handle:        h,
		Role:          l.role,
		SenderSettled: l.senderSettled,
	}
	if l.role == protocol.RoleSender {
		a.Source = &protocol.Terminus{}
		a.Target = &protocol.Terminus{Address: l.address}
	} else {
		a.Source = &protocol.Terminus{Address: l.address}
		a.Target = &protocol.Terminus{}
	}
	c.enqueue(a)
}

func (c *Connection) onAttach(f *protocol.Attach) {
	s, ok := c.sessions[f.Channel]
	if !ok {
		c.logger.Debug("attach for unknown channel ignored", "channel", f.Channel)
		return
	}
	l, ok := s.links[f.Handle]
	if !ok || l.State() != LinkAttaching {
		c.sessionViolation(s, protocol.ConditionUnattachedHandle,
			fmt.Sprintf("unexpected attach for handle %d", f.Handle))
		return
	}

	if f.Refused(l.role) {
		// The peer's Detach carries the reason and resolves the waiter.
		l.logger.Debug("attach refused by peer")
		return
	}

	l.setErr(nil)
	l.setState(LinkAttached)
	if l.role == protocol.RoleReceiver {
		l.deliveryCount = f.InitialDeliveryCount
		if l.initialCredit > 0 {
			l.credit = l.initialCredit
			c.enqueue(l.flow())
		}
	} else {
		for _, d := range l.resubmit {
			l.parked.Add(&sendRequest{delivery: d, reply: make(chan sendResult, 1)})
		}
	}
	l.publishCredit()

	if l.resuming {
		l.logger.Info("link resumed", "resubmitted", len(l.resubmit))
	}
	l.resubmit = nil
	l.resuming = false

	if l.abandoned {
		l.abandoned = false
		c.detachLink(l, l.detachCause, nil)
		return
	}
	if l.attachWaiter != nil {
		l.attachWaiter <- nil
		l.attachWaiter = nil
	}
}

// detachLink starts the Detach exchange. waiter, if set, receives the
// result.
func (c *Connection) detachLink(l *Link, cause error, waiter chan error) {
	switch l.State() {
	case LinkDetached, LinkFailed:
		c.dropLink(l, l.error("detach", ErrLinkDetached), false)
		c.forgetLink(l)
		if waiter != nil {
			waiter <- nil
		}
		return
	case LinkDetaching:
		if waiter != nil {
			l.detachWaiters = append(l.detachWaiters, waiter)
		}
		return
	case LinkAttaching:
		l.abandoned = true
		l.detachCause = cause
		if l.attachWaiter != nil {
			l.attachWaiter <- l.error("attach", ErrLinkDetached)
			l.attachWaiter = nil
		}
		if waiter != nil {
			l.detachWaiters = append(l.detachWaiters, waiter)
		}
		return
	}

	l.setState(LinkDetaching)
	l.detachCause = cause
	l.failPending(l.error("detach", ErrLinkDetached))
	if waiter != nil {
		l.detachWaiters = append(l.detachWaiters, waiter)
	}
	c.enqueue(&protocol.Detach{
		Channel: l.session.ch,
		Handle:  l.handle,
		Closed:  true,
		Error:   toRemote(cause),
	})
}

func (c *Connection) onDetach(f *protocol.Detach) {
	s, ok := c.sessions[f.Channel]
	if !ok {
		c.logger.Debug("detach for unknown channel ignored", "channel", f.Channel)
		return
	}
	l, ok := s.links[f.Handle]
	if !ok {
		c.sessionViolation(s, protocol.ConditionUnattachedHandle,
			fmt.Sprintf("detach for unknown handle %d", f.Handle))
		return
	}

	if l.State() == LinkDetaching {
		cause := l.detachCause
		l.detachCause = nil
		recoverable := cause != nil && IsTransient(cause)
		c.dropLink(l, cause, recoverable)
		c.forgetLink(l)
		if recoverable {
			c.cm.linkLost(l, cause)
		}
		return
	}

	// Peer-initiated detach.
	c.enqueue(&protocol.Detach{Channel: f.Channel, Handle: f.Handle, Closed: true})

	err := &LinkError{
		Op:        "detach",
		Link:      l.name,
		Handle:    l.handle,
		Err:       ErrLinkDetached,
		Remote:    f.Error,
		Timestamp: time.Now(),
	}
	recoverable := f.Error != nil && f.Error.Condition.Transient()
	l.logger.Warn("link detached by peer",
		"error", f.Error,
		"recoverable", recoverable)

	wasAttached := l.State() == LinkAttached || l.resuming
	c.dropLink(l, err, recoverable)
	c.forgetLink(l)
	if recoverable && wasAttached {
		c.cm.linkLost(l, err)
	}
}

// dropLink resolves everything waiting on l. A recoverable link that was
// carrying traffic is left Failed with its deliveries still tracked;
// otherwise it ends Detached and its pending deliveries are resolved.
func (c *Connection) dropLink(l *Link, err error, recoverable bool) {
	st := l.State()
	recoverable = recoverable && (st == LinkAttached || st == LinkFailed || st == LinkDetaching || l.resuming)

	if err != nil {
		l.setErr(err)
	}
	if l.attachWaiter != nil {
		if err == nil {
			err = l.error("attach", ErrLinkDetached)
		}
		l.attachWaiter <- err
		l.attachWaiter = nil
	}
	for _, w := range l.detachWaiters {
		w <- nil
	}
	l.detachWaiters = nil

	failure := err
	if failure == nil {
		failure = l.error("detach", ErrLinkDetached)
	}
	l.failPending(failure)
	l.credit = 0
	l.held = 0
	l.inbound = queue.New()
	l.resubmit = nil
	l.resuming = false
	l.publishCredit()

	if recoverable {
		l.setState(LinkFailed)
		return
	}
	if st == LinkDetached {
		return
	}
	l.setState(LinkDetached)
	if l.role == protocol.RoleSender {
		if n := c.tracker.FailLink(l.name, failure); n > 0 {
			l.logger.Warn("unsettled deliveries abandoned", "count", n)
		}
	} else {
		c.tracker.ReleaseLink(l.name)
	}
}

// forgetLink frees the handle and the session's delivery-id entries.
func (c *Connection) forgetLink(l *Link) {
	s := l.session
	if s.conn.Load() != c {
		return
	}
	if cur, ok := s.links[l.handle]; ok && cur == l {
		delete(s.links, l.handle)
	}
	for id, d := range s.outgoing {
		if d.link == l.name {
			delete(s.outgoing, id)
		}
	}
	for id, d := range s.incoming {
		if d.link == l.name {
			delete(s.incoming, id)
		}
	}
}

// discardLink resolves a link whose connection is already gone.
func (c *Connection) discardLink(l *Link) {
	<-c.loopDone
	if l.State() == LinkDetached {
		return
	}
	l.setState(LinkDetached)
	if l.role == protocol.RoleSender {
		c.tracker.FailLink(l.name, l.error("detach", ErrLinkDetached))
	} else {
		c.tracker.ReleaseLink(l.name)
	}
}

func (c *Connection) onFlow(f *protocol.Flow) {
	s, ok := c.sessions[f.Channel]
	if !ok {
		c.logger.Debug("flow for unknown channel ignored", "channel", f.Channel)
		return
	}
	if f.Handle == nil {
		if f.Echo {
			c.enqueue(&protocol.Flow{
				Channel:        s.ch,
				NextIncomingID: protocol.Uint32(s.nextIncomingID),
				IncomingWindow: maxWindow,
				NextOutgoingID: s.nextOutgoingID,
				OutgoingWindow: maxWindow,
			})
		}
		return
	}

	l, ok := s.links[*f.Handle]
	if !ok {
		c.sessionViolation(s, protocol.ConditionUnattachedHandle,
			fmt.Sprintf("flow for unknown handle %d", *f.Handle))
		return
	}
	if l.State() != LinkAttached {
		return
	}

	if l.role == protocol.RoleReceiver {
		// The sender may advance delivery-count to consume credit on drain.
		if f.DeliveryCount != nil {
			advanced := *f.DeliveryCount - l.deliveryCount
			if advanced <= l.credit {
				l.credit -= advanced
				l.deliveryCount = *f.DeliveryCount
				l.publishCredit()
			}
		}
		if f.Echo {
			c.enqueue(l.flow())
		}
		return
	}

	if f.LinkCredit != nil {
		peerCount := l.deliveryCount
		if f.DeliveryCount != nil {
			peerCount = *f.DeliveryCount
		}
		inFlight := l.deliveryCount - peerCount
		if inFlight >= *f.LinkCredit {
			l.credit = 0
		} else {
			l.credit = *f.LinkCredit - inFlight
		}
		l.publishCredit()
	}

	c.pump(l)

	if f.Drain && l.parked.Length() == 0 && l.credit > 0 {
		l.deliveryCount += l.credit
		l.credit = 0
		l.publishCredit()
		c.enqueue(l.flow())
	} else if f.Echo {
		c.enqueue(l.flow())
	}
}

func (c *Connection) send(l *Link, req *sendRequest) {
	if l.session.conn.Load() != c || l.State() != LinkAttached {
		req.finish(nil, l.unavailable("send"))
		return
	}
	if l.credit > 0 && l.parked.Length() == 0 {
		c.transfer(l, req)
		return
	}
	l.parked.Add(req)
	l.metrics.SendParked()
	l.logger.Debug("send waiting for credit", "parked", l.parked.Length())
}

// pump transfers parked sends while credit lasts.
func (c *Connection) pump(l *Link) {
	for l.credit > 0 && l.parked.Length() > 0 {
		req := l.parked.Remove().(*sendRequest)
		if req.finished {
			continue
		}
		c.transfer(l, req)
	}
}

func (c *Connection) transfer(l *Link, req *sendRequest) {
	s := l.session
	d := req.delivery
	if d == nil {
		tag := req.tag
		if tag == nil {
			u := uuid.New()
			tag = u[:]
		}
		if l.senderSettled {
			d = newSettledDelivery(l.name, tag, req.payload)
		} else {
			var err error
			if d, err = c.tracker.Register(l.name, tag, req.payload); err != nil {
				req.finish(nil, err)
				return
			}
		}
	}

	id := s.nextOutgoingID
	s.nextOutgoingID++
	d.id = id
	d.markTransferred()
	if !d.presettled {
		s.outgoing[id] = d
	}

	l.credit--
	l.deliveryCount++
	l.publishCredit()

	c.enqueue(&protocol.Transfer{
		Channel:     s.ch,
		Handle:      l.handle,
		DeliveryID:  id,
		DeliveryTag: d.tag,
		Settled:     d.presettled,
		Payload:     d.payload,
	})
	req.finish(d, nil)
}

func (c *Connection) receive(l *Link, req *receiveRequest) {
	if l.session.conn.Load() == c && l.inbound.Length() > 0 {
		c.handOver(l, req, l.inbound.Remove().(*Delivery))
		return
	}
	if l.session.conn.Load() != c || l.State() != LinkAttached {
		req.finish(nil, l.unavailable("receive"))
		return
	}
	l.receivers.Add(req)
}

func (c *Connection) handOver(l *Link, req *receiveRequest, d *Delivery) {
	req.finish(d, nil)
	if d.presettled {
		if l.held > 0 {
			l.held--
		}
		c.maybeReplenish(l)
	}
}

func (c *Connection) onTransfer(f *protocol.Transfer) {
	s, ok := c.sessions[f.Channel]
	if !ok {
		c.logger.Debug("transfer for unknown channel ignored", "channel", f.Channel)
		return
	}
	l, ok := s.links[f.Handle]
	if !ok {
		c.sessionViolation(s, protocol.ConditionUnattachedHandle,
			fmt.Sprintf("transfer for unknown handle %d", f.Handle))
		return
	}
	if l.role != protocol.RoleReceiver {
		c.sessionViolation(s, protocol.ConditionIllegalState,
			fmt.Sprintf("transfer on sender handle %d", f.Handle))
		return
	}
	if l.State() != LinkAttached {
		return
	}

	if l.credit == 0 {
		l.logger.Error("transfer received without credit, detaching link")
		c.detachLink(l, &LinkError{
			Op:     "transfer",
			Link:   l.name,
			Handle: l.handle,
			Err:    ErrCreditExceeded,
			Remote: &protocol.Error{
				Condition:   protocol.ConditionTransferLimitExceeded,
				Description: "transfer exceeded link credit",
			},
			Timestamp: time.Now(),
		}, nil)
		return
	}

	l.credit--
	l.deliveryCount++
	l.publishCredit()
	s.nextIncomingID = f.DeliveryID + 1

	var d *Delivery
	if f.Settled {
		d = newSettledDelivery(l.name, f.DeliveryTag, f.Payload)
	} else {
		var err error
		if d, err = c.tracker.Register(l.name, f.DeliveryTag, f.Payload); err != nil {
			l.logger.Error("duplicate delivery tag from peer", "tag", f.DeliveryTag)
			c.detachLink(l, &LinkError{
				Op:     "transfer",
				Link:   l.name,
				Handle: l.handle,
				Err:    err,
				Remote: &protocol.Error{
					Condition:   protocol.ConditionIllegalState,
					Description: "duplicate delivery tag",
				},
				Timestamp: time.Now(),
			}, nil)
			return
		}
		d.id = f.DeliveryID
		s.incoming[f.DeliveryID] = d
	}
	d.markTransferred()
	l.held++

	for l.receivers.Length() > 0 {
		req := l.receivers.Remove().(*receiveRequest)
		if req.finished {
			continue
		}
		c.handOver(l, req, d)
		return
	}
	l.inbound.Add(d)
}

func (c *Connection) settle(l *Link, d *Delivery, st Settlement) error {
	s := l.session
	if d.State().Terminal() || d.Err() != nil {
		return l.error("settle", ErrDeliveryNotPending)
	}
	if s.conn.Load() != c || l.State() != LinkAttached {
		return l.unavailable("settle")
	}
	if cur, ok := s.incoming[d.id]; !ok || cur != d {
		return l.error("settle", ErrDeliveryNotPending)
	}
	delete(s.incoming, d.id)

	c.enqueue(&protocol.Disposition{
		Channel:           s.ch,
		Role:              protocol.RoleReceiver,
		First:             d.id,
		Settled:           true,
		Outcome:           st.Outcome,
		Error:             st.Error,
		DeliveryFailed:    st.DeliveryFailed,
		UndeliverableHere: st.UndeliverableHere,
	})
	c.tracker.RecordOutcome(l.name, d.tag, st)

	if l.held > 0 {
		l.held--
	}
	c.maybeReplenish(l)
	return nil
}

// maybeReplenish restores a receiver's window to its initial credit once
// credit falls below the low-water mark.
func (c *Connection) maybeReplenish(l *Link) {
	if !l.autoReplenish || l.initialCredit == 0 || l.State() != LinkAttached {
		return
	}
	if l.credit >= l.lowWater {
		return
	}
	window := l.credit + l.held
	if window >= l.initialCredit {
		return
	}
	l.credit += l.initialCredit - window
	l.publishCredit()
	c.enqueue(l.flow())
}

func (c *Connection) onDisposition(f *protocol.Disposition) {
	s, ok := c.sessions[f.Channel]
	if !ok {
		c.logger.Debug("disposition for unknown channel ignored", "channel", f.Channel)
		return
	}
	if !f.Settled && !f.Outcome.Terminal() {
		return
	}

	table := s.outgoing
	if f.Role == protocol.RoleSender {
		table = s.incoming
	}

	st := Settlement{
		Outcome:           f.Outcome,
		Error:             f.Error,
		DeliveryFailed:    f.DeliveryFailed,
		UndeliverableHere: f.UndeliverableHere,
	}
	if !st.Outcome.Terminal() {
		// Settled without a state.
		st.Outcome = protocol.Accepted
	}

	first, last := f.First, f.LastID()
	span := uint64(last-first) + 1
	matched := uint64(0)

	apply := func(id uint32, d *Delivery) {
		delete(table, id)
		c.tracker.RecordOutcome(d.link, d.tag, st)
		matched++
	}

	if span > uint64(len(table)) {
		for id, d := range table {
			if uint64(id-first) < span {
				apply(id, d)
			}
		}
	} else {
		for i := uint64(0); i < span; i++ {
			id := first + uint32(i)
			if d, ok := table[id]; ok {
				apply(id, d)
			}
		}
	}

	if unknown := span - matched; unknown > 0 {
		c.metrics.UnknownDisposition()
		c.logger.Warn("disposition for unknown delivery ignored",
			"channel", f.Channel,
			"first", first,
			"last", last,
			"unknown", unknown)
	}
}
