// Package goamqp connects the link core to AMQP 1.0 peers through the
// github.com/Azure/go-amqp engine.
package goamqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/Azure/go-amqp"

	"github.com/glimte/linkmux/internal/bridge"
	"github.com/glimte/linkmux/internal/protocol"
)

// Option configures the dialer
type Option func(*options)

type options struct {
	logger  *slog.Logger
	bridge  []bridge.Option
	maxLink uint32
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
		o.bridge = append(o.bridge, bridge.WithLogger(logger))
	}
}

// WithBridgeOptions passes options through to the bridge transport.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(o *options) {
		o.bridge = append(o.bridge, opts...)
	}
}

// WithMaxLinks caps the links per engine session.
func WithMaxLinks(n uint32) Option {
	return func(o *options) {
		o.maxLink = n
	}
}

// NewDialer returns a protocol.Dialer that dials AMQP 1.0 peers.
func NewDialer(opts ...Option) protocol.Dialer {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	return bridge.NewDialer(func(ctx context.Context, cfg protocol.DialConfig) (bridge.Engine, error) {
		return connect(ctx, cfg, o)
	}, o.bridge...)
}

func connect(ctx context.Context, cfg protocol.DialConfig, o *options) (*engine, error) {
	connOpts := &amqp.ConnOptions{
		ContainerID:  cfg.ContainerID,
		IdleTimeout:  cfg.IdleTimeout,
		MaxFrameSize: cfg.MaxFrameSize,
		MaxSessions:  cfg.ChannelMax,
		TLSConfig:    cfg.TLSConfig,
	}
	if cfg.Username != "" {
		connOpts.SASLType = amqp.SASLTypePlain(cfg.Username, cfg.Password)
	}

	conn, err := amqp.Dial(ctx, cfg.Address, connOpts)
	if err != nil {
		return nil, fmt.Errorf("goamqp: dial: %w", err)
	}

	o.logger.Debug("engine connected", "host", hostOf(cfg.Address))
	return &engine{
		conn:    conn,
		peer:    hostOf(cfg.Address),
		maxLink: o.maxLink,
		done:    make(chan struct{}),
	}, nil
}

func hostOf(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// engine adapts an *amqp.Conn. The pinned go-amqp release does not
// report connection loss on its own, so the first connection-level error
// seen by any call closes Done.
type engine struct {
	conn    *amqp.Conn
	peer    string
	maxLink uint32

	mu     sync.Mutex
	err    error
	done   chan struct{}
	closed bool
}

func (e *engine) ContainerID() string { return e.peer }

func (e *engine) NewSession(ctx context.Context) (bridge.Session, error) {
	s, err := e.conn.NewSession(ctx, &amqp.SessionOptions{MaxLinks: e.maxLink})
	if err != nil {
		return nil, e.check(err)
	}
	return &session{engine: e, s: s}, nil
}

func (e *engine) Done() <-chan struct{} { return e.done }

func (e *engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *engine) Close() error {
	err := e.conn.Close()
	e.fail(nil)
	return err
}

func (e *engine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.err = err
	close(e.done)
}

// check maps a go-amqp error into the core's terms and records a lost
// connection.
func (e *engine) check(err error) error {
	if err == nil {
		return nil
	}

	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		e.fail(err)
		return err
	}

	var remote *amqp.Error
	var sessErr *amqp.SessionError
	var linkErr *amqp.LinkError
	switch {
	case errors.As(err, &linkErr) && linkErr.RemoteErr != nil:
		remote = linkErr.RemoteErr
	case errors.As(err, &sessErr) && sessErr.RemoteErr != nil:
		remote = sessErr.RemoteErr
	case errors.As(err, &remote):
	default:
		return err
	}
	return toProtocolError(remote)
}

func toProtocolError(e *amqp.Error) *protocol.Error {
	if e == nil {
		return nil
	}
	return &protocol.Error{
		Condition:   protocol.Condition(e.Condition),
		Description: e.Description,
	}
}

func fromProtocolError(e *protocol.Error) *amqp.Error {
	if e == nil {
		return nil
	}
	return &amqp.Error{
		Condition:   amqp.ErrCond(e.Condition),
		Description: e.Description,
	}
}

type session struct {
	engine *engine
	s      *amqp.Session
}

func (s *session) NewSender(ctx context.Context, opts bridge.LinkOptions) (bridge.Sender, error) {
	senderOpts := &amqp.SenderOptions{Name: opts.Name}
	if opts.Settled {
		senderOpts.SettlementMode = amqp.SenderSettleModeSettled.Ptr()
	}
	snd, err := s.s.NewSender(ctx, opts.Address, senderOpts)
	if err != nil {
		return nil, s.engine.check(err)
	}
	return &sender{engine: s.engine, snd: snd}, nil
}

func (s *session) NewReceiver(ctx context.Context, opts bridge.LinkOptions) (bridge.Receiver, error) {
	rcv, err := s.s.NewReceiver(ctx, opts.Address, &amqp.ReceiverOptions{
		Name: opts.Name,
		// Credit is issued by the bridge as the core grants it.
		Credit:         -1,
		SettlementMode: amqp.ReceiverSettleModeFirst.Ptr(),
	})
	if err != nil {
		return nil, s.engine.check(err)
	}
	return &receiver{engine: s.engine, rcv: rcv}, nil
}

func (s *session) Close(ctx context.Context) error {
	return s.engine.check(s.s.Close(ctx))
}

type sender struct {
	engine *engine
	snd    *amqp.Sender
}

func (s *sender) Send(ctx context.Context, tag, payload []byte, settled bool) (bridge.Outcome, error) {
	msg := amqp.NewMessage(payload)
	msg.DeliveryTag = tag

	err := s.snd.Send(ctx, msg, nil)
	if err == nil {
		return bridge.Outcome{State: protocol.Accepted}, nil
	}

	// A rejection comes back as a bare *amqp.Error; anything wrapped is
	// a link, session or connection failure.
	var rejected *amqp.Error
	if errors.As(err, &rejected) && !isEndpointError(err) {
		return bridge.Outcome{State: protocol.Rejected, Error: toProtocolError(rejected)}, nil
	}
	return bridge.Outcome{}, s.engine.check(err)
}

func isEndpointError(err error) bool {
	var connErr *amqp.ConnError
	var sessErr *amqp.SessionError
	var linkErr *amqp.LinkError
	return errors.As(err, &connErr) || errors.As(err, &sessErr) || errors.As(err, &linkErr)
}

func (s *sender) Close(ctx context.Context) error {
	return s.engine.check(s.snd.Close(ctx))
}

type receiver struct {
	engine *engine
	rcv    *amqp.Receiver
}

func (r *receiver) IssueCredit(n uint32) error {
	return r.engine.check(r.rcv.IssueCredit(n))
}

func (r *receiver) Receive(ctx context.Context) (*bridge.Message, error) {
	msg, err := r.rcv.Receive(ctx, nil)
	if err != nil {
		return nil, r.engine.check(err)
	}
	return &bridge.Message{
		Tag:     msg.DeliveryTag,
		Payload: msg.GetData(),
		Handle:  msg,
	}, nil
}

func (r *receiver) Settle(ctx context.Context, m *bridge.Message, outcome bridge.Outcome) error {
	msg, ok := m.Handle.(*amqp.Message)
	if !ok {
		return fmt.Errorf("goamqp: foreign message %T", m.Handle)
	}

	var err error
	switch outcome.State {
	case protocol.Accepted:
		err = r.rcv.AcceptMessage(ctx, msg)
	case protocol.Rejected:
		err = r.rcv.RejectMessage(ctx, msg, fromProtocolError(outcome.Error))
	case protocol.Released:
		err = r.rcv.ReleaseMessage(ctx, msg)
	case protocol.Modified:
		err = r.rcv.ModifyMessage(ctx, msg, &amqp.ModifyMessageOptions{
			DeliveryFailed:    outcome.DeliveryFailed,
			UndeliverableHere: outcome.UndeliverableHere,
		})
	default:
		return fmt.Errorf("goamqp: cannot settle with %s", outcome.State)
	}
	return r.engine.check(err)
}

func (r *receiver) Close(ctx context.Context) error {
	return r.engine.check(r.rcv.Close(ctx))
}
