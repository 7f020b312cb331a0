package linkmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/linkmux/internal/amqp10"
	"github.com/glimte/linkmux/internal/protocol"
)

var (
	// ErrLockLost is returned when settling a message whose lock token is
	// unknown, already settled, or was released by recovery.
	ErrLockLost = errors.New("linkmux: message lock lost")
	// ErrInvalidReceiveMode is returned when settling in ReceiveAndDelete.
	ErrInvalidReceiveMode = errors.New("linkmux: settlement requires peek-lock mode")
)

// Application property keys carried on dead-lettered messages.
const (
	DeadLetterReasonKey      = "DeadLetterReason"
	DeadLetterDescriptionKey = "DeadLetterErrorDescription"
)

// ReceiveMode selects how received messages are settled.
type ReceiveMode int

const (
	// PeekLock hands messages out locked until they are settled.
	PeekLock ReceiveMode = iota
	// ReceiveAndDelete accepts every message as it arrives.
	ReceiveAndDelete
)

func (m ReceiveMode) String() string {
	switch m {
	case PeekLock:
		return "peeklock"
	case ReceiveAndDelete:
		return "receiveanddelete"
	default:
		return fmt.Sprintf("ReceiveMode(%d)", int(m))
	}
}

// ParseReceiveMode parses the String form of a ReceiveMode.
func ParseReceiveMode(s string) (ReceiveMode, error) {
	switch s {
	case "peeklock", "":
		return PeekLock, nil
	case "receiveanddelete":
		return ReceiveAndDelete, nil
	default:
		return PeekLock, fmt.Errorf("%w: unknown receive mode %q", ErrInvalidConfig, s)
	}
}

// Message is a received message.
type Message struct {
	Body        []byte
	DeliveryTag []byte
	// LockToken identifies the message to the settlement methods. It is
	// zero in ReceiveAndDelete mode.
	LockToken     uuid.UUID
	DeliveryCount uint32
}

// ReceiverOption configures a receiver
type ReceiverOption func(*receiverConfig)

type receiverConfig struct {
	name   string
	mode   ReceiveMode
	credit uint32
}

// WithReceiverName sets the link name. A random name is used when unset.
func WithReceiverName(name string) ReceiverOption {
	return func(c *receiverConfig) {
		c.name = name
	}
}

// WithReceiveMode sets the receive mode. The default is PeekLock.
func WithReceiveMode(mode ReceiveMode) ReceiverOption {
	return func(c *receiverConfig) {
		c.mode = mode
	}
}

// WithCredit overrides Config.Credit for one receiver.
func WithCredit(credit uint32) ReceiverOption {
	return func(c *receiverConfig) {
		c.credit = credit
	}
}

// Receiver receives messages from one source address.
type Receiver struct {
	client  *Client
	source  string
	mode    ReceiveMode
	credit  uint32
	session *amqp10.Session
	link    *amqp10.Link

	mu    sync.Mutex
	locks map[uuid.UUID]*amqp10.Delivery

	closeOnce sync.Once
	closeErr  error
}

// NewReceiver attaches a receiver link to source on its own session.
func (c *Client) NewReceiver(ctx context.Context, source string, options ...ReceiverOption) (*Receiver, error) {
	cfg := &receiverConfig{credit: c.cfg.Credit}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.credit == 0 {
		return nil, fmt.Errorf("%w: receiver credit must be positive", ErrInvalidConfig)
	}

	lowWater := c.cfg.lowWaterMark()
	if cfg.credit != c.cfg.Credit {
		lowWater = uint32(float64(cfg.credit) * c.cfg.LowWaterRatio)
	}
	linkOpts := []amqp10.LinkOption{
		amqp10.WithAddress(source),
		amqp10.WithLowWaterMark(lowWater),
	}
	if cfg.name != "" {
		linkOpts = append(linkOpts, amqp10.WithLinkName(cfg.name))
	}

	s, l, err := c.attach(ctx, protocol.RoleReceiver, cfg.credit, linkOpts...)
	if err != nil {
		return nil, fmt.Errorf("linkmux: attach receiver to %s: %w", source, err)
	}

	r := &Receiver{
		client:  c,
		source:  source,
		mode:    cfg.mode,
		credit:  cfg.credit,
		session: s,
		link:    l,
		locks:   make(map[uuid.UUID]*amqp10.Delivery),
	}
	if err := c.track(nil, r); err != nil {
		_ = c.detach(ctx, s, l)
		return nil, err
	}

	c.logger.Debug("receiver attached",
		"link", l.Name(),
		"source", source,
		"mode", cfg.mode.String(),
		"credit", cfg.credit)
	return r, nil
}

// Source returns the address the receiver reads from.
func (r *Receiver) Source() string { return r.source }

// Mode returns the receive mode.
func (r *Receiver) Mode() ReceiveMode { return r.mode }

// LinkName returns the name of the underlying link.
func (r *Receiver) LinkName() string { return r.link.Name() }

// Receive waits for the next message. Waits made while the connection is
// recovering continue once it is back.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	if err := r.client.checkOpen(); err != nil {
		return nil, err
	}

	var d *amqp10.Delivery
	err := r.client.retry(ctx, r.link, func() error {
		var err error
		d, err = r.client.links.Receive(ctx, r.link)
		return err
	})
	if err != nil {
		return nil, err
	}

	m := &Message{
		Body:          d.Payload(),
		DeliveryTag:   d.Tag(),
		DeliveryCount: d.DeliveryCount(),
	}

	if r.mode == ReceiveAndDelete {
		if err := r.client.links.Settle(ctx, r.link, d, amqp10.Settlement{Outcome: protocol.Accepted}); err != nil {
			return nil, fmt.Errorf("linkmux: accept on receive: %w", err)
		}
		return m, nil
	}

	m.LockToken = uuid.New()
	r.mu.Lock()
	if len(r.locks) >= int(r.credit) {
		r.pruneLocked()
	}
	r.locks[m.LockToken] = d
	r.mu.Unlock()
	return m, nil
}

// pruneLocked drops locks whose deliveries were settled elsewhere, such
// as those released when the link was recovered.
func (r *Receiver) pruneLocked() {
	for token, d := range r.locks {
		select {
		case <-d.Done():
			delete(r.locks, token)
		default:
		}
	}
}

// ReceiveMessages collects up to max messages. With a positive maxWait it
// returns whatever arrived within that window, possibly nothing. With a
// zero maxWait it waits until max messages arrive or ctx ends. Messages
// already received are returned in preference to an error.
func (r *Receiver) ReceiveMessages(ctx context.Context, max int, maxWait time.Duration) ([]*Message, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: max must be positive", ErrInvalidConfig)
	}

	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	messages := make([]*Message, 0, max)
	for len(messages) < max {
		m, err := r.Receive(waitCtx)
		if err != nil {
			if maxWait > 0 && ctx.Err() == nil && waitCtx.Err() != nil {
				break
			}
			if len(messages) == 0 {
				return nil, err
			}
			r.client.logger.Debug("receive batch cut short",
				"link", r.link.Name(),
				"received", len(messages),
				"error", err)
			break
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// Complete accepts the message.
func (r *Receiver) Complete(ctx context.Context, m *Message) error {
	return r.settle(ctx, m, amqp10.Settlement{Outcome: protocol.Accepted})
}

// Abandon releases the message for redelivery.
func (r *Receiver) Abandon(ctx context.Context, m *Message) error {
	return r.settle(ctx, m, amqp10.Settlement{Outcome: protocol.Released})
}

// DeadLetter rejects the message so the peer moves it to its dead-letter
// destination.
func (r *Receiver) DeadLetter(ctx context.Context, m *Message, reason, description string) error {
	return r.settle(ctx, m, amqp10.Settlement{
		Outcome: protocol.Rejected,
		Error: &protocol.Error{
			Condition:   protocol.ConditionDeadLetter,
			Description: description,
			Info: map[string]any{
				DeadLetterReasonKey:      reason,
				DeadLetterDescriptionKey: description,
			},
		},
	})
}

// Defer sets the message aside. The peer will not redeliver it on this
// link.
func (r *Receiver) Defer(ctx context.Context, m *Message) error {
	return r.settle(ctx, m, amqp10.Settlement{
		Outcome:           protocol.Modified,
		UndeliverableHere: true,
	})
}

func (r *Receiver) settle(ctx context.Context, m *Message, st amqp10.Settlement) error {
	if r.mode == ReceiveAndDelete {
		return ErrInvalidReceiveMode
	}

	r.mu.Lock()
	d, ok := r.locks[m.LockToken]
	delete(r.locks, m.LockToken)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockLost, m.LockToken)
	}

	err := r.client.links.Settle(ctx, r.link, d, st)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, amqp10.ErrDeliveryNotPending), errors.Is(err, amqp10.ErrLinkNotAttached):
		return fmt.Errorf("%w: %w", ErrLockLost, err)
	case ctx.Err() != nil:
		// Not settled; the caller may try again.
		r.mu.Lock()
		r.locks[m.LockToken] = d
		r.mu.Unlock()
	}
	return err
}

// Close detaches the link and ends its session. Unsettled messages are
// redelivered by the peer.
func (r *Receiver) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.client.untrack(nil, r)
		r.closeErr = r.client.detach(ctx, r.session, r.link)

		r.mu.Lock()
		clear(r.locks)
		r.mu.Unlock()
	})
	return r.closeErr
}
