package linkmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/linkmux/internal/amqp10"
	"github.com/glimte/linkmux/internal/protocol"
)

// Outcome is the terminal state the peer reported for a message.
type Outcome = protocol.Outcome

const (
	OutcomeAccepted = protocol.Accepted
	OutcomeRejected = protocol.Rejected
	OutcomeReleased = protocol.Released
	OutcomeModified = protocol.Modified
)

// SenderOption configures a sender
type SenderOption func(*senderConfig)

type senderConfig struct {
	name    string
	settled bool
}

// WithSenderName sets the link name. A random name is used when unset.
func WithSenderName(name string) SenderOption {
	return func(c *senderConfig) {
		c.name = name
	}
}

// WithPresettled sends every message pre-settled. Presettled messages are
// not tracked and SendAndWait reports them accepted.
func WithPresettled() SenderOption {
	return func(c *senderConfig) {
		c.settled = true
	}
}

// SendOption configures a single send
type SendOption func(*sendConfig)

type sendConfig struct {
	tag []byte
}

// WithDeliveryTag sets the delivery tag. A uuid is used when unset.
func WithDeliveryTag(tag []byte) SendOption {
	return func(c *sendConfig) {
		c.tag = tag
	}
}

// Sender sends messages to one target address.
type Sender struct {
	client  *Client
	target  string
	session *amqp10.Session
	link    *amqp10.Link

	closeOnce sync.Once
	closeErr  error
}

// NewSender attaches a sender link to target on its own session.
func (c *Client) NewSender(ctx context.Context, target string, options ...SenderOption) (*Sender, error) {
	cfg := &senderConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	linkOpts := []amqp10.LinkOption{amqp10.WithAddress(target)}
	if cfg.name != "" {
		linkOpts = append(linkOpts, amqp10.WithLinkName(cfg.name))
	}
	if cfg.settled {
		linkOpts = append(linkOpts, amqp10.WithSenderSettled())
	}

	s, l, err := c.attach(ctx, protocol.RoleSender, 0, linkOpts...)
	if err != nil {
		return nil, fmt.Errorf("linkmux: attach sender to %s: %w", target, err)
	}

	sender := &Sender{client: c, target: target, session: s, link: l}
	if err := c.track(sender, nil); err != nil {
		_ = c.detach(ctx, s, l)
		return nil, err
	}

	c.logger.Debug("sender attached", "link", l.Name(), "target", target)
	return sender, nil
}

// Target returns the address the sender sends to.
func (s *Sender) Target() string { return s.target }

// LinkName returns the name of the underlying link.
func (s *Sender) LinkName() string { return s.link.Name() }

// Send transfers body and returns once the transfer is on its way. Sends
// made while the connection is recovering wait for it to finish.
func (s *Sender) Send(ctx context.Context, body []byte, options ...SendOption) error {
	_, err := s.send(ctx, body, options...)
	return err
}

// SendAndWait transfers body and waits for the peer's outcome. A rejected
// message returns ErrRejected together with the peer's error.
func (s *Sender) SendAndWait(ctx context.Context, body []byte, options ...SendOption) (Outcome, error) {
	d, err := s.send(ctx, body, options...)
	if err != nil {
		return protocol.Unsettled, err
	}

	outcome, err := d.Wait(ctx)
	if err != nil {
		return outcome, err
	}
	if outcome == protocol.Rejected {
		if remote := d.Settlement().Error; remote != nil {
			return outcome, fmt.Errorf("%w: %w", ErrRejected, remote)
		}
		return outcome, ErrRejected
	}
	return outcome, nil
}

func (s *Sender) send(ctx context.Context, body []byte, options ...SendOption) (*amqp10.Delivery, error) {
	if err := s.client.checkOpen(); err != nil {
		return nil, err
	}

	cfg := &sendConfig{}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.tag == nil {
		id := uuid.New()
		cfg.tag = id[:]
	}

	var d *amqp10.Delivery
	err := s.client.retry(ctx, s.link, func() error {
		var err error
		d, err = s.client.links.Send(ctx, s.link, body, amqp10.WithDeliveryTag(cfg.tag))
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Close detaches the link and ends its session.
func (s *Sender) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.client.untrack(s, nil)
		s.closeErr = s.client.detach(ctx, s.session, s.link)
	})
	return s.closeErr
}
