package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/linkmux/internal/bridge"
)

// channel is the part of *amqp.Channel a session uses.
type channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
}

// session carries one core session on one AMQP channel.
type session struct {
	engine *engine
	ch     channel

	// consume serializes Qos and Consume so each prefetch applies to the
	// consumer it was set for.
	consume sync.Mutex

	mu     sync.Mutex
	err    error
	done   chan struct{}
	closed bool
}

func newSession(e *engine, ch channel, closes <-chan *amqp.Error) *session {
	s := &session{
		engine: e,
		ch:     ch,
		done:   make(chan struct{}),
	}
	go s.watch(closes)
	return s
}

// watch ends the session when the broker closes the channel. Channels
// closed along with the connection are left to the engine.
func (s *session) watch(closes <-chan *amqp.Error) {
	amqpErr, ok := <-closes
	if !ok || amqpErr == nil || s.engine.lost() {
		return
	}
	s.engine.opts.logger.Warn("channel closed by broker", "error", amqpErr)
	s.fail(&ChannelError{Op: "channel", Err: toProtocolError(amqpErr), Timestamp: time.Now()})
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// Done is closed when the broker closes the channel.
func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// open fails once the channel is closed.
func (s *session) open(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	return &ChannelError{Op: op, Err: ErrChannelClosed, Timestamp: time.Now()}
}

func (s *session) NewSender(ctx context.Context, opts bridge.LinkOptions) (bridge.Sender, error) {
	if err := s.open("attach sender"); err != nil {
		return nil, err
	}
	exchange, key := route(opts.Address)
	if exchange == "" {
		if err := s.declare(key); err != nil {
			return nil, err
		}
	}
	return &sender{
		session:    s,
		exchange:   exchange,
		routingKey: key,
	}, nil
}

func (s *session) NewReceiver(ctx context.Context, opts bridge.LinkOptions) (bridge.Receiver, error) {
	if err := s.open("attach receiver"); err != nil {
		return nil, err
	}
	_, queue := route(opts.Address)
	if err := s.declare(queue); err != nil {
		return nil, err
	}
	return &receiver{
		session:     s,
		queue:       queue,
		consumerTag: opts.Name,
		started:     make(chan struct{}),
	}, nil
}

func (s *session) declare(queue string) error {
	o := s.engine.opts
	if !o.declareQueues || queue == "" {
		return nil
	}
	return s.engine.check(declareQueue(s.ch, o.queueFor(queue)))
}

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.ch.Close()
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}
