package rabbitmq

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/linkmux/internal/bridge"
	"github.com/glimte/linkmux/internal/protocol"
)

// receiver consumes a queue for a receiver link. The first credit grant
// sets the prefetch and starts the consumer; later grants are enforced
// by the bridge.
type receiver struct {
	session     *session
	queue       string
	consumerTag string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	started    chan struct{}
}

func (r *receiver) IssueCredit(n uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deliveries != nil {
		return nil
	}

	s := r.session
	s.consume.Lock()
	defer s.consume.Unlock()

	if err := s.ch.Qos(int(n), 0, false); err != nil {
		return s.engine.check(r.fail("qos", err))
	}
	deliveries, err := s.ch.Consume(
		r.queue,
		r.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return s.engine.check(r.fail("consume", err))
	}

	r.deliveries = deliveries
	close(r.started)
	return nil
}

func (r *receiver) fail(op string, err error) error {
	return &ConsumerError{
		Queue:       r.queue,
		ConsumerTag: r.consumerTag,
		Op:          op,
		Err:         toProtocolError(err),
		Timestamp:   time.Now(),
	}
}

func (r *receiver) Receive(ctx context.Context) (*bridge.Message, error) {
	select {
	case <-r.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case d, ok := <-r.deliveries:
		if !ok {
			return nil, r.session.engine.check(r.fail("receive", ErrConsumerCancelled))
		}
		return &bridge.Message{
			Tag:     tagOf(d),
			Payload: d.Body,
			Handle:  d,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tagOf recovers the delivery tag a linkmux sender attached, falling back
// to the message ID and then the broker's delivery tag.
func tagOf(d amqp.Delivery) []byte {
	if tag, ok := d.Headers[tagHeader].([]byte); ok && len(tag) > 0 {
		return tag
	}
	if d.MessageId != "" {
		return []byte(d.MessageId)
	}
	return binary.BigEndian.AppendUint64(nil, d.DeliveryTag)
}

func (r *receiver) Settle(ctx context.Context, m *bridge.Message, outcome bridge.Outcome) error {
	d, ok := m.Handle.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignDelivery, m.Handle)
	}

	var err error
	switch outcome.State {
	case protocol.Accepted:
		err = d.Ack(false)
	case protocol.Rejected:
		err = d.Reject(false)
	case protocol.Released:
		err = d.Nack(false, true)
	case protocol.Modified:
		err = d.Nack(false, !outcome.UndeliverableHere)
	default:
		return fmt.Errorf("rabbitmq: cannot settle with %s", outcome.State)
	}
	if err != nil {
		return r.session.engine.check(r.fail("settle", err))
	}
	return nil
}

func (r *receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deliveries == nil {
		return nil
	}
	err := r.session.ch.Cancel(r.consumerTag, false)
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}
