package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// queueFor builds the declaration for a link's queue.
func (o *options) queueFor(name string) QueueDeclaration {
	q := QueueDeclaration{Name: name, Durable: o.durableQueues}
	if o.deadLetterExchange != "" {
		q.Arguments = amqp.Table{
			"x-dead-letter-exchange":    o.deadLetterExchange,
			"x-dead-letter-routing-key": name,
		}
	}
	return q
}

// declareQueue declares a queue on the given channel
func declareQueue(ch channel, queue QueueDeclaration) error {
	_, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       toProtocolError(err),
			Timestamp: time.Now(),
		}
	}
	return nil
}
