// Package rabbitmq connects the link core to RabbitMQ over AMQP 0-9-1.
//
// Each core session is carried by one AMQP channel in confirm mode:
//   - Sender links publish with publisher confirms; an ack settles the
//     delivery as accepted and a nack as rejected
//   - Receiver links consume with manual acknowledgement and settle
//     deliveries with ack, nack or reject
//   - Channels closed by the broker end the session they carry
//
// Addresses follow RabbitMQ's AMQP 1.0 conventions: "/queue/q" and plain
// "q" address a queue through the default exchange, "/exchange/x/key"
// publishes to exchange x with routing key "key".
package rabbitmq
