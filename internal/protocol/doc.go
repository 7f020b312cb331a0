// Package protocol defines the boundary between the session/link core and
// the AMQP 1.0 protocol engine.
//
// The engine owns the socket, TLS, SASL and the frame codec. It exchanges
// decoded performatives with the core through a Transport:
//   - Open / Close: connection lifecycle
//   - Begin / End: session lifecycle
//   - Attach / Detach: link lifecycle
//   - Flow: session windows and link credit
//   - Transfer: message delivery
//   - Disposition: settlement of a range of delivery ids
//
// Mailbox is the unbounded inbound queue transports use so that decoding
// never waits on the core's event loop.
package protocol
