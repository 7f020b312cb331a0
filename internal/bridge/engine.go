// Package bridge drives the link core over messaging engines that speak
// their own wire protocol.
//
// An engine owns the socket, framing and its own flow control. The bridge
// presents it to the core as a protocol.Transport: performatives sent by
// the core are turned into engine calls, and engine events are turned back
// into the performatives the core expects from a peer. Each link is served
// by its own goroutine so a slow engine call holds up only that link.
package bridge

import (
	"context"

	"github.com/glimte/linkmux/internal/protocol"
)

// Engine is one established engine connection.
type Engine interface {
	// ContainerID identifies the remote container, if the engine knows it.
	ContainerID() string
	NewSession(ctx context.Context) (Session, error)
	// Done is closed when the engine connection is gone. Err reports why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Session is a session (or the engine's nearest equivalent).
type Session interface {
	NewSender(ctx context.Context, opts LinkOptions) (Sender, error)
	NewReceiver(ctx context.Context, opts LinkOptions) (Receiver, error)
	Close(ctx context.Context) error
}

// LinkOptions describe a link being attached.
type LinkOptions struct {
	Name    string
	Address string
	// Settled makes a sender transfer pre-settled.
	Settled bool
}

// Sender publishes on one link.
type Sender interface {
	// Send transfers payload and returns the peer's outcome. A settled
	// send returns as soon as the engine has taken the message.
	Send(ctx context.Context, tag, payload []byte, settled bool) (Outcome, error)
	Close(ctx context.Context) error
}

// Receiver consumes from one link.
type Receiver interface {
	// IssueCredit lets the engine fetch n more messages.
	IssueCredit(n uint32) error
	Receive(ctx context.Context) (*Message, error)
	Settle(ctx context.Context, msg *Message, outcome Outcome) error
	Close(ctx context.Context) error
}

// Outcome is a terminal delivery state with its details.
type Outcome struct {
	State             protocol.Outcome
	Error             *protocol.Error
	DeliveryFailed    bool
	UndeliverableHere bool
}

// Message is a delivery taken from a Receiver.
type Message struct {
	Tag     []byte
	Payload []byte
	Settled bool
	// Handle is the engine's own delivery, used again by Settle.
	Handle any
}
