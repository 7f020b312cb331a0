package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"time"
)

// ErrTransportClosed is returned by Send after the transport has ended.
var ErrTransportClosed = errors.New("protocol: transport closed")

// Transport is one physical connection to a peer, already past the
// socket, TLS and SASL layers. Frames are exchanged as decoded values.
//
// Send may be called from one goroutine at a time. Frames is closed once
// the transport has ended and every frame received before that point has
// been delivered; Err then reports why it ended (nil after Close).
type Transport interface {
	Send(ctx context.Context, f Frame) error
	Frames() <-chan Frame
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialConfig is what a Dialer needs to establish a Transport.
type DialConfig struct {
	Address      string
	ContainerID  string
	Username     string
	Password     string
	MaxFrameSize uint32
	ChannelMax   uint16
	IdleTimeout  time.Duration
	TLSConfig    *tls.Config
}

// Dialer establishes transports.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg DialConfig) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, cfg DialConfig) (Transport, error) {
	return f(ctx, cfg)
}
