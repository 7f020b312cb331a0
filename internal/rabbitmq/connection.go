package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/linkmux/internal/bridge"
	"github.com/glimte/linkmux/internal/protocol"
)

const (
	defaultHeartbeat      = 10 * time.Second
	defaultConfirmTimeout = 30 * time.Second
)

// Option configures the dialer
type Option func(*options)

type options struct {
	logger         *slog.Logger
	bridge         []bridge.Option
	connectionName string
	declareQueues  bool
	durableQueues  bool
	confirmTimeout time.Duration

	deadLetterExchange string
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

// WithConnectionName sets the name the broker shows for the connection.
// The container ID is used when unset.
func WithConnectionName(name string) Option {
	return func(o *options) {
		o.connectionName = name
	}
}

// WithDeclareQueues declares the queue behind each link on attach.
func WithDeclareQueues(durable bool) Option {
	return func(o *options) {
		o.declareQueues = true
		o.durableQueues = durable
	}
}

// WithDeadLetterExchange routes rejected deliveries of declared queues to
// exchange, keyed by queue name.
func WithDeadLetterExchange(exchange string) Option {
	return func(o *options) {
		o.deadLetterExchange = exchange
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm when the
// caller's context has no deadline.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.confirmTimeout = timeout
	}
}

// NewDialer returns a protocol.Dialer that dials RabbitMQ brokers.
func NewDialer(opts ...Option) protocol.Dialer {
	o := &options{
		logger:         slog.Default(),
		confirmTimeout: defaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	return bridge.NewDialer(func(ctx context.Context, cfg protocol.DialConfig) (bridge.Engine, error) {
		return connect(ctx, cfg, o)
	}, o.bridge...)
}

func dialConfig(cfg protocol.DialConfig, o *options) amqp.Config {
	name := o.connectionName
	if name == "" {
		name = cfg.ContainerID
	}

	heartbeat := defaultHeartbeat
	if cfg.IdleTimeout > 0 {
		heartbeat = cfg.IdleTimeout / 2
	}

	config := amqp.Config{
		Heartbeat:       heartbeat,
		FrameSize:       int(cfg.MaxFrameSize),
		TLSClientConfig: cfg.TLSConfig,
		Properties:      amqp.Table{"connection_name": name},
	}
	if cfg.Username != "" {
		config.SASL = []amqp.Authentication{&amqp.PlainAuth{
			Username: cfg.Username,
			Password: cfg.Password,
		}}
	}
	return config
}

func connect(ctx context.Context, cfg protocol.DialConfig, o *options) (*engine, error) {
	if u, err := url.Parse(cfg.Address); err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(cfg.Address),
			Err:       fmt.Errorf("%w: address must be an amqp:// or amqps:// URL", ErrInvalidConfiguration),
			Timestamp: time.Now(),
		}
	}
	config := dialConfig(cfg, o)

	// amqp091 has no context-aware dial.
	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := amqp.DialConfig(cfg.Address, config)
		if err != nil {
			errChan <- err
			return
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			errChan <- ctx.Err()
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		o.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cfg.Address))
		return newEngine(conn, cfg.Address, o), nil
	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(cfg.Address),
			Err:       toProtocolError(err),
			Timestamp: time.Now(),
		}
	case <-ctx.Done():
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(cfg.Address),
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	}
}

// engine adapts an *amqp.Connection.
type engine struct {
	conn *amqp.Connection
	url  string
	opts *options

	mu     sync.Mutex
	err    error
	done   chan struct{}
	closed bool
}

func newEngine(conn *amqp.Connection, address string, o *options) *engine {
	e := &engine{
		conn: conn,
		url:  address,
		opts: o,
		done: make(chan struct{}),
	}
	go e.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return e
}

func (e *engine) watch(closes <-chan *amqp.Error) {
	amqpErr, ok := <-closes
	if !ok || amqpErr == nil {
		e.fail(nil)
		return
	}
	e.opts.logger.Error("connection closed", "error", amqpErr)
	e.fail(&ConnectionError{
		Op:        "connection",
		URL:       SanitizeURL(e.url),
		Err:       toProtocolError(amqpErr),
		Timestamp: time.Now(),
	})
}

func (e *engine) ContainerID() string {
	if name, ok := e.conn.Properties["cluster_name"].(string); ok && name != "" {
		return name
	}
	return hostOf(e.url)
}

func (e *engine) NewSession(ctx context.Context) (bridge.Session, error) {
	ch, err := e.conn.Channel()
	if err != nil {
		return nil, e.check(&ChannelError{Op: "open", Err: toProtocolError(err), Timestamp: time.Now()})
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, e.check(&ChannelError{Op: "confirm", Err: toProtocolError(err), Timestamp: time.Now()})
	}
	return newSession(e, ch, ch.NotifyClose(make(chan *amqp.Error, 1))), nil
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
	if err == amqp.ErrClosed {
		return nil
	}
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

// lost reports whether the connection is gone.
func (e *engine) lost() bool {
	return e.conn != nil && e.conn.IsClosed()
}

// check records a lost connection seen through err.
func (e *engine) check(err error) error {
	if err != nil && e.lost() {
		e.fail(&ConnectionError{
			Op:        "connection",
			URL:       SanitizeURL(e.url),
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		})
	}
	return err
}

func hostOf(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
