// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package linkmux

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/linkmux/internal/amqp10"
	"github.com/glimte/linkmux/internal/goamqp"
	"github.com/glimte/linkmux/internal/metrics"
	"github.com/glimte/linkmux/internal/protocol"
	"github.com/glimte/linkmux/internal/rabbitmq"
	"github.com/glimte/linkmux/internal/reliability"
)

var (
	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = errors.New("linkmux: client closed")
	// ErrRejected is returned by SendAndWait when the peer rejects a message.
	ErrRejected = errors.New("linkmux: message rejected")
)

// RecoveryState reports what the client is doing about connection loss.
type RecoveryState = amqp10.RecoveryState

const (
	RecoveryStable            = amqp10.RecoveryStable
	RecoveryReconnecting      = amqp10.RecoveryReconnecting
	RecoveryResuming          = amqp10.RecoveryResuming
	RecoveryFailedPermanently = amqp10.RecoveryFailedPermanently
)

// Client owns one logical connection and the senders and receivers
// opened on it. Connection loss is recovered in the background.
type Client struct {
	cfg      *Config
	logger   *slog.Logger
	conns    *amqp10.ConnectionManager
	sessions *amqp10.SessionManager
	links    *amqp10.LinkManager
	recovery *amqp10.RecoveryCoordinator

	mu        sync.Mutex
	closed    bool
	senders   map[*Sender]struct{}
	receivers map[*Receiver]struct{}
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger    *slog.Logger
	dialer    protocol.Dialer
	metrics   amqp10.MetricsCollector
	tlsConfig *tls.Config
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDefaultLogger sets up a default logger
func WithDefaultLogger() ClientOption {
	return func(c *clientConfig) {
		c.logger = slog.Default()
	}
}

// WithDialer replaces the dialer chosen by Config.Backend.
func WithDialer(d protocol.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = d
	}
}

// WithMetrics sets the collector the client reports to.
func WithMetrics(m amqp10.MetricsCollector) ClientOption {
	return func(c *clientConfig) {
		c.metrics = m
	}
}

// WithMetricsRegisterer exports Prometheus metrics through reg.
func WithMetricsRegisterer(reg prometheus.Registerer) ClientOption {
	return func(c *clientConfig) {
		c.metrics = metrics.NewCollector(reg)
	}
}

// WithTLSConfig sets the TLS configuration used when dialing.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *clientConfig) {
		c.tlsConfig = cfg
	}
}

// NewClient opens a connection described by cfg and starts recovery.
func NewClient(ctx context.Context, cfg *Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(o)
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = newDialer(cfg, o.logger)
	}

	connOpts := []amqp10.ConnectionOption{
		amqp10.WithLogger(o.logger),
		amqp10.WithMaxFrameSize(cfg.MaxFrameSize),
		amqp10.WithChannelMax(cfg.ChannelMax),
		amqp10.WithHandleMax(cfg.HandleMax),
		amqp10.WithIdleTimeout(cfg.IdleTimeout),
		amqp10.WithDialTimeout(cfg.DialTimeout),
		amqp10.WithCloseTimeout(cfg.CloseTimeout),
	}
	sessionOpts := []amqp10.SessionManagerOption{amqp10.WithSessionLogger(o.logger)}
	linkOpts := []amqp10.LinkManagerOption{amqp10.WithLinkLogger(o.logger)}
	recoveryOpts := []amqp10.RecoveryOption{
		amqp10.WithRetryPolicy(cfg.Recovery.retryPolicy()),
		amqp10.WithRecoveryLogger(o.logger),
	}
	if cfg.ContainerID != "" {
		connOpts = append(connOpts, amqp10.WithContainerID(cfg.ContainerID))
	}
	if username, password := cfg.credentials(); username != "" {
		connOpts = append(connOpts, amqp10.WithCredentials(username, password))
	}
	if o.tlsConfig != nil {
		connOpts = append(connOpts, amqp10.WithTLSConfig(o.tlsConfig))
	}
	if o.metrics != nil {
		connOpts = append(connOpts, amqp10.WithMetrics(o.metrics))
		sessionOpts = append(sessionOpts, amqp10.WithSessionMetrics(o.metrics))
		linkOpts = append(linkOpts, amqp10.WithLinkMetrics(o.metrics))
		recoveryOpts = append(recoveryOpts, amqp10.WithRecoveryMetrics(o.metrics))
	}

	c := &Client{
		cfg:       cfg,
		logger:    o.logger,
		conns:     amqp10.NewConnectionManager(cfg.Address, dialer, connOpts...),
		sessions:  amqp10.NewSessionManager(sessionOpts...),
		links:     amqp10.NewLinkManager(linkOpts...),
		senders:   make(map[*Sender]struct{}),
		receivers: make(map[*Receiver]struct{}),
	}
	c.recovery = amqp10.NewRecoveryCoordinator(c.conns, c.sessions, c.links, recoveryOpts...)

	if _, err := c.conns.Open(ctx); err != nil {
		return nil, fmt.Errorf("linkmux: open connection: %w", err)
	}
	c.recovery.Start()

	c.logger.Info("client connected",
		"address", amqp10.SanitizeAddress(cfg.Address),
		"backend", string(cfg.Backend))
	return c, nil
}

func newDialer(cfg *Config, logger *slog.Logger) protocol.Dialer {
	if cfg.Backend == BackendRabbitMQ {
		opts := []rabbitmq.Option{rabbitmq.WithLogger(logger)}
		if cfg.RabbitMQ.DeclareQueues {
			opts = append(opts, rabbitmq.WithDeclareQueues(cfg.RabbitMQ.DurableQueues))
		}
		if cfg.RabbitMQ.DeadLetterExchange != "" {
			opts = append(opts, rabbitmq.WithDeadLetterExchange(cfg.RabbitMQ.DeadLetterExchange))
		}
		if cfg.RabbitMQ.ConnectionName != "" {
			opts = append(opts, rabbitmq.WithConnectionName(cfg.RabbitMQ.ConnectionName))
		}
		return rabbitmq.NewDialer(opts...)
	}
	return goamqp.NewDialer(goamqp.WithLogger(logger))
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	return c.conns.IsConnected()
}

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool {
	return c.conns.IsClosed()
}

// RecoveryState returns the current recovery state.
func (c *Client) RecoveryState() RecoveryState {
	return c.recovery.State()
}

// RecoveryAttempt returns the reconnect attempt in progress or the last
// one made. It is zero while no recovery has been needed.
func (c *Client) RecoveryAttempt() int {
	return c.recovery.Attempt()
}

// RecoveryErr returns the error that ended recovery, if it failed
// permanently.
func (c *Client) RecoveryErr() error {
	return c.recovery.Err()
}

// PendingDeliveries returns the number of deliveries, sent or received,
// still awaiting settlement.
func (c *Client) PendingDeliveries() int {
	return c.conns.Tracker().Pending()
}

// WaitStable blocks until no recovery is in progress.
func (c *Client) WaitStable(ctx context.Context) error {
	return c.recovery.WaitStable(ctx)
}

// Close closes every sender and receiver and then the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	senders := make([]*Sender, 0, len(c.senders))
	for s := range c.senders {
		senders = append(senders, s)
	}
	receivers := make([]*Receiver, 0, len(c.receivers))
	for r := range c.receivers {
		receivers = append(receivers, r)
	}
	c.mu.Unlock()

	for _, s := range senders {
		_ = s.Close(ctx)
	}
	for _, r := range receivers {
		_ = r.Close(ctx)
	}

	c.recovery.Stop()
	if err := c.conns.Close(ctx); err != nil {
		return fmt.Errorf("linkmux: close connection: %w", err)
	}
	c.logger.Info("client closed")
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// attach opens a session and a single link on it.
func (c *Client) attach(ctx context.Context, role protocol.Role, credit uint32, opts ...amqp10.LinkOption) (*amqp10.Session, *amqp10.Link, error) {
	if err := c.checkOpen(); err != nil {
		return nil, nil, err
	}

	var (
		s *amqp10.Session
		l *amqp10.Link
	)
	err := c.retry(ctx, nil, func() error {
		conn, err := c.conns.Current()
		if err != nil {
			return err
		}
		if s, err = c.sessions.CreateSession(ctx, conn); err != nil {
			return err
		}
		if l, err = c.links.Attach(ctx, s, role, credit, opts...); err != nil {
			if cerr := c.sessions.CloseSession(ctx, s); cerr != nil {
				c.logger.Debug("session close after failed attach", "error", cerr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return s, l, nil
}

// detach closes a link and its session. Failures caused by a connection
// that is already gone are only logged.
func (c *Client) detach(ctx context.Context, s *amqp10.Session, l *amqp10.Link) error {
	var errs []error
	if err := c.links.Detach(ctx, l, nil); err != nil {
		errs = append(errs, err)
	}
	if err := c.sessions.CloseSession(ctx, s); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil && (!c.conns.IsConnected() || amqp10.IsTransient(err)) {
		c.logger.Warn("link closed without peer acknowledgement",
			"link", l.Name(),
			"error", err)
		return nil
	}
	return err
}

// retryPolicy paces retries while recovery is underway. The caller's
// context bounds the total wait.
func retryPolicy() reliability.RetryPolicy {
	return reliability.NewExponentialBackoff(10*time.Millisecond, time.Second, 2, -1)
}

// retry runs fn until it succeeds or fails for a reason recovery cannot
// fix. Between attempts it waits for recovery to settle.
func (c *Client) retry(ctx context.Context, l *amqp10.Link, fn func() error) error {
	err := reliability.Retry(ctx, retryPolicy(), func(int) error {
		err := fn()
		if err == nil {
			return nil
		}
		if !c.recoverable(l, err) {
			if rerr := c.recovery.Err(); rerr != nil && !errors.Is(err, rerr) {
				err = fmt.Errorf("%w: %w", err, rerr)
			}
			return reliability.RetryableError{Err: err, Retryable: false}
		}
		c.logger.Debug("waiting for recovery", "error", err)
		if werr := c.recovery.WaitStable(ctx); werr != nil {
			return reliability.RetryableError{Err: werr, Retryable: false}
		}
		return err
	})

	var stop reliability.RetryableError
	if errors.As(err, &stop) && !stop.Retryable {
		return stop.Err
	}
	return err
}

// recoverable reports whether err is one the RecoveryCoordinator is
// expected to clear. A nil link means no link exists yet.
func (c *Client) recoverable(l *amqp10.Link, err error) bool {
	if c.recovery.State() == RecoveryFailedPermanently || c.conns.IsClosed() {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if l == nil {
		return amqp10.IsTransient(err) || errors.Is(err, amqp10.ErrConnectionNotOpen)
	}
	switch l.State() {
	case amqp10.LinkFailed, amqp10.LinkAttaching:
		return true
	}
	return amqp10.IsTransient(err) && !errors.Is(err, amqp10.ErrLinkDetached)
}

func (c *Client) track(s *Sender, r *Receiver) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if s != nil {
		c.senders[s] = struct{}{}
	}
	if r != nil {
		c.receivers[r] = struct{}{}
	}
	return nil
}

func (c *Client) untrack(s *Sender, r *Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.senders, s)
	delete(c.receivers, r)
}
