package amqp10

import (
	"crypto/tls"
	"log/slog"
	"time"
)

const (
	defaultMaxFrameSize = 65536
	defaultChannelMax   = 1024
	defaultHandleMax    = 1024
	defaultDialTimeout  = 30 * time.Second
	defaultCloseTimeout = 10 * time.Second
	defaultFlushTimeout = 250 * time.Millisecond
	maxWindow           = ^uint32(0)
)

// ConnectionConfig holds the negotiated limits and timeouts for every
// connection a ConnectionManager opens.
type ConnectionConfig struct {
	Address      string
	ContainerID  string
	Hostname     string
	Username     string
	Password     string
	MaxFrameSize uint32
	ChannelMax   uint16
	HandleMax    uint32
	IdleTimeout  time.Duration
	DialTimeout  time.Duration
	CloseTimeout time.Duration
	TLSConfig    *tls.Config
}

func (c *ConnectionConfig) applyDefaults() {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.ChannelMax == 0 {
		c.ChannelMax = defaultChannelMax
	}
	if c.HandleMax == 0 {
		c.HandleMax = defaultHandleMax
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = m
	}
}

// WithTracker sets the settlement tracker shared by every connection
func WithTracker(t *SettlementTracker) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tracker = t
	}
}

// WithContainerID sets the container id announced in Open
func WithContainerID(id string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.cfg.ContainerID = id
	}
}

// WithCredentials sets the SASL PLAIN credentials
func WithCredentials(username, password string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.cfg.Username = username
		cm.cfg.Password = password
	}
}

// WithTLSConfig enables TLS
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.cfg.TLSConfig = cfg
	}
}

// WithMaxFrameSize sets the largest frame the client accepts
func WithMaxFrameSize(size uint32) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.cfg.MaxFrameSize = size
	}
}

// WithChannelMax bounds the number of concurrent sessions
func WithChannelMax(max uint16) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.cfg.ChannelMax = max
	}
}

// WithHandleMax bounds the number of concurrent links per session
func WithHandleMax(max uint32) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.cfg.HandleMax = max
	}
}

// WithIdleTimeout sets the local idle timeout; zero disables it
func WithIdleTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.cfg.IdleTimeout = d
	}
}

// WithDialTimeout bounds establishing the transport and the Open exchange
func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.cfg.DialTimeout = d
	}
}

// WithCloseTimeout bounds waiting for the peer's Close, End or Detach
func WithCloseTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.cfg.CloseTimeout = d
	}
}
