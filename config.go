package linkmux

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/linkmux/internal/reliability"
)

// Backend selects the engine a Client dials through.
type Backend string

const (
	// BackendAMQP talks AMQP 1.0 to the peer.
	BackendAMQP Backend = "amqp"
	// BackendRabbitMQ bridges onto an AMQP 0-9-1 broker.
	BackendRabbitMQ Backend = "rabbitmq"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("linkmux: invalid configuration")

// Config holds everything needed to build a Client. Durations accept Go
// duration strings ("30s") in YAML.
type Config struct {
	Address     string  `yaml:"address"`
	Backend     Backend `yaml:"backend"`
	ContainerID string  `yaml:"container_id"`
	Username    string  `yaml:"username"`
	Password    string  `yaml:"password"`

	MaxFrameSize uint32        `yaml:"max_frame_size"`
	ChannelMax   uint16        `yaml:"channel_max"`
	HandleMax    uint32        `yaml:"handle_max"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// Credit is the receiver window granted on attach.
	Credit uint32 `yaml:"credit"`
	// LowWaterRatio is the share of Credit below which a receiver tops
	// its credit back up.
	LowWaterRatio float64 `yaml:"low_water_ratio"`

	Recovery RecoveryConfig `yaml:"recovery"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RecoveryConfig is the reconnect backoff.
type RecoveryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	// MaxAttempts bounds reconnect attempts; negative means unbounded.
	MaxAttempts int     `yaml:"max_attempts"`
	Jitter      float64 `yaml:"jitter"`
}

// RabbitMQConfig applies to BackendRabbitMQ only.
type RabbitMQConfig struct {
	DeclareQueues      bool   `yaml:"declare_queues"`
	DurableQueues      bool   `yaml:"durable_queues"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	ConnectionName     string `yaml:"connection_name"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() *Config {
	return &Config{
		Backend:       BackendAMQP,
		MaxFrameSize:  65536,
		ChannelMax:    1024,
		HandleMax:     1024,
		IdleTimeout:   60 * time.Second,
		DialTimeout:   30 * time.Second,
		CloseTimeout:  10 * time.Second,
		Credit:        100,
		LowWaterRatio: 0.5,
		Recovery: RecoveryConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
			MaxAttempts:     10,
			Jitter:          0.15,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadConfig reads a YAML file over DefaultConfig without validating it,
// for callers that apply overrides first.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("linkmux: read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("linkmux: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Address == "":
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	case c.Backend != BackendAMQP && c.Backend != BackendRabbitMQ:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	case c.Credit == 0:
		return fmt.Errorf("%w: credit must be positive", ErrInvalidConfig)
	case c.LowWaterRatio < 0 || c.LowWaterRatio >= 1:
		return fmt.Errorf("%w: low_water_ratio must be in [0, 1)", ErrInvalidConfig)
	case c.IdleTimeout < 0 || c.DialTimeout < 0 || c.CloseTimeout < 0:
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalidConfig)
	}

	r := c.Recovery
	switch {
	case r.InitialInterval <= 0:
		return fmt.Errorf("%w: recovery.initial_interval must be positive", ErrInvalidConfig)
	case r.MaxInterval < r.InitialInterval:
		return fmt.Errorf("%w: recovery.max_interval is below initial_interval", ErrInvalidConfig)
	case r.Multiplier < 1:
		return fmt.Errorf("%w: recovery.multiplier must be at least 1", ErrInvalidConfig)
	case r.MaxAttempts == 0:
		return fmt.Errorf("%w: recovery.max_attempts cannot be zero", ErrInvalidConfig)
	case r.Jitter < 0 || r.Jitter >= 1:
		return fmt.Errorf("%w: recovery.jitter must be in [0, 1)", ErrInvalidConfig)
	}
	return nil
}

// credentials returns the SASL username and password. Username and
// Password win; otherwise they come from the address userinfo.
func (c *Config) credentials() (username, password string) {
	if c.Username != "" {
		return c.Username, c.Password
	}
	u, err := url.Parse(c.Address)
	if err != nil || u.User == nil {
		return "", ""
	}
	password, _ = u.User.Password()
	return u.User.Username(), password
}

// lowWaterMark is the receiver top-up threshold in credits.
func (c *Config) lowWaterMark() uint32 {
	return uint32(float64(c.Credit) * c.LowWaterRatio)
}

// retryPolicy builds the reconnect backoff.
func (r RecoveryConfig) retryPolicy() *reliability.ExponentialBackoff {
	p := reliability.NewExponentialBackoff(r.InitialInterval, r.MaxInterval, r.Multiplier, r.MaxAttempts)
	p.JitterFraction = r.Jitter
	return p
}
