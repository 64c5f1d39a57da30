package client

import (
	"fmt"
	"time"

	"github.com/arloliu/go-devctl/logger"
)

const (
	defaultHeartbeatInterval = 60 * time.Second
	defaultPingTimeout       = 1 * time.Second
	defaultReconnectTimeout  = 100 * time.Millisecond
	defaultCommandTimeout    = 60 * time.Second
	defaultFailureThreshold  = 5
	defaultReconnectAttempts = 5
	defaultHeartbeatScale    = 0.1
	defaultPollInterval      = 10 * time.Millisecond
)

// Config holds the client options.
type Config struct {
	heartbeatInterval time.Duration
	pingTimeout       time.Duration
	reconnectTimeout  time.Duration
	commandTimeout    time.Duration
	pollInterval      time.Duration
	failureThreshold  int
	reconnectAttempts int
	heartbeatScale    float64
	stateHandlers     []ConnStateChangeHandler
	logger            logger.Logger
}

func newConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		heartbeatInterval: defaultHeartbeatInterval,
		pingTimeout:       defaultPingTimeout,
		reconnectTimeout:  defaultReconnectTimeout,
		commandTimeout:    defaultCommandTimeout,
		pollInterval:      defaultPollInterval,
		failureThreshold:  defaultFailureThreshold,
		reconnectAttempts: defaultReconnectAttempts,
		heartbeatScale:    defaultHeartbeatScale,
		logger:            logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// scaledHeartbeat returns the heartbeat interval in effect: the configured
// interval normally, a fraction of it while the connection is timed out so
// recovery is noticed quickly.
func (cfg *Config) scaledHeartbeat(timedOut bool) time.Duration {
	if !timedOut {
		return cfg.heartbeatInterval
	}

	return time.Duration(float64(cfg.heartbeatInterval) * cfg.heartbeatScale)
}

// Option configures a Client.
type Option interface {
	apply(cfg *Config) error
}

type optionFunc func(cfg *Config) error

func (f optionFunc) apply(cfg *Config) error { return f(cfg) }

// WithHeartbeatInterval sets how often a liveness ping is sent when no other
// traffic proves the peer alive. The interval must be between 100
// milliseconds and 10 minutes.
func WithHeartbeatInterval(interval time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if interval < 100*time.Millisecond || interval > 10*time.Minute {
			return fmt.Errorf("heartbeat interval %v out of range [100ms, 10m]", interval)
		}
		cfg.heartbeatInterval = interval

		return nil
	})
}

// WithPingTimeout sets how long a steady-state heartbeat ping waits for its
// pong. The timeout must be between 10 milliseconds and 30 seconds.
func WithPingTimeout(timeout time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if timeout < 10*time.Millisecond || timeout > 30*time.Second {
			return fmt.Errorf("ping timeout %v out of range [10ms, 30s]", timeout)
		}
		cfg.pingTimeout = timeout

		return nil
	})
}

// WithReconnectTimeout sets the per-ping wait during a reconnect burst. It is
// deliberately much shorter than the steady-state ping timeout. The timeout
// must be between 10 milliseconds and 10 seconds.
func WithReconnectTimeout(timeout time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if timeout < 10*time.Millisecond || timeout > 10*time.Second {
			return fmt.Errorf("reconnect timeout %v out of range [10ms, 10s]", timeout)
		}
		cfg.reconnectTimeout = timeout

		return nil
	})
}

// WithCommandTimeout sets how long a solicited command waits for its matching
// response. The timeout must be between 100 milliseconds and 10 minutes.
func WithCommandTimeout(timeout time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if timeout < 100*time.Millisecond || timeout > 10*time.Minute {
			return fmt.Errorf("command timeout %v out of range [100ms, 10m]", timeout)
		}
		cfg.commandTimeout = timeout

		return nil
	})
}

// WithFailureThreshold sets how many consecutive send or ping failures put
// the connection into the timed-out condition. The threshold must be between
// 1 and 100.
func WithFailureThreshold(n int) Option {
	return optionFunc(func(cfg *Config) error {
		if n < 1 || n > 100 {
			return fmt.Errorf("failure threshold %d out of range [1, 100]", n)
		}
		cfg.failureThreshold = n

		return nil
	})
}

// WithHeartbeatScale sets the factor applied to the heartbeat interval while
// the connection is timed out. The scale must be in (0, 1].
func WithHeartbeatScale(scale float64) Option {
	return optionFunc(func(cfg *Config) error {
		if scale <= 0 || scale > 1 {
			return fmt.Errorf("heartbeat scale %v out of range (0, 1]", scale)
		}
		cfg.heartbeatScale = scale

		return nil
	})
}

// WithConnStateHandler registers handlers invoked on connection state
// changes.
func WithConnStateHandler(handlers ...ConnStateChangeHandler) Option {
	return optionFunc(func(cfg *Config) error {
		cfg.stateHandlers = append(cfg.stateHandlers, handlers...)

		return nil
	})
}

// WithLogger sets the logger used by the client.
func WithLogger(l logger.Logger) Option {
	return optionFunc(func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
