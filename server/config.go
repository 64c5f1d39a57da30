package server

import (
	"fmt"
	"time"

	"github.com/arloliu/go-devctl/logger"
)

const (
	defaultResponseTimeout  = 5 * time.Second
	defaultPollInterval     = 10 * time.Millisecond
	defaultAcceptTimeout    = 500 * time.Millisecond
	defaultStatusDrainLimit = 5
)

// Config holds the server options.
type Config struct {
	responseTimeout  time.Duration
	pollInterval     time.Duration
	acceptTimeout    time.Duration
	statusDrainLimit int
	targetDomains    map[string]string
	logger           logger.Logger
}

func newConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		responseTimeout:  defaultResponseTimeout,
		pollInterval:     defaultPollInterval,
		acceptTimeout:    defaultAcceptTimeout,
		statusDrainLimit: defaultStatusDrainLimit,
		targetDomains:    make(map[string]string),
		logger:           logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Option configures a Server.
type Option interface {
	apply(cfg *Config) error
}

type optionFunc func(cfg *Config) error

func (f optionFunc) apply(cfg *Config) error { return f(cfg) }

// WithResponseTimeout sets how long a solicited command may wait for its
// response before a null-valued response is synthesized.
// The timeout must be between 100 milliseconds and 5 minutes.
func WithResponseTimeout(timeout time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if timeout < 100*time.Millisecond || timeout > 5*time.Minute {
			return fmt.Errorf("response timeout %v out of range [100ms, 5m]", timeout)
		}
		cfg.responseTimeout = timeout

		return nil
	})
}

// WithPollInterval sets the routing loop poll interval, used both as the
// connection read timeout and as the response wait granularity.
// The interval must be between 1 millisecond and 1 second.
func WithPollInterval(interval time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if interval < time.Millisecond || interval > time.Second {
			return fmt.Errorf("poll interval %v out of range [1ms, 1s]", interval)
		}
		cfg.pollInterval = interval

		return nil
	})
}

// WithStatusDrainLimit sets how many pending status envelopes are forwarded
// per dispatcher per loop iteration; older entries beyond the limit are
// dropped. The limit must be between 1 and 100.
func WithStatusDrainLimit(limit int) Option {
	return optionFunc(func(cfg *Config) error {
		if limit < 1 || limit > 100 {
			return fmt.Errorf("status drain limit %d out of range [1, 100]", limit)
		}
		cfg.statusDrainLimit = limit

		return nil
	})
}

// WithTargetDomain routes commands addressed to target to the dispatcher
// owning domain. Targets matching a dispatcher domain exactly do not need an
// entry.
func WithTargetDomain(target string, domain string) Option {
	return optionFunc(func(cfg *Config) error {
		if target == "" || domain == "" {
			return fmt.Errorf("target and domain must be non-empty")
		}
		cfg.targetDomains[target] = domain

		return nil
	})
}

// WithLogger sets the logger used by the server.
func WithLogger(l logger.Logger) Option {
	return optionFunc(func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
