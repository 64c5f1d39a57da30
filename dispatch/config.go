package dispatch

import (
	"errors"
	"time"

	"github.com/arloliu/go-devctl/logger"
)

// Config holds the configuration of a Dispatcher.
type Config struct {
	// idleInterval is how long the run loop sleeps when an iteration did no
	// work, to avoid busy-spinning. Defaults to 10 ms.
	idleInterval time.Duration

	// cleanup is the device-specific hook invoked once when the run loop
	// exits (e.g. disconnect all device instances). May be nil.
	cleanup func()

	// logger is the logger for dispatcher events.
	logger logger.Logger
}

func newConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		idleInterval: 10 * time.Millisecond,
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Option is a functional option for configuring a Dispatcher.
type Option interface {
	apply(*Config) error
}

type optionFunc func(*Config) error

func (f optionFunc) apply(cfg *Config) error { return f(cfg) }

// WithIdleInterval sets the sleep applied when a loop iteration did no work.
// It must be in the range [1ms, 1s]. The default is 10 ms.
func WithIdleInterval(d time.Duration) Option {
	return optionFunc(func(cfg *Config) error {
		if d < time.Millisecond || d > time.Second {
			return errors.New("idle interval out of range [1ms, 1s]")
		}
		cfg.idleInterval = d

		return nil
	})
}

// WithCleanup sets the device-specific cleanup hook invoked when the run
// loop exits.
func WithCleanup(fn func()) Option {
	return optionFunc(func(cfg *Config) error {
		cfg.cleanup = fn
		return nil
	})
}

// WithLogger sets the logger. The default is the package default logger.
func WithLogger(l logger.Logger) Option {
	return optionFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
