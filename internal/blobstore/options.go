package blobstore

import (
	"log/slog"

	"otogi-markov/pkg/retry"
)

// Option mutates backend construction settings.
type Option func(*options)

type options struct {
	logger *slog.Logger
	retry  *retry.Policy
}

func defaultOptions() options {
	return options{
		logger: slog.Default(),
		retry:  retry.New(),
	}
}

func applyOptions(opts []Option) options {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// WithLogger sets the backend logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *options) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithOpenRetry sets the policy used while opening a backend.
func WithOpenRetry(policy *retry.Policy) Option {
	return func(cfg *options) {
		if policy != nil {
			cfg.retry = policy
		}
	}
}
