package flow

import "github.com/rs/zerolog"

// Option configures a Publisher
type Option func(*config)

type config struct {
	logger  zerolog.Logger
	metrics Metrics
	name    string
}

func defaultConfig() config {
	return config{
		logger:  zerolog.Nop(),
		metrics: NopMetrics{},
	}
}

// WithLogger sets the logger used for lifecycle events
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithName labels log lines with the publisher's name (e.g. the source name)
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}
