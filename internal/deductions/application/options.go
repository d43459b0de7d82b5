package application

import (
	"time"

	"go.uber.org/zap"

	"medliq-cloud/internal/events"
)

// Option configures the charge generator and allocator.
type Option func(*options)

type options struct {
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// WithPublisher sets the post-commit event publisher.
func WithPublisher(publisher events.Publisher) Option {
	return func(o *options) { o.publisher = publisher }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
