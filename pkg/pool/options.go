package pool

import (
	"go.uber.org/zap"
)

// Option configures a Registry.
type Option func(*options)

type options struct {
	name       string
	tracker    Tracker
	logger     *zap.Logger
	threads    int
	callerSkip int
}

func defaultOptions() options {
	return options{
		name:    "default",
		logger:  zap.NewNop(),
		threads: 8,
	}
}

// WithName names the registry in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTracker reports allocations and deallocations to t. A nil tracker
// disables reporting, which also skips call-site capture.
func WithTracker(t Tracker) Option {
	return func(o *options) { o.tracker = t }
}

// WithLogger sets the logger used for pool creation and failed frees.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPoolThreads sets the thread hint new pools are created with.
func WithPoolThreads(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.threads = n
		}
	}
}

// WithCallerSkip skips n extra frames when capturing the call site reported
// to the tracker, for callers that wrap the registry.
func WithCallerSkip(n int) Option {
	return func(o *options) { o.callerSkip += n }
}
