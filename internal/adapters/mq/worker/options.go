// Package worker runs the background dispatch pipeline.
package worker

import (
	"time"

	"github.com/okian/topwatch/pkg/logger"
)

// Option applies a configuration option to the DispatchWorker.
type Option func(*DispatchWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *DispatchWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(logger logger.Logger) Option {
	return func(w *DispatchWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDispatchDelay sets the jitter window waited before fetching the
// upstream top list. min and max may be equal; zero disables the wait.
func WithDispatchDelay(min, max time.Duration) Option {
	return func(w *DispatchWorker) {
		if min < 0 || max < min {
			return
		}
		w.minDelay = min
		w.maxDelay = max
	}
}
