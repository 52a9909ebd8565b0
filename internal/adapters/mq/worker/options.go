package worker

import (
	"github.com/okian/iuuwatch/pkg/logger"
)

// Option configures an InMemoryWorker. NewPool forwards its options to every
// worker it creates.
type Option func(*InMemoryWorker)

// WithName names the worker in logs. Empty names are ignored.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets the base logger. The worker name is appended with Named.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}
