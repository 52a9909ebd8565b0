package queue

// Option applies a configuration option to the InMemoryQueue.
type Option func(*config)

type config struct {
	capacity int
	name     string
}

// WithCapacity sets the maximum number of buffered items.
func WithCapacity(capacity int) Option {
	return func(c *config) {
		if capacity > 0 {
			c.capacity = capacity
		}
	}
}

// WithName labels the queue in logs.
func WithName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.name = name
		}
	}
}
