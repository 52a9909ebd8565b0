package repository

import "time"

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLicences seeds the licence registry.
func WithLicences(vesselIDs ...string) MemoryOption {
	return func(s *MemoryStore) {
		for _, id := range vesselIDs {
			s.licences[id] = struct{}{}
		}
	}
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithQueryTimeout bounds every statement.
func WithQueryTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}
