package metrics

import (
	"errors"
)

// ErrUnknownBreakerState is returned when a breaker state has no gauge value.
var ErrUnknownBreakerState = errors.New("unknown circuit breaker state")
