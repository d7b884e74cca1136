package engine

import "errors"

var (
	// ErrModelUnavailable means the model process could not be reached, timed
	// out, or is shedding load. Callers may retry later.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrInvalidModel means the backend does not know the requested model.
	ErrInvalidModel = errors.New("invalid model")

	// ErrCircuitOpen is returned without calling the backend while the
	// circuit breaker is open. It also matches ErrModelUnavailable.
	ErrCircuitOpen = errors.New("model circuit open")
)
