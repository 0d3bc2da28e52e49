package rate

import "errors"

var (
	// ErrRateLimited means an attempt budget is exhausted for the window.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport-level Redis failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
