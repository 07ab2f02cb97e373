package rate

import "errors"

// ErrRedisUnavailable wraps Redis failures returned by Reset and Attempts.
var ErrRedisUnavailable = errors.New("redis unavailable")
