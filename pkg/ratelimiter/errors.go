package ratelimiter

import "errors"

var (
	ErrInvalidConfig     = errors.New("invalid rate limit configuration")
	ErrInvalidTokenCount = errors.New("invalid token count")
	ErrStoreNil          = errors.New("rate limit store cannot be nil")
	ErrStoreUnavailable  = errors.New("rate limit store unavailable")
	ErrAlreadyStarted    = errors.New("rate limit store already started")
	ErrNotStarted        = errors.New("rate limit store not started")
	ErrCleanupDisabled   = errors.New("rate limit store cleanup disabled")
)
