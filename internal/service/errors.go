package service

import "errors"

// Sentinel errors.
var (
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrInvalidArgs    = errors.New("invalid arguments")
	ErrRateLimited    = errors.New("host call rate limit exceeded")
	ErrDuplicate      = errors.New("service already registered")
)
