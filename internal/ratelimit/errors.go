package ratelimit

import "errors"

var (
	// ErrInvalidIdentity is returned when an identity lacks an api key or tenant
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrInvalidAmount is returned when a request asks for less than one token
	ErrInvalidAmount = errors.New("requested amount must be at least 1")

	// ErrConfigStoreUnavailable wraps failures reading plans or overrides
	ErrConfigStoreUnavailable = errors.New("config store unavailable")

	// ErrBlockStoreUnavailable wraps failures reading blocks
	ErrBlockStoreUnavailable = errors.New("block store unavailable")

	// ErrCounterStoreUnavailable wraps failures executing the counter operation
	ErrCounterStoreUnavailable = errors.New("counter store unavailable")
)
