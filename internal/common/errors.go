package common

import "errors"

// Error taxonomy shared by the chat pipeline and the HTTP layer.
var (
	// ErrNotFound: the resource is absent, or hidden from a non-owner.
	ErrNotFound = errors.New("not found")
	// ErrForbidden: the resource exists but belongs to someone else.
	ErrForbidden   = errors.New("forbidden")
	ErrValidation  = errors.New("validation failed")
	ErrUpstream    = errors.New("upstream failure")
	ErrRateLimited = errors.New("rate limited")
)
