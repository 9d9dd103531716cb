package models

import "errors"

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrStoreQueryFailed = errors.New("store query failed")

	ErrInvalidRange = errors.New("begin (first value) must be <= end (second value)")

	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamMalformed   = errors.New("upstream response malformed")
	// ErrRequestSetup means the outbound request could not even be built.
	// Retrying cannot fix it.
	ErrRequestSetup = errors.New("upstream request setup failed")

	ErrBootstrapFileUnreadable = errors.New("bootstrap file unreadable")
	ErrBootstrapLineMalformed  = errors.New("bootstrap line malformed")
)
