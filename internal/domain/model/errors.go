package model

import "errors"

// Error kinds shared across the fabric. Internal operations return these
// (usually wrapped); only the HTTP layer converts them to status codes.
var (
	ErrMisconfiguration    = errors.New("misconfiguration")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("validation")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")

	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("expired token")
	ErrUnknownService = errors.New("unknown service")
	ErrCircuitOpen    = errors.New("circuit open")
)
