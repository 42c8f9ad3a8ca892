package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("not found")
	ErrBadRequest    = errors.New("bad request")
	ErrUpstream      = errors.New("upstream error")
	ErrInvalidConfig = errors.New("invalid config")
)
