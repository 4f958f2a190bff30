package build

import "errors"

// Sentinel errors compared with errors.Is; the API layer maps them to HTTP
// status codes in one place.
var (
	ErrNotFound        = errors.New("build not found")
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrInvalidInput    = errors.New("invalid input")
	ErrQuotaExceeded   = errors.New("daily build quota exceeded")
	ErrNotCompleted    = errors.New("build not completed")
	ErrExpired         = errors.New("build artifact expired")
	ErrShareNotFound   = errors.New("share not found")
	ErrSharePassword   = errors.New("share password required or incorrect")
)
