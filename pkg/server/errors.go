package server

import (
	"errors"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/store"
)

var (
	// errConnection marks a transport failure while reading a request. The
	// connection is dropped without a response.
	errConnection = errors.New("connection failed")

	errUnknownCode = errors.New("unknown request code")
)

// isAbort reports whether err ends the connection without a response.
func isAbort(err error) bool {
	return errors.Is(err, protocol.ErrTruncatedInput) || errors.Is(err, errConnection)
}

// errorKind maps an error to the label used in logs and metrics. The wire
// never carries it; every kind collapses into the same Error response.
func errorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrTruncatedInput):
		return "truncated"
	case errors.Is(err, errConnection):
		return "connection"
	case errors.Is(err, protocol.ErrSizeMismatch):
		return "size_mismatch"
	case errors.Is(err, protocol.ErrMalformedField):
		return "malformed"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrDuplicateUsername):
		return "duplicate_username"
	case errors.Is(err, store.ErrContentTooLarge):
		return "content_too_large"
	case errors.Is(err, errUnknownCode):
		return "unknown_code"
	default:
		return "internal"
	}
}
