package source

import "errors"

// Sentinel kinds for observer errors.
var (
	// ErrConnection means the source is unreachable or rejected our credentials.
	ErrConnection = errors.New("source connection failed")
	// ErrRequest means the source answered a request with an error.
	ErrRequest = errors.New("source request failed")
	// ErrNotFound accompanies ErrRequest when the requested item no longer exists.
	ErrNotFound = errors.New("source item not found")
	// ErrMalformed marks a single unusable item; the rest of the cycle is valid.
	ErrMalformed = errors.New("malformed source item")
	// ErrNotConnected is returned when Observe or Commit run before Connect.
	ErrNotConnected = errors.New("source not connected")
	// ErrUnknownSource is returned for an enabled source without a factory.
	ErrUnknownSource = errors.New("unknown source type")
)
