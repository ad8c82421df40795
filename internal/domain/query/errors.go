package query

import "errors"

// ErrInvalidHours is returned for a negative or non-finite hours window.
var ErrInvalidHours = errors.New("invalid hours window")
