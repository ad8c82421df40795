package api

import (
	"errors"
	"fmt"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("service unavailable")
)

// Error records the handler operation and the kind of failure alongside the
// underlying cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Kind == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewKind returns an error of the given kind raised by op.
func NewKind(op string, kind error) error {
	return &Error{Op: op, Kind: kind}
}

// WrapKind classifies err as kind.
func WrapKind(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Wrap annotates err with op without classifying it.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
