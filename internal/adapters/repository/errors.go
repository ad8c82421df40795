package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrAlreadyExists   = errors.New("record already exists")
	ErrDuplicateWindow = errors.New("compaction window already exists")
	ErrInvalidRecord   = errors.New("invalid record")
	ErrStorage         = errors.New("storage failure")
)
