package compaction

import "errors"

var (
	// ErrWindow wraps the failure of a single window; the run stops there and
	// the window's observations stay in the recent tier.
	ErrWindow = errors.New("compaction window failed")
	// ErrRecovery reports that archiving already-compacted observations failed.
	ErrRecovery = errors.New("compaction recovery failed")
)
