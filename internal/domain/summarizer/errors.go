package summarizer

import "errors"

// ErrSummarization reports a failed or malformed summarization.
var ErrSummarization = errors.New("summarization failed")
