package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the request conflicts with persisted state.
	ErrConflict = errors.New("conflict")

	// ErrBatchUnavailable classifies refusals of a demanded batch that is
	// disabled, expired or holds no usable quantity. Batch admission errors
	// satisfy errors.Is against this sentinel so the posting surface can map
	// them without importing the batch package.
	ErrBatchUnavailable = errors.New("batch unavailable")
	// ErrBatchStateConflict classifies refusals of a batch in the wrong
	// lifecycle state or registered to a different item.
	ErrBatchStateConflict = errors.New("batch state conflict")
)
