package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (wrapped with context)
// and services translate them into outcomes or domain error codes.
//
//   - ErrNotFound: no row matched the lookup
//   - ErrConflict: a uniqueness constraint rejected the write, e.g. a second
//     active data subject request for the same user and type
//   - ErrInvalidState: a conditional transition matched zero rows because the
//     row is no longer in the expected state
//   - ErrUnavailable: the backing store could not be reached
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
