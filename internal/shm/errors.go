package shm

import "errors"

// ErrFutexTimeout is returned by futexWait when the wait times out.
var ErrFutexTimeout = errors.New("futex timeout")

// ErrInvalidSegment is wrapped by OpenSegment when the file does not hold a
// valid segment.
var ErrInvalidSegment = errors.New("invalid segment")
