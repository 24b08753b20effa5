package ratelimits

import (
	"errors"
	"fmt"
)

// ErrBucketNotFound indicates that no record exists for a bucket key, which
// is equivalent to the bucket being full: a fresh bucket is never stored
// until its first non-full charge.
var ErrBucketNotFound = errors.New("ratelimits: bucket not found")

// ErrInvalidBucket indicates a malformed Bucket descriptor (negative rate,
// non-positive size, or empty key), a caller contract violation rejected at
// construction.
var ErrInvalidBucket = errors.New("ratelimits: invalid bucket")

// ErrEmptyBatch indicates that batch_charge or read_levels was called with
// zero requests.
var ErrEmptyBatch = errors.New("ratelimits: batch must contain at least one request")

// ErrScriptOp wraps an error returned while loading the atomic script or
// decoding its reply, naming the operation in progress (load, decode) so that
// callers and logs can distinguish a cache-miss-and-reload failure from a
// genuine script-evaluation failure, which is returned unwrapped.
type ErrScriptOp struct {
	Op  string
	Err error
}

func (e *ErrScriptOp) Error() string {
	return fmt.Sprintf("ratelimits: failed to %s script: %s", e.Op, e.Err)
}

func (e *ErrScriptOp) Unwrap() error { return e.Err }
