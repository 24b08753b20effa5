package ratelimits

import "fmt"

// Bucket names one token bucket and its refill parameters. It is caller-owned
// and immutable: the same Bucket value can be reused across many calls, and
// multiple Buckets may share the same underlying key only if their rate and
// size agree, since the stored record carries no parameters of its own.
type Bucket struct {
	// key is the opaque, caller-chosen identifier used verbatim as the
	// backing store's key. The library imposes no prefix.
	key string

	// rate is the number of tokens added per second. Must be >= 0.
	rate float64

	// size is the bucket's maximum token capacity. Must be > 0.
	size float64
}

// NewBucket returns a Bucket for the given key, rate, and size. It returns an
// error if rate is negative or size is not positive, rejecting malformed
// parameters at construction rather than leaving them to surface as
// undefined behavior deep in the script.
func NewBucket(key string, rate, size float64) (Bucket, error) {
	if key == "" {
		return Bucket{}, fmt.Errorf("ratelimits: %w: key must not be empty", ErrInvalidBucket)
	}
	if rate < 0 {
		return Bucket{}, fmt.Errorf("ratelimits: %w: rate must be >= 0, got %v", ErrInvalidBucket, rate)
	}
	if size <= 0 {
		return Bucket{}, fmt.Errorf("ratelimits: %w: size must be > 0, got %v", ErrInvalidBucket, size)
	}
	return Bucket{key: key, rate: rate, size: size}, nil
}

// Key returns the bucket's backing-store key.
func (b Bucket) Key() string { return b.key }

// Rate returns the bucket's refill rate, in tokens per second.
func (b Bucket) Rate() float64 { return b.rate }

// Size returns the bucket's maximum capacity.
func (b Bucket) Size() float64 { return b.size }

// ChargeOptions carries the small, closed set of per-request policy flags: a
// named options record rather than a dynamic mapping, since the set of
// recognized options will not grow without a matching change to the atomic
// script itself.
type ChargeOptions struct {
	// Limit governs the minimum post-charge level still considered a
	// successful charge. The zero value (0) means "standard": only charge if
	// new_level >= 0. A positive value reserves a floor above zero; a
	// negative value permits debt down to that floor.
	Limit float64

	// AllowChargeAdjustment, when true, shrinks this request's effective
	// amount down to whatever is available (floored at Limit) instead of
	// failing the request outright when the bucket alone can't cover it.
	AllowChargeAdjustment bool
}

// ChargeRequest pairs a Bucket with the amount to charge against it and the
// per-request policy flags that govern admissibility. A ChargeRequest with
// Amount == 0 is a pure read: see script.go's admission rules.
type ChargeRequest struct {
	Bucket  Bucket
	Amount  float64
	Options ChargeOptions
}

// NewChargeRequest builds a ChargeRequest with default options (Limit: 0,
// AllowChargeAdjustment: false).
func NewChargeRequest(bucket Bucket, amount float64) ChargeRequest {
	return ChargeRequest{Bucket: bucket, Amount: amount}
}

// WithLimit returns a copy of the request with Limit set.
func (r ChargeRequest) WithLimit(limit float64) ChargeRequest {
	r.Options.Limit = limit
	return r
}

// WithChargeAdjustment returns a copy of the request with
// AllowChargeAdjustment set to true.
func (r ChargeRequest) WithChargeAdjustment() ChargeRequest {
	r.Options.AllowChargeAdjustment = true
	return r
}
