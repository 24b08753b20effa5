package ratelimits

import (
	"context"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Allowed is used for charge-latency metrics, it's the value of the
	// 'decision' label when a batch was allowed.
	Allowed = "allowed"

	// Denied is used for charge-latency metrics, it's the value of the
	// 'decision' label when a batch was denied.
	Denied = "denied"
)

// source is the storage seam a Limiter drives. It is satisfied by
// *RedisSource, which tests run against an in-process miniredis server. Every read
// and write this library performs goes through the single atomic script,
// treating reads as zero-amount charges rather than a separate code path.
type source interface {
	// Charge evaluates the atomic charge script against keys/args built by
	// buildScriptArgs, returning its raw [success_int, level_1, ...] reply.
	Charge(ctx context.Context, keys []string, args []interface{}) ([]interface{}, error)

	// Delete removes a bucket's stored record, resetting it to full on its
	// next read.
	Delete(ctx context.Context, bucketKey string) error
}

// Limiter is the client-side driver: it resolves the reference time,
// serializes a batch into script arguments, invokes the atomic script, and
// parses the result tuple back into a (success, levels) pair. It never
// evaluates admission itself -- that's entirely the atomic script's job
// (script.go) -- so there is no way for the driver and the script to
// disagree about whether a charge was allowed.
type Limiter struct {
	source source
	clk    clock.Clock
	time   TimeSource

	chargeLatency *prometheus.HistogramVec
	levelGauge    *prometheus.GaugeVec
}

// LimiterOption configures optional Limiter behavior.
type LimiterOption func(*Limiter)

// WithTimeSource overrides the default ServerTime source with an injected
// clock, typically FixedTime in tests.
func WithTimeSource(ts TimeSource) LimiterOption {
	return func(l *Limiter) { l.time = ts }
}

// NewLimiter returns a new *Limiter driving the provided source. clk is used
// only for latency metrics around the driver's own calls, not for the
// script's notion of "now" -- see TimeSource for that.
func NewLimiter(src source, clk clock.Clock, stats prometheus.Registerer, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		source:        src,
		clk:           clk,
		time:          ServerTime{},
		chargeLatency: newSpendLatencyMetric(stats),
		levelGauge:    newBucketLevelGauge(stats),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ReadLevel returns the current level for one bucket. It is equivalent to a
// zero-amount charge: no state is created or mutated beyond the usual refill
// bookkeeping a real charge would also perform.
func (l *Limiter) ReadLevel(ctx context.Context, bucket Bucket) (float64, error) {
	_, levels, err := l.batchCharge(ctx, []ChargeRequest{NewChargeRequest(bucket, 0)})
	if err != nil {
		return 0, err
	}
	return levels[bucket.key], nil
}

// ReadLevels returns the current level for each of the given buckets, batched
// into a single script invocation.
func (l *Limiter) ReadLevels(ctx context.Context, buckets ...Bucket) (map[string]float64, error) {
	if len(buckets) == 0 {
		return nil, ErrEmptyBatch
	}
	reqs := make([]ChargeRequest, len(buckets))
	for i, b := range buckets {
		reqs[i] = NewChargeRequest(b, 0)
	}
	_, levels, err := l.batchCharge(ctx, reqs)
	return levels, err
}

// Charge is a convenience wrapper around a one-element batch charge. opts, if
// given, supplies the request's Limit/AllowChargeAdjustment; at most one
// ChargeOptions is consulted.
func (l *Limiter) Charge(ctx context.Context, bucket Bucket, amount float64, opts ...ChargeOptions) (bool, float64, error) {
	req := NewChargeRequest(bucket, amount)
	if len(opts) > 0 {
		req.Options = opts[0]
	}
	success, levels, err := l.batchCharge(ctx, []ChargeRequest{req})
	if err != nil {
		return false, 0, err
	}
	return success, levels[bucket.key], nil
}

// BatchCharge is the primary operation: it attempts to charge every request
// in reqs atomically, all-or-nothing. Levels are returned for every touched
// bucket regardless of whether the batch succeeded.
func (l *Limiter) BatchCharge(ctx context.Context, reqs ...ChargeRequest) (bool, map[string]float64, error) {
	if len(reqs) == 0 {
		return false, nil, ErrEmptyBatch
	}
	return l.batchCharge(ctx, reqs)
}

// Reset resets the specified bucket to full capacity by deleting its stored
// record.
func (l *Limiter) Reset(ctx context.Context, bucket Bucket) error {
	return l.source.Delete(ctx, bucket.key)
}

func (l *Limiter) batchCharge(ctx context.Context, reqs []ChargeRequest) (bool, map[string]float64, error) {
	start := l.clk.Now()
	status := Denied
	defer func() {
		l.chargeLatency.WithLabelValues(status).Observe(l.clk.Since(start).Seconds())
	}()

	now, ok := l.time.Resolve()
	keys := scriptKeys(reqs)
	args := buildScriptArgs(now, ok, reqs)

	raw, err := l.source.Charge(ctx, keys, args)
	if err != nil {
		return false, nil, err
	}

	success, levels, err := parseScriptResult(reqs, raw)
	if err != nil {
		return false, nil, err
	}

	if success {
		status = Allowed
		for key, level := range levels {
			l.levelGauge.WithLabelValues(key).Set(level)
		}
	}
	return success, levels, nil
}
