package ratelimits

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestLimiter spins up an in-process miniredis server and wires a Limiter
// against it with a FixedTime source so tests control elapsed time
// precisely.
func newTestLimiter(t *testing.T, now float64) (*Limiter, *miniredis.Miniredis, *float64) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := NewRedisSource(client, clock.NewFake(), prometheus.NewRegistry())

	clk := now
	limiter := NewLimiter(src, clock.NewFake(), prometheus.NewRegistry(), WithTimeSource(FixedTime{
		Now: func() float64 { return clk },
	}))
	return limiter, mr, &clk
}

func mustBucket(t *testing.T, key string, rate, size float64) Bucket {
	t.Helper()
	b, err := NewBucket(key, rate, size)
	require.NoError(t, err)
	return b
}
