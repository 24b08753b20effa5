package ratelimits

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Compile-time check that RedisSource implements the source interface.
var _ source = (*RedisSource)(nil)

// RedisSource is a ratelimits source backed by Redis (or a Redis-compatible
// store exposing EVAL/EVALSHA, HSET/HMGET/EXPIRE/DEL, and TIME). It executes
// the atomic charge script (script.go); nothing else touches bucket keys
// directly, aside from Delete, which callers may invoke out-of-band to reset
// a bucket.
//
// It is a thin wrapper recording Prometheus latency around every
// backing-store call. A single Charge call through the atomic script covers
// every operation this library exposes, including reads, rather than
// separate per-field get/set calls.
type RedisSource struct {
	client redis.UniversalClient
	clk    clock.Clock

	latency *prometheus.HistogramVec

	mu  sync.RWMutex
	sha string

	loadGroup singleflight.Group
}

// NewRedisSource returns a new Redis backed source using the provided
// redis.UniversalClient (satisfied by *redis.Client, *redis.ClusterClient,
// and *redis.Ring). Callers sharding bucket keys across a Ring or Cluster are
// responsible for ensuring every key in a single batch_charge lands on the
// same shard (e.g. via a Redis Cluster hash tag), since the atomic script
// requires all of its KEYS to be co-located.
func NewRedisSource(client redis.UniversalClient, clk clock.Clock, stats prometheus.Registerer) *RedisSource {
	return &RedisSource{
		client:  client,
		clk:     clk,
		latency: newSourceLatencyMetric(stats),
	}
}

// resultForError returns a string representing the result of the operation
// based on the provided error.
func resultForError(err error) string {
	if errors.Is(err, redis.Nil) {
		// Bucket key does not exist.
		return "notFound"
	} else if errors.Is(err, context.DeadlineExceeded) {
		// Client read or write deadline exceeded.
		return "deadlineExceeded"
	} else if errors.Is(err, context.Canceled) {
		// Caller canceled the operation.
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Dialer timed out connecting to Redis.
		return "timeout"
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		// An internal error was returned by the Redis server.
		return "redisError"
	}
	return "failed"
}

// Charge evaluates the atomic charge script for the given batch of requests,
// addressing it by content digest and transparently reloading on a NOSCRIPT
// response. Concurrent callers that all observe NOSCRIPT at once collapse
// into a single SCRIPT LOAD via singleflight, rather than each issuing their
// own reload.
func (r *RedisSource) Charge(ctx context.Context, keys []string, args []interface{}) ([]interface{}, error) {
	start := r.clk.Now()

	sha, err := r.scriptSHA(ctx)
	if err != nil {
		r.observe("script", resultForError(err), start)
		return nil, err
	}

	res, err := r.client.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && isNoScript(err) {
		sha, reloadErr := r.reloadScript(ctx)
		if reloadErr != nil {
			r.observe("script", resultForError(reloadErr), start)
			return nil, reloadErr
		}
		res, err = r.client.EvalSha(ctx, sha, keys, args...).Result()
	}
	if err != nil {
		r.observe("script", resultForError(err), start)
		return nil, err
	}

	r.observe("script", "success", start)
	result, ok := res.([]interface{})
	if !ok {
		return nil, &ErrScriptOp{Op: "decode", Err: errors.New("unexpected script result shape")}
	}
	return result, nil
}

// scriptSHA returns the cached script digest, loading it if this is the
// first call on this RedisSource.
func (r *RedisSource) scriptSHA(ctx context.Context) (string, error) {
	r.mu.RLock()
	sha := r.sha
	r.mu.RUnlock()
	if sha != "" {
		return sha, nil
	}
	return r.reloadScript(ctx)
}

// reloadScript issues SCRIPT LOAD, collapsing concurrent callers into a
// single underlying call via singleflight so that a server-wide SCRIPT FLUSH
// doesn't produce a thundering herd of reloads.
func (r *RedisSource) reloadScript(ctx context.Context) (string, error) {
	v, err, _ := r.loadGroup.Do("load", func() (interface{}, error) {
		sha, err := r.client.ScriptLoad(ctx, chargeScriptSource).Result()
		if err != nil {
			return "", &ErrScriptOp{Op: "load", Err: err}
		}
		r.mu.Lock()
		r.sha = sha
		r.mu.Unlock()
		return sha, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// isNoScript reports whether err is a Redis NOSCRIPT response, meaning the
// script's digest is not cached on this server (e.g. after a SCRIPT FLUSH or
// a failover to a replica that never saw it loaded).
func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// Delete deletes the stored record at the specified bucketKey. It returns an
// error if the operation failed and nil otherwise. Deleting a bucket key
// resets it to full on its next read.
func (r *RedisSource) Delete(ctx context.Context, bucketKey string) error {
	start := r.clk.Now()

	err := r.client.Del(ctx, bucketKey).Err()
	if err != nil {
		r.latency.With(prometheus.Labels{"call": "delete", "result": resultForError(err)}).Observe(r.clk.Since(start).Seconds())
		return err
	}

	r.latency.With(prometheus.Labels{"call": "delete", "result": "success"}).Observe(r.clk.Since(start).Seconds())
	return nil
}

// Ping checks that the backing store is reachable using the PING command.
func (r *RedisSource) Ping(ctx context.Context) error {
	start := r.clk.Now()

	err := r.client.Ping(ctx).Err()
	if err != nil {
		r.latency.With(prometheus.Labels{"call": "ping", "result": resultForError(err)}).Observe(r.clk.Since(start).Seconds())
		return err
	}
	r.latency.With(prometheus.Labels{"call": "ping", "result": "success"}).Observe(r.clk.Since(start).Seconds())
	return nil
}

func (r *RedisSource) observe(call, result string, start time.Time) {
	r.latency.With(prometheus.Labels{"call": call, "result": result}).Observe(r.clk.Since(start).Seconds())
}
