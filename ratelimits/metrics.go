package ratelimits

import "github.com/prometheus/client_golang/prometheus"

// latencyBuckets are the exponential histogram buckets shared by every
// latency metric in this package: 0.0005s to 3s.
var latencyBuckets = prometheus.ExponentialBucketsRange(0.0005, 3, 8)

// newSourceLatencyMetric returns the histogram recording RedisSource call
// latency, labeled by call=[script|delete|ping] and
// result=[success|notFound|deadlineExceeded|canceled|timeout|redisError|failed].
func newSourceLatencyMetric(stats prometheus.Registerer) *prometheus.HistogramVec {
	m := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimits_source_latency_seconds",
			Help:    "Histogram of backing-store call latencies labeled by call and result.",
			Buckets: latencyBuckets,
		},
		[]string{"call", "result"},
	)
	stats.MustRegister(m)
	return m
}

// newSpendLatencyMetric returns the histogram recording Limiter spend
// latency, labeled by decision=[allowed|denied].
func newSpendLatencyMetric(stats prometheus.Registerer) *prometheus.HistogramVec {
	m := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimits_charge_latency_seconds",
			Help:    "Histogram of batch_charge/charge call latencies labeled by decision=[allowed|denied].",
			Buckets: latencyBuckets,
		},
		[]string{"decision"},
	)
	stats.MustRegister(m)
	return m
}

// newBucketLevelGauge returns a gauge tracking the last-observed level for a
// bucket key, set after every successful charge.
func newBucketLevelGauge(stats prometheus.Registerer) *prometheus.GaugeVec {
	m := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratelimits_bucket_level",
			Help: "Last-observed token level for a bucket key after a charge.",
		},
		[]string{"bucket_key"},
	)
	stats.MustRegister(m)
	return m
}
