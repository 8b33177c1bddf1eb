// Package ratelimit implements the token-bucket pacing used by outgoing
// transfer uploads (spec.md §4.D): a configurable rate in bytes/second, an Acquire call that
// blocks the caller until enough budget has accumulated, and an optional
// Prometheus Collector so operators can chart the bucket alongside the rest
// of the engine's metrics. The single-mutex-protected-state discipline is
// grounded on conniver's TCPInfoCollector (pkg/exporter/exporter.go), which
// guards its whole connection map with one mutex rather than splitting
// locks per field.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// sleepCap bounds any single sleep Acquire performs; a caller asking for an
// enormous chunk at a tiny rate waits in a loop instead of blocking in one
// uninterruptible sleep, so SetRate changes and shutdown stay responsive.
const sleepCap = 1 * time.Second

// Bucket is a token bucket measured in bytes. Tokens accumulate continuously
// at the configured rate (no fixed tick interval) up to the bucket's
// capacity, which equals one second's worth of the current rate so a caller
// can never bank more than roughly 1s of backlog.
type Bucket struct {
	mu         sync.Mutex
	ratePerSec float64 // bytes/second; 0 means unlimited
	tokens     float64
	lastRefill time.Time

	granted prometheus.Counter
	waited  prometheus.Counter
}

// NewBucket builds a Bucket starting at ratePerSec bytes/second. A rate of
// 0 disables pacing entirely (Acquire returns immediately).
func NewBucket(ratePerSec float64) *Bucket {
	return &Bucket{
		ratePerSec: ratePerSec,
		tokens:     ratePerSec,
		lastRefill: time.Now(),
	}
}

// SetRate changes the bucket's rate. The bucket's capacity is re-pegged to
// the new rate; existing tokens are clamped down if the new rate is lower.
func (b *Bucket) SetRate(ratePerSec float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.ratePerSec = ratePerSec
	if budgetCap := capacity(ratePerSec); b.tokens > budgetCap {
		b.tokens = budgetCap
	}
}

// Rate returns the currently configured rate.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ratePerSec
}

func (b *Bucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	if elapsed <= 0 || b.ratePerSec <= 0 {
		return
	}
	b.tokens += elapsed * b.ratePerSec
	if budgetCap := capacity(b.ratePerSec); b.tokens > budgetCap {
		b.tokens = budgetCap // capacity == 1s worth of budget, floored at 1 byte
	}
}

// capacity is the bucket's ceiling for a given rate: one second's worth of
// budget, floored at 1 byte so a rate configured below 1 byte/sec still
// lets Acquire(1) eventually succeed instead of capping tokens at a
// fraction it can never reach.
func capacity(ratePerSec float64) float64 {
	if ratePerSec < 1 {
		return 1
	}
	return ratePerSec
}

// Acquire blocks until n bytes' worth of budget is available, then spends
// it. A rate of 0 (unlimited) returns immediately. The wait is performed in
// increments no longer than sleepCap so a concurrent SetRate takes effect
// promptly.
func (b *Bucket) Acquire(n int) {
	if n <= 0 {
		return
	}
	want := float64(n)
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.ratePerSec <= 0 {
			b.mu.Unlock()
			b.observeGranted(n)
			return
		}
		if b.tokens >= want {
			b.tokens -= want
			b.mu.Unlock()
			b.observeGranted(n)
			return
		}
		deficit := want - b.tokens
		rate := b.ratePerSec
		b.mu.Unlock()

		wait := time.Duration(deficit / rate * float64(time.Second))
		if wait > sleepCap {
			wait = sleepCap
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		b.observeWaited()
		time.Sleep(wait)
	}
}

func (b *Bucket) observeGranted(n int) {
	if b.granted != nil {
		b.granted.Add(float64(n))
	}
}

func (b *Bucket) observeWaited() {
	if b.waited != nil {
		b.waited.Inc()
	}
}

// Collector adapts a Bucket to prometheus.Collector, exposing the current
// rate and remaining token budget as gauges plus the cumulative
// granted-bytes and wait-count counters wired through Bucket itself.
type Collector struct {
	bucket *Bucket
	label  string

	rateDesc   *prometheus.Desc
	tokenDesc  *prometheus.Desc
	grantedCtr prometheus.Counter
	waitedCtr  prometheus.Counter
}

// NewCollector wires b's counters to two new prometheus.Counters and
// returns a Collector that also reports b's current rate and token level as
// gauges under the given label (e.g. a connection id or direction).
func NewCollector(b *Bucket, label string) *Collector {
	c := &Collector{
		bucket: b,
		label:  label,
		rateDesc: prometheus.NewDesc(
			"vmnexus_ratelimit_rate_bytes_per_second", "Configured token bucket rate.",
			[]string{"bucket"}, nil,
		),
		tokenDesc: prometheus.NewDesc(
			"vmnexus_ratelimit_tokens_bytes", "Current token bucket budget remaining.",
			[]string{"bucket"}, nil,
		),
		grantedCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vmnexus_ratelimit_granted_bytes_total",
			Help:        "Total bytes granted by Acquire.",
			ConstLabels: prometheus.Labels{"bucket": label},
		}),
		waitedCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vmnexus_ratelimit_wait_total",
			Help:        "Total number of times Acquire had to sleep for budget.",
			ConstLabels: prometheus.Labels{"bucket": label},
		}),
	}
	b.granted = c.grantedCtr
	b.waited = c.waitedCtr
	return c
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.rateDesc
	descs <- c.tokenDesc
	c.grantedCtr.Describe(descs)
	c.waitedCtr.Describe(descs)
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.bucket.mu.Lock()
	c.bucket.refillLocked()
	rate := c.bucket.ratePerSec
	tokens := c.bucket.tokens
	c.bucket.mu.Unlock()

	metrics <- prometheus.MustNewConstMetric(c.rateDesc, prometheus.GaugeValue, rate, c.label)
	metrics <- prometheus.MustNewConstMetric(c.tokenDesc, prometheus.GaugeValue, tokens, c.label)
	c.grantedCtr.Collect(metrics)
	c.waitedCtr.Collect(metrics)
}
