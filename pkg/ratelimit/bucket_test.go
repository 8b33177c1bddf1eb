package ratelimit

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestUnlimitedRateNeverBlocks(t *testing.T) {
	b := NewBucket(0)
	start := time.Now()
	b.Acquire(10 * 1024 * 1024)
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("unlimited bucket should not block, took %s", time.Since(start))
	}
}

func TestAcquireWithinBudgetDoesNotBlock(t *testing.T) {
	b := NewBucket(1000) // 1000 B/s, full bucket on creation
	start := time.Now()
	b.Acquire(500)
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("acquire within existing budget should not block, took %s", time.Since(start))
	}
}

func TestAcquireBeyondBudgetBlocksApproximately(t *testing.T) {
	b := NewBucket(1000) // full bucket starts at 1000 tokens
	b.Acquire(1000)      // drain it

	start := time.Now()
	b.Acquire(500) // need to wait ~0.5s for another 500 bytes at 1000 B/s
	elapsed := time.Since(start)

	if elapsed < 300*time.Millisecond || elapsed > 900*time.Millisecond {
		t.Fatalf("expected roughly 0.5s wait, got %s", elapsed)
	}
}

func TestAverageThroughputConvergesToConfiguredRate(t *testing.T) {
	const rate = 2000.0 // bytes/second
	b := NewBucket(rate)
	b.Acquire(int(rate)) // drain the initial full bucket

	const chunk = 250
	const iterations = 16 // 4000 bytes total, at 2000 B/s should take ~2s

	start := time.Now()
	var sent int
	for i := 0; i < iterations; i++ {
		b.Acquire(chunk)
		sent += chunk
	}
	elapsed := time.Since(start).Seconds()

	observedRate := float64(sent) / elapsed
	if observedRate > rate*1.25 {
		t.Fatalf("observed rate %.1f B/s exceeds configured %.1f B/s by more than 25%%", observedRate, rate)
	}
}

func TestSetRateTakesEffect(t *testing.T) {
	b := NewBucket(100)
	b.Acquire(100) // drain

	b.SetRate(1_000_000) // raise rate drastically
	start := time.Now()
	b.Acquire(500)
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("raised rate should allow near-immediate acquire, took %s", time.Since(start))
	}

	if got := b.Rate(); got != 1_000_000 {
		t.Fatalf("Rate() = %v, want 1000000", got)
	}
}

func TestCollectorReportsCurrentState(t *testing.T) {
	b := NewBucket(500)
	c := NewCollector(b, "test")
	b.Acquire(100)

	metrics := make(chan prometheus.Metric, 8)
	c.Collect(metrics)
	close(metrics)

	count := 0
	for range metrics {
		count++
	}
	if count == 0 {
		t.Fatal("expected Collect to emit at least one metric")
	}
}
