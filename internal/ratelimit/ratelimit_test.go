package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBucket_ImmediateBurst(t *testing.T) {
	b := NewBucket(5, 60.0)
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("burst token %d refused", i)
		}
	}
	if b.Allow() {
		t.Fatal("expected refusal after burst")
	}
}

func TestBucket_RefillsOverTime(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := newBucket(1, 60.0, clock.now) // 1 per second

	if !b.Allow() {
		t.Fatal("first token refused")
	}
	if b.Allow() {
		t.Fatal("second token should be refused before refill")
	}
	clock.advance(time.Second)
	if !b.Allow() {
		t.Fatal("token should be available after one second")
	}
}

func TestBucket_WaitsAfterBurst(t *testing.T) {
	b := NewBucket(1, 600.0) // 10/sec refill
	ctx := context.Background()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected some wait time, got %v", elapsed)
	}
}

func TestBucket_CancelledContext(t *testing.T) {
	b := NewBucket(1, 1.0)
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := b.Wait(ctx); err == nil {
		t.Fatal("expected context cancelled error")
	}
}

func TestBucket_DefaultValues(t *testing.T) {
	b := NewBucket(0, 0)
	if b.max != 10 {
		t.Fatalf("expected default max=10, got %v", b.max)
	}
	if b.rate == 0 {
		t.Fatal("rate should not be zero")
	}
}

func TestKeyed_IndependentKeys(t *testing.T) {
	k := NewKeyed[int64](2, 60)
	for i := 0; i < 2; i++ {
		if !k.Allow(1) {
			t.Fatalf("user 1 token %d refused", i)
		}
	}
	if k.Allow(1) {
		t.Fatal("user 1 should be limited")
	}
	if !k.Allow(2) {
		t.Fatal("user 2 must not share user 1's bucket")
	}
}

func TestKeyed_ZeroRateDisables(t *testing.T) {
	k := NewKeyed[int64](1, 0)
	for i := 0; i < 100; i++ {
		if !k.Allow(1) {
			t.Fatal("disabled limiter refused a request")
		}
	}
	if k.Len() != 0 {
		t.Fatal("disabled limiter should not track keys")
	}
}

func TestKeyed_PruneDropsFullBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	k := NewKeyed[string](1, 60)
	k.now = clock.now

	k.Allow("a")
	k.Allow("b")
	if n := k.Prune(); n != 0 {
		t.Fatalf("drained buckets must be kept, pruned %d", n)
	}
	clock.advance(2 * time.Second)
	if n := k.Prune(); n != 2 || k.Len() != 0 {
		t.Fatalf("expected both buckets pruned, pruned %d, left %d", n, k.Len())
	}
}
