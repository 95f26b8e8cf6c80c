// Package ratelimit throttles command submissions with per-user token buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token bucket.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
	now      func() time.Time
}

func NewBucket(maxBurst int, ratePerMinute float64) *Bucket {
	return newBucket(maxBurst, ratePerMinute, time.Now)
}

func newBucket(maxBurst int, ratePerMinute float64, now func() time.Time) *Bucket {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	return &Bucket{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: now(),
		now:      now,
	}
}

// refill must be called with mu held.
func (b *Bucket) refill() {
	now := b.now()
	b.tokens += now.Sub(b.lastTime).Seconds() * b.rate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.lastTime = now
}

// Allow takes a token if one is available and never blocks.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1.0 {
			b.tokens -= 1.0
			b.mu.Unlock()
			return nil
		}
		waitSec := (1.0 - b.tokens) / b.rate
		b.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// full reports whether the bucket has refilled completely.
func (b *Bucket) full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens >= b.max
}

// Keyed hands out one bucket per key. A zero rate disables limiting.
type Keyed[K comparable] struct {
	mu      sync.Mutex
	buckets map[K]*Bucket
	burst   int
	rate    float64
	now     func() time.Time
}

func NewKeyed[K comparable](burst int, ratePerMinute float64) *Keyed[K] {
	return &Keyed[K]{buckets: make(map[K]*Bucket), burst: burst, rate: ratePerMinute, now: time.Now}
}

// Enabled reports whether any limiting happens.
func (k *Keyed[K]) Enabled() bool { return k != nil && k.rate > 0 }

// Allow takes a token from key's bucket.
func (k *Keyed[K]) Allow(key K) bool {
	if !k.Enabled() {
		return true
	}
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = newBucket(k.burst, k.rate, k.now)
		k.buckets[key] = b
	}
	k.mu.Unlock()
	return b.Allow()
}

// Prune drops buckets that have fully refilled; they carry no state.
func (k *Keyed[K]) Prune() int {
	if !k.Enabled() {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, b := range k.buckets {
		if b.full() {
			delete(k.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (k *Keyed[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
