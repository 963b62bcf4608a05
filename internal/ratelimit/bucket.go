// Package ratelimit implements the per-connection token bucket.
//
// Refill is continuous: tokens accrue as a fraction of the elapsed
// wall-clock time rather than in whole-token steps, so a client that
// paces itself exactly at the refill rate is never starved by rounding.
package ratelimit

import "time"

type Bucket struct {
	tokens   float64
	capacity float64
	refill   float64 // tokens per second
	last     time.Time
}

// NewBucket returns a full bucket. Buckets are owned by a single
// connection and only ever touched from the hub loop, so there is no
// lock here.
func NewBucket(capacity, refillPerSec float64, now time.Time) *Bucket {
	return &Bucket{
		tokens:   capacity,
		capacity: capacity,
		refill:   refillPerSec,
		last:     now,
	}
}

// Allow spends one token if available. A message arriving at an empty
// bucket is dropped by the caller; tokens never go negative and never
// exceed capacity.
func (b *Bucket) Allow(now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refill
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens reports the current level, for tests and introspection.
func (b *Bucket) Tokens() float64 { return b.tokens }
