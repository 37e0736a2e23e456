package chembus

import (
	"time"
)

// tokenBucket is the per-publisher rate limiter. Not safe for concurrent use
// on its own; the bus serializes access through bucketMu.
type tokenBucket struct {
	tokens float64
	rate   float64
	cap    float64
	last   time.Time
}

func (b *Bus) takeToken(sender string) bool {
	b.bucketMu.Lock()
	defer b.bucketMu.Unlock()

	tb, ok := b.buckets[sender]
	if !ok {
		tb = &tokenBucket{
			tokens: b.opts.RateLimitPerSec,
			rate:   b.opts.RateLimitPerSec,
			cap:    b.opts.RateLimitPerSec,
			last:   time.Now(),
		}
		b.buckets[sender] = tb
	}

	now := time.Now()
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.cap {
		tb.tokens = tb.cap
	}
	tb.last = now

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
