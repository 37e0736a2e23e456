// Package introspect runs on-demand analyzers over recent bus traffic and
// synthesizes observations: bottlenecks, degraded performance, capability
// gaps. Findings are fingerprint-deduplicated before emission.
package introspect

import (
	"sync"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
)

// ObservationCache is a shared in-memory rolling window of recent bus
// messages, bounded by count and age.
type ObservationCache struct {
	mu       sync.RWMutex
	messages []chembus.Message
	maxCount int
	maxAge   time.Duration
}

// NewObservationCache builds a cache with the given bounds.
func NewObservationCache(maxCount int, maxAge time.Duration) *ObservationCache {
	if maxCount <= 0 {
		maxCount = 5000
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &ObservationCache{maxCount: maxCount, maxAge: maxAge}
}

// Attach subscribes the cache to all bus traffic (empty prefix).
func (c *ObservationCache) Attach(bus *chembus.Bus, name string) error {
	return bus.Subscribe("", c.Add, name, "")
}

// Add records one message, evicting by age and count.
func (c *ObservationCache) Add(msg chembus.Message) {
	if msg.TS.IsZero() {
		msg.TS = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.pruneLocked(time.Now())
}

func (c *ObservationCache) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.maxAge)
	start := 0
	for start < len(c.messages) && c.messages[start].TS.Before(cutoff) {
		start++
	}
	if over := len(c.messages) - start - c.maxCount; over > 0 {
		start += over
	}
	if start > 0 {
		c.messages = append([]chembus.Message{}, c.messages[start:]...)
	}
}

// Recent returns a copy of the current window.
func (c *ObservationCache) Recent() []chembus.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]chembus.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Signals returns the windowed messages matching one label.
func (c *ObservationCache) Signals(label string) []chembus.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []chembus.Message
	for _, m := range c.messages {
		if m.Signal == label {
			out = append(out, m)
		}
	}
	return out
}

// Len reports the current window size.
func (c *ObservationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
