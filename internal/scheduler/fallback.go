package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/logging"
)

// Fallback is the subscriber-side safety net for a dead scheduler: when the
// watched trigger stays silent for twice its expected interval, the handler
// fires once locally and a warning is logged.
type Fallback struct {
	signal   string
	interval time.Duration
	handler  func()

	mu       sync.Mutex
	lastSeen time.Time
	fired    bool
}

// NewFallback arms a fallback for one trigger signal.
func NewFallback(bus *chembus.Bus, signal string, interval time.Duration, handler func(), name string) (*Fallback, error) {
	f := &Fallback{
		signal:   signal,
		interval: interval,
		handler:  handler,
		lastSeen: time.Now(),
	}
	err := bus.Subscribe(signal, func(chembus.Message) {
		f.mu.Lock()
		f.lastSeen = time.Now()
		f.fired = false
		f.mu.Unlock()
	}, name, "")
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Watch polls for trigger silence until ctx ends. Call on its own goroutine.
func (f *Fallback) Watch(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.check()
		}
	}
}

func (f *Fallback) check() {
	f.mu.Lock()
	silent := time.Since(f.lastSeen) >= 2*f.interval
	shouldFire := silent && !f.fired
	if shouldFire {
		f.fired = true
	}
	f.mu.Unlock()

	if shouldFire {
		logging.Get(logging.CategoryScheduler).Warn("no %s for 2x interval, self-triggering once", f.signal)
		f.handler()
	}
}
