// Package scheduler emits the periodic trigger signals that replace
// per-daemon polling loops. Intervals adapt to affective load and every
// emission carries a small jitter to avoid thundering herds.
package scheduler

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/logging"
)

// Affective signals the scheduler adapts to.
const (
	SignalFatigue   = "AFFECT_CRITICAL_FATIGUE"
	SignalWellbeing = "AFFECT_WELLBEING_HIGH"
	SignalStrain    = "AFFECT_RESOURCE_STRAIN"
)

// affect modes.
const (
	modeNormal int32 = iota
	modeFatigue
	modeWellbeing
)

// disableAfter consecutive emit failures turns a topic off.
const disableAfter = 5

// Scheduler emits configured trigger signals on the bus.
type Scheduler struct {
	entries map[string]config.ScheduleEntry
	bus     *chembus.Bus
	pub     *chembus.Publisher
	mode    atomic.Int32
	rng     *rand.Rand
	rngMu   sync.Mutex

	wg sync.WaitGroup
}

// New constructs a Scheduler from the configured schedule map.
func New(entries map[string]config.ScheduleEntry, bus *chembus.Bus) *Scheduler {
	return &Scheduler{
		entries: entries,
		bus:     bus,
		pub:     bus.Publisher("scheduler"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run starts every schedule plus the 1Hz heartbeat, returning when ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	err := s.bus.Subscribe("AFFECT_", s.onAffect, "scheduler-affect", "")
	if err != nil {
		return err
	}
	defer s.bus.Unsubscribe("scheduler-affect")

	for name, entry := range s.entries {
		s.wg.Add(1)
		go s.runEntry(ctx, name, entry)
	}

	s.wg.Add(1)
	go s.heartbeat(ctx)

	<-ctx.Done()
	s.wg.Wait()
	return nil
}

// onAffect adjusts the global mode from affective signals.
func (s *Scheduler) onAffect(m chembus.Message) {
	switch {
	case m.Signal == SignalFatigue || m.Signal == SignalStrain:
		s.mode.Store(modeFatigue)
		logging.Get(logging.CategoryScheduler).Info("slowing non-critical schedules: %s", m.Signal)
	case m.Signal == SignalWellbeing:
		s.mode.Store(modeWellbeing)
		logging.Get(logging.CategoryScheduler).Info("tightening schedules: %s", m.Signal)
	case strings.HasPrefix(m.Signal, "AFFECT_"):
		s.mode.Store(modeNormal)
	}
}

// effectiveInterval applies the adaptive factor. Critical schedules are
// never slowed below their configured cadence.
func (s *Scheduler) effectiveInterval(entry config.ScheduleEntry) time.Duration {
	base := entry.Interval()
	if !entry.Adaptive {
		return base
	}
	switch s.mode.Load() {
	case modeFatigue:
		if entry.Critical {
			return base
		}
		return time.Duration(float64(base) * entry.SlowFactorOrDefault())
	case modeWellbeing:
		return time.Duration(float64(base) * entry.FastFactorOrDefault())
	}
	return base
}

// runEntry drives one schedule against wall-clock targets so intervals do
// not drift with processing time.
func (s *Scheduler) runEntry(ctx context.Context, name string, entry config.ScheduleEntry) {
	defer s.wg.Done()

	failures := 0
	target := time.Now().Add(s.effectiveInterval(entry)).Add(s.jitter(entry.Interval()))
	for {
		wait := time.Until(target)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		err := s.pub.Emit(entry.Signal, entry.Ecosystem, 1.0, map[string]interface{}{
			"schedule": name,
			"interval": s.effectiveInterval(entry).Seconds(),
		})
		if err != nil {
			failures++
			logging.Get(logging.CategoryScheduler).Warn("emit %s failed (%d): %v", entry.Signal, failures, err)
			if failures >= disableAfter {
				logging.Get(logging.CategoryScheduler).Error("disabling schedule %s after repeated failures", name)
				return
			}
		} else {
			failures = 0
		}

		target = target.Add(s.effectiveInterval(entry)).Add(s.jitter(entry.Interval()))
		// A long stall (suspend, debugger) re-anchors to the clock rather
		// than burst-firing missed targets.
		if now := time.Now(); target.Before(now) {
			target = now.Add(s.effectiveInterval(entry))
		}
	}
}

// jitter is uniform in [0, 5%] of the base interval.
func (s *Scheduler) jitter(interval time.Duration) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return time.Duration(s.rng.Float64() * 0.05 * float64(interval))
}

// heartbeat emits Q_SCHEDULE_TICK every second for external monitoring.
func (s *Scheduler) heartbeat(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.pub.Emit(chembus.SignalScheduleTick, "core", 0.1, nil)
		}
	}
}
