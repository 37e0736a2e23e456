// Package quarantine watches production health and demotes misbehaving
// ACTIVE zooids: enough failures inside the rolling window trip an
// ACTIVE -> DORMANT demotion with exponential cooldown.
package quarantine

import (
	"context"
	"sync"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/ledger"
	"github.com/HomoYouDidnt/kloros/internal/lifecycle"
	"github.com/HomoYouDidnt/kloros/internal/logging"
	"github.com/HomoYouDidnt/kloros/internal/metrics"
	"github.com/HomoYouDidnt/kloros/internal/registry"
)

// GovQuarantine is emitted once per zooid per quarantine window.
const GovQuarantine = "governance.quarantine"

// ServiceManager stops the demoted zooid's service.
type ServiceManager interface {
	Stop(ctx context.Context, zooid string) error
}

// NopServices ignores stop requests.
type NopServices struct{}

func (NopServices) Stop(context.Context, string) error { return nil }

// Options configures a Monitor.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	Recorder *lifecycle.Recorder
	Bus      *chembus.Bus
	Metrics  *metrics.Metrics
	Services ServiceManager
}

// Monitor keeps rolling per-zooid failure windows over verified
// observations. Wire Observe to the ledger writer's OnObservation hook.
type Monitor struct {
	o   Options
	pub *chembus.Publisher

	mu       sync.Mutex
	failures map[string][]time.Time
	// lastTrip rate-limits quarantine signals to one per zooid per window.
	lastTrip map[string]time.Time
}

// New constructs a Monitor.
func New(o Options) *Monitor {
	if o.Services == nil {
		o.Services = NopServices{}
	}
	m := &Monitor{
		o:        o,
		failures: make(map[string][]time.Time),
		lastTrip: make(map[string]time.Time),
	}
	if o.Bus != nil {
		m.pub = o.Bus.Publisher("quarantine-monitor")
	}
	return m
}

// Observe feeds one verified production outcome into the rolling window.
func (m *Monitor) Observe(rec ledger.ObservationRecord) {
	if rec.OK {
		return
	}
	z, ok := m.o.Registry.Get(rec.Zooid)
	if !ok || z.LifecycleState != registry.StateActive {
		return
	}
	policy := lifecycle.Policy(z, &m.o.Config.Policy)
	window := policy.QuarantineWindow()
	now := rec.TS
	if now.IsZero() {
		now = time.Now()
	}

	m.mu.Lock()
	recent := append(m.failures[rec.Zooid], now)
	cutoff := now.Add(-window)
	pruned := recent[:0]
	for _, ts := range recent {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	m.failures[rec.Zooid] = pruned
	count := len(pruned)

	trip := count >= policy.ProdGuardFailuresThreshold
	if trip {
		if last, seen := m.lastTrip[rec.Zooid]; seen && now.Sub(last) < window {
			trip = false
		} else {
			m.lastTrip[rec.Zooid] = now
		}
	}
	m.mu.Unlock()

	if trip {
		m.quarantine(rec.Zooid, policy, count, now)
	}
}

// quarantine demotes the zooid, or retires it once the demotion ceiling is
// reached.
func (m *Monitor) quarantine(name string, policy config.NichePolicy, failures int, now time.Time) {
	var event *lifecycle.Event
	err := m.o.Registry.Transaction(func(s *registry.Snapshot) error {
		z, ok := s.Zooids[name]
		if !ok || z.LifecycleState != registry.StateActive {
			return nil
		}
		next := lifecycle.NextDemotionState(z, policy)
		if next == registry.StateRetired {
			var terr error
			event, terr = lifecycle.Transition(s, z, registry.StateRetired, lifecycle.ReasonDemotionCeiling, "systemd_stop", now)
			return terr
		}
		// The cooldown exponent uses the pre-increment demotion count so
		// the first trip cools for exactly one window.
		cooldown := policy.Cooldown(z.Demotions)
		z.Demotions++
		z.ProdGuardFailures++
		z.QuarantineUntil = now.Add(cooldown)
		var terr error
		event, terr = lifecycle.Transition(s, z, registry.StateDormant, lifecycle.ReasonProdGuardTrip, "systemd_stop", now)
		return terr
	})
	if err != nil {
		logging.Get(logging.CategoryQuarantine).Error("quarantine transaction failed for %s: %v", name, err)
		return
	}
	if event == nil {
		return
	}
	if rerr := m.o.Recorder.Record(event); rerr != nil {
		logging.Get(logging.CategoryQuarantine).Error("failed to record quarantine event for %s: %v", name, rerr)
	}
	if m.o.Metrics != nil {
		m.o.Metrics.Quarantines.Inc()
	}
	if serr := m.o.Services.Stop(context.Background(), name); serr != nil {
		logging.Get(logging.CategoryQuarantine).Warn("service stop failed for %s: %v", name, serr)
	}
	logging.Get(logging.CategoryQuarantine).Info("%s: %s (failures=%d window=%v)",
		name, event.Reason, failures, policy.QuarantineWindow())
	if m.pub != nil {
		_ = m.pub.Emit(GovQuarantine, event.Ecosystem, 1.0, map[string]interface{}{
			"zooid":      name,
			"failures":   failures,
			"window_sec": policy.QuarantineWindowSec,
			"reason":     string(event.Reason),
		})
	}
}
