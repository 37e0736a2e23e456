// Package graduator closes PHASE windows: it aggregates time-decayed
// synthetic fitness, applies the graduation gate, promotes qualified
// candidates, and rolls back promotions whose service never heartbeats.
package graduator

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/ledger"
	"github.com/HomoYouDidnt/kloros/internal/lifecycle"
	"github.com/HomoYouDidnt/kloros/internal/logging"
	"github.com/HomoYouDidnt/kloros/internal/registry"
)

// Governance signals owned by the graduator.
const (
	GovPromotion = "governance.promotion"
	GovRejection = "governance.rejection"
)

// ServiceManager starts and stops zooid services. The service lifecycle is
// an external collaborator; the core only requests actions.
type ServiceManager interface {
	Start(ctx context.Context, zooid string) error
	Stop(ctx context.Context, zooid string) error
}

// NopServices is a ServiceManager that does nothing. Used when zooid
// processes are supervised out-of-band.
type NopServices struct{}

func (NopServices) Start(context.Context, string) error { return nil }
func (NopServices) Stop(context.Context, string) error  { return nil }

// Options configures a Graduator.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	Recorder *lifecycle.Recorder
	Bus      *chembus.Bus
	Services ServiceManager
}

// Graduator applies end-of-window decisions. Callers hold the colony lock.
type Graduator struct {
	o   Options
	pub *chembus.Publisher
}

// New constructs a Graduator.
func New(o Options) *Graduator {
	if o.Services == nil {
		o.Services = NopServices{}
	}
	g := &Graduator{o: o}
	if o.Bus != nil {
		g.pub = o.Bus.Publisher("graduator")
	}
	return g
}

// Result summarizes one graduation pass.
type Result struct {
	Promoted   int
	Retried    int
	RolledBack int
}

// Run evaluates every PROBATION candidate in deterministic order
// (niche ASC, name ASC).
func (g *Graduator) Run(ctx context.Context) (*Result, error) {
	var names []string
	g.o.Registry.View(func(s *registry.Snapshot) {
		type cand struct{ niche, name string }
		var cands []cand
		for _, z := range s.Zooids {
			if z.LifecycleState == registry.StateProbation {
				cands = append(cands, cand{z.Niche, z.Name})
			}
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].niche != cands[j].niche {
				return cands[i].niche < cands[j].niche
			}
			return cands[i].name < cands[j].name
		})
		for _, c := range cands {
			names = append(names, c.name)
		}
	})

	fitness, err := ledger.ReadRecords[ledger.PhaseFitnessRecord](g.o.Config.PhaseFitnessPath())
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, name := range names {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := g.graduate(ctx, name, fitness, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// graduate decides one candidate. The fitness roll-up and the transition
// commit in a single registry transaction.
func (g *Graduator) graduate(ctx context.Context, name string, fitness []ledger.PhaseFitnessRecord, res *Result) error {
	now := time.Now()
	var (
		event    *lifecycle.Event
		promoted bool
		policy   config.NichePolicy
	)

	err := g.o.Registry.Transaction(func(s *registry.Snapshot) error {
		z, ok := s.Zooids[name]
		if !ok || z.LifecycleState != registry.StateProbation {
			return nil
		}
		policy = lifecycle.Policy(z, &g.o.Config.Policy)

		mean, ci95, evidence := aggregate(fitness, z, policy.PhaseHalfLife(), now)
		z.Phase.FitnessMean = mean
		z.Phase.FitnessCI95 = ci95
		z.Phase.Evidence = evidence
		z.Phase.CompletedTS = now

		gate := lifecycle.GraduationGate(z, policy)
		var terr error
		if gate.Pass {
			event, terr = lifecycle.Transition(s, z, registry.StateActive, lifecycle.ReasonGraduation, "systemd_start", now)
			promoted = true
		} else {
			z.ProbationAttempts++
			event, terr = lifecycle.Transition(s, z, registry.StateDormant, gate.Reason, "", now)
		}
		return terr
	})
	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}
	if rerr := g.o.Recorder.Record(event); rerr != nil {
		return rerr
	}

	if !promoted {
		res.Retried++
		g.emit(GovRejection, event.Ecosystem, map[string]interface{}{
			"zooid":    name,
			"reason":   string(event.Reason),
			"fitness":  event.PhaseFit,
			"evidence": event.PhaseEv,
		})
		return nil
	}

	res.Promoted++
	g.emit(GovPromotion, event.Ecosystem, map[string]interface{}{
		"zooid":    name,
		"fitness":  event.PhaseFit,
		"evidence": event.PhaseEv,
	})

	// Ask the collaborator to start the service; the heartbeat SLO is
	// measured from the moment the start request returns.
	if err := g.o.Services.Start(ctx, name); err != nil {
		logging.Get(logging.CategoryGraduator).Error("service start failed for %s: %v", name, err)
		return g.rollback(ctx, name, res)
	}
	if g.waitHeartbeat(ctx, name, policy.HeartbeatSLO()) {
		logging.Get(logging.CategoryGraduator).Info("promoted %s (fitness=%.3f evidence=%d)",
			name, event.PhaseFit, event.PhaseEv)
		return nil
	}
	logging.Get(logging.CategoryGraduator).Warn("no heartbeat from %s within %v, rolling back",
		name, policy.HeartbeatSLO())
	return g.rollback(ctx, name, res)
}

// waitHeartbeat blocks until the named zooid heartbeats or the SLO elapses.
func (g *Graduator) waitHeartbeat(ctx context.Context, name string, slo time.Duration) bool {
	if g.o.Bus == nil {
		// No bus wired (offline tooling): treat the start as healthy.
		return true
	}
	beat := make(chan struct{}, 1)
	subName := "graduator-hb-" + name
	err := g.o.Bus.Subscribe(chembus.SignalHeartbeat, func(m chembus.Message) {
		if m.Sender == name {
			select {
			case beat <- struct{}{}:
			default:
			}
			return
		}
		if v, ok := m.Facts["zooid"].(string); ok && v == name {
			select {
			case beat <- struct{}{}:
			default:
			}
		}
	}, subName, "")
	if err != nil {
		return false
	}
	defer g.o.Bus.Unsubscribe(subName)

	select {
	case <-beat:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(slo):
		return false
	}
}

// rollback demotes a freshly promoted zooid that never heartbeated.
func (g *Graduator) rollback(ctx context.Context, name string, res *Result) error {
	now := time.Now()
	var event *lifecycle.Event
	err := g.o.Registry.Transaction(func(s *registry.Snapshot) error {
		z, ok := s.Zooids[name]
		if !ok || z.LifecycleState != registry.StateActive {
			return nil
		}
		z.Demotions++
		var terr error
		event, terr = lifecycle.Transition(s, z, registry.StateDormant, lifecycle.ReasonRollbackNoHeartbeat, "systemd_stop", now)
		return terr
	})
	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}
	if rerr := g.o.Recorder.Record(event); rerr != nil {
		return rerr
	}
	if serr := g.o.Services.Stop(ctx, name); serr != nil {
		logging.Get(logging.CategoryGraduator).Warn("service stop failed for %s: %v", name, serr)
	}
	res.RolledBack++
	return nil
}

func (g *Graduator) emit(signal, ecosystem string, facts map[string]interface{}) {
	if g.pub == nil {
		return
	}
	_ = g.pub.Emit(signal, ecosystem, 1.0, facts)
}

// aggregate computes the decay-weighted mean, 95% CI half-width, and total
// evidence for one candidate's current batches. The weight of an
// observation at age dt is 2^(-dt/halfLife).
func aggregate(records []ledger.PhaseFitnessRecord, z *registry.Zooid, halfLife time.Duration, now time.Time) (mean, ci95 float64, evidence int) {
	inBatch := make(map[string]bool, len(z.Phase.Batches))
	for _, b := range z.Phase.Batches {
		inBatch[b] = true
	}

	var sumW, sumWX float64
	type obs struct{ w, x float64 }
	var all []obs
	for _, r := range records {
		if r.Zooid != z.Name || !inBatch[r.BatchID] {
			continue
		}
		age := now.Sub(r.TS)
		if age < 0 {
			age = 0
		}
		decay := math.Exp2(-age.Seconds() / halfLife.Seconds())
		n := r.Observations
		if n <= 0 {
			n = 1
		}
		w := decay * float64(n)
		sumW += w
		sumWX += w * r.Composite
		all = append(all, obs{w: w, x: r.Composite})
		evidence += n
	}
	if sumW == 0 {
		return 0, 0, evidence
	}
	mean = sumWX / sumW

	// Effective sample size via the weight distribution; the CI half-width
	// shrinks with it.
	var sumW2, sumWVar float64
	for _, o := range all {
		sumW2 += o.w * o.w
		sumWVar += o.w * (o.x - mean) * (o.x - mean)
	}
	variance := sumWVar / sumW
	neff := sumW * sumW / sumW2
	if neff > 1 {
		ci95 = 1.96 * math.Sqrt(variance/neff)
	}
	return mean, ci95, evidence
}
