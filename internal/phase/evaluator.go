package phase

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/ledger"
	"github.com/HomoYouDidnt/kloros/internal/lifecycle"
	"github.com/HomoYouDidnt/kloros/internal/logging"
	"github.com/HomoYouDidnt/kloros/internal/metrics"
	"github.com/HomoYouDidnt/kloros/internal/registry"
)

// Governance signals owned by the evaluator.
const (
	GovBatchAborted           = "governance.batch_aborted"
	GovCatastrophicRuleAbsent = "governance.catastrophic_rule_missing"
)

// Options configures an Evaluator.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	Recorder *lifecycle.Recorder
	Bus      *chembus.Bus
	Metrics  *metrics.Metrics
	Driver   DriverConfig
	// OnBatchComplete is invoked after all candidates ran, while the
	// colony lock is still held. The graduator hangs off this hook.
	OnBatchComplete func(ctx context.Context, batchID string) error
}

// Evaluator is the PHASE pipeline.
type Evaluator struct {
	o   Options
	pub *chembus.Publisher

	warnedNoRule map[string]bool
}

// New constructs an Evaluator.
func New(o Options) *Evaluator {
	e := &Evaluator{o: o, warnedNoRule: make(map[string]bool)}
	if o.Bus != nil {
		e.pub = o.Bus.Publisher("phase-evaluator")
	}
	return e
}

// BatchResult summarizes one batch.
type BatchResult struct {
	BatchID    string
	Candidates int
	Evaluated  int
	Retired    int
}

// candidate pairs a zooid with its queued workload assignment.
type candidate struct {
	name    string
	niche   string
	profile string
	seed    int64
}

// RunBatch executes one PHASE batch: acquire the colony lock (fail fast if
// held), promote eligible DORMANT candidates to PROBATION atomically, drive
// each through its workload profile, and invoke the completion hook.
func (e *Evaluator) RunBatch(ctx context.Context) (*BatchResult, error) {
	lock, err := registry.AcquireFileLock(e.o.Config.ColonyLockPath(), false)
	if err != nil {
		return nil, fmt.Errorf("colony cycle contended: %w", err)
	}
	defer lock.Release()

	batchID := uuid.NewString()
	now := time.Now()

	queued, err := e.latestQueueRecords()
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	var events []*lifecycle.Event
	err = e.o.Registry.Transaction(func(s *registry.Snapshot) error {
		candidates = candidates[:0]
		events = events[:0]
		for _, z := range s.Zooids {
			if !lifecycle.EligibleForBatch(z, now) {
				continue
			}
			ev, terr := lifecycle.Transition(s, z, registry.StateProbation, lifecycle.ReasonBatchStart, "", now)
			if terr != nil {
				return terr
			}
			z.Phase.Batches = append(z.Phase.Batches, batchID)
			z.Phase.StartedTS = now
			z.ProdGuardFailures = 0
			events = append(events, ev)

			c := candidate{name: z.Name, niche: z.Niche, profile: "baseline", seed: seedFor(z.Name, batchID)}
			if q, ok := queued[z.Name]; ok {
				c.profile = q.Profile
				c.seed = q.Seed
			}
			candidates = append(candidates, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		if rerr := e.o.Recorder.Record(ev); rerr != nil {
			return nil, rerr
		}
	}

	// Deterministic evaluation order.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].niche != candidates[j].niche {
			return candidates[i].niche < candidates[j].niche
		}
		return candidates[i].name < candidates[j].name
	})

	if e.o.Metrics != nil {
		e.o.Metrics.PhaseBatches.Inc()
	}
	logging.Phase("batch %s started with %d candidates", batchID, len(candidates))

	fitness, err := ledger.OpenAppender(e.o.Config.PhaseFitnessPath(), true)
	if err != nil {
		e.abortBatch(batchID, err)
		return nil, err
	}
	defer fitness.Close()

	result := &BatchResult{BatchID: batchID, Candidates: len(candidates)}
	for _, c := range candidates {
		if ctx.Err() != nil {
			e.abortBatch(batchID, ctx.Err())
			return result, ctx.Err()
		}
		retired, cerr := e.evaluateCandidate(ctx, fitness, batchID, c)
		if cerr != nil {
			// Batch-level failure: cannot persist fitness.
			e.abortBatch(batchID, cerr)
			return result, cerr
		}
		result.Evaluated++
		if retired {
			result.Retired++
		}
	}

	if e.o.OnBatchComplete != nil {
		if err := e.o.OnBatchComplete(ctx, batchID); err != nil {
			return result, err
		}
	}
	logging.Phase("batch %s complete: evaluated=%d retired=%d", batchID, result.Evaluated, result.Retired)
	return result, nil
}

// evaluateCandidate runs one candidate through its profile, retrying on
// crash up to the catastrophic ceiling. Candidate failures are local
// outcomes; only fitness-persistence failures propagate.
func (e *Evaluator) evaluateCandidate(ctx context.Context, fitness *ledger.Appender, batchID string, c candidate) (retired bool, err error) {
	z, ok := e.o.Registry.Get(c.name)
	if !ok {
		return false, nil
	}
	profile, ok := e.o.Config.Profiles[c.profile]
	if !ok {
		profile = e.o.Config.Profiles["baseline"]
	}
	policy := lifecycle.Policy(z, &e.o.Config.Policy)

	timeout := policy.CandidateTimeout()
	if profile.TimeoutSec > 0 {
		timeout = time.Duration(profile.TimeoutSec) * time.Second
	}

	rule := profile.Catastrophic
	if rule == nil && !e.warnedNoRule[c.profile] {
		e.warnedNoRule[c.profile] = true
		e.emitGov(GovCatastrophicRuleAbsent, map[string]interface{}{"profile": c.profile})
	}

	maxAttempts := rule.MaxCrashesOrDefault()
	crashes := 0
	fatalAnomaly := ""
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, outcome, runErr := RunDriver(ctx, e.o.Driver, c.name, c.profile, c.seed, profile.SimulatedHours, timeout)

		rec := ledger.PhaseFitnessRecord{
			SchemaVersion: ledger.RecordSchemaVersion,
			TS:            time.Now(),
			BatchID:       batchID,
			Zooid:         c.name,
			Profile:       c.profile,
			Seed:          c.seed,
			SimulatedHrs:  profile.SimulatedHours,
			DecayWeight:   1.0,
		}
		if outcome == OutcomeOK {
			rec.Metrics = res.Metrics
			rec.Composite = composite(res, profile)
			rec.Observations = observations(res)
			rec.Anomalies = res.Anomalies
		} else {
			// Crashed or timed-out runs contribute a zero score weighted
			// normally.
			rec.Error = string(outcome)
			if runErr != nil {
				logging.Get(logging.CategoryPhase).Warn("candidate %s attempt %d: %v", c.name, attempt+1, runErr)
			}
		}
		if aerr := fitness.Append(rec); aerr != nil {
			return false, aerr
		}

		if outcome == OutcomeOK {
			for _, a := range res.Anomalies {
				if rule.IsFatalAnomaly(a) {
					fatalAnomaly = a
				}
			}
			if fatalAnomaly == "" {
				return false, nil
			}
			break
		}
		crashes++
	}

	if crashes >= maxAttempts || fatalAnomaly != "" {
		if rerr := e.retireCatastrophic(c.name); rerr != nil {
			return false, rerr
		}
		logging.Phase("candidate %s retired: crashes=%d fatal_anomaly=%q", c.name, crashes, fatalAnomaly)
		return true, nil
	}
	return false, nil
}

func (e *Evaluator) retireCatastrophic(name string) error {
	var ev *lifecycle.Event
	err := e.o.Registry.Transaction(func(s *registry.Snapshot) error {
		z, ok := s.Zooids[name]
		if !ok {
			return nil
		}
		var terr error
		ev, terr = lifecycle.Transition(s, z, registry.StateRetired, lifecycle.ReasonSyntheticCatastrophe, "", time.Now())
		return terr
	})
	if err != nil {
		return err
	}
	if ev != nil {
		return e.o.Recorder.Record(ev)
	}
	return nil
}

func (e *Evaluator) abortBatch(batchID string, cause error) {
	logging.Get(logging.CategoryPhase).Error("batch %s aborted: %v", batchID, cause)
	e.emitGov(GovBatchAborted, map[string]interface{}{
		"batch_id": batchID,
		"error":    cause.Error(),
	})
}

func (e *Evaluator) emitGov(signal string, facts map[string]interface{}) {
	if e.pub == nil {
		return
	}
	_ = e.pub.Emit(signal, "core", 1.0, facts)
}

// latestQueueRecords maps each zooid to its newest phase_queue entry.
func (e *Evaluator) latestQueueRecords() (map[string]ledger.PhaseQueueRecord, error) {
	recs, err := ledger.ReadRecords[ledger.PhaseQueueRecord](e.o.Config.PhaseQueuePath())
	if err != nil {
		return nil, err
	}
	out := make(map[string]ledger.PhaseQueueRecord, len(recs))
	for _, r := range recs {
		out[r.Zooid] = r
	}
	return out, nil
}

// composite recomputes the weighted composite from the driver scores when
// the profile defines weights; otherwise the driver's own composite stands.
func composite(res *DriverResult, profile config.WorkloadProfile) float64 {
	if len(profile.Weights) == 0 || len(res.Scores) == 0 {
		return clamp01(res.Composite)
	}
	var sum, total float64
	for metric, weight := range profile.Weights {
		score, ok := res.Scores[metric]
		if !ok {
			continue
		}
		sum += score * weight
		total += weight
	}
	if total == 0 {
		return clamp01(res.Composite)
	}
	return clamp01(sum / total)
}

func observations(res *DriverResult) int {
	if n, ok := res.Metrics["observations"]; ok && n > 0 {
		return int(n)
	}
	return 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func seedFor(name, batchID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte(batchID))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
