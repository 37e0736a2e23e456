package phase

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/ledger"
	"github.com/HomoYouDidnt/kloros/internal/lifecycle"
	"github.com/HomoYouDidnt/kloros/internal/registry"
)

type harness struct {
	cfg *config.Config
	reg *registry.Registry
	rec *lifecycle.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	require.NoError(t, os.MkdirAll(cfg.LocksDir(), 0o755))

	reg, err := registry.Open(registry.Options{Dir: cfg.RegistryDir()})
	require.NoError(t, err)

	rec, err := lifecycle.NewRecorder(cfg.LifecycleEventsPath(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	return &harness{cfg: cfg, reg: reg, rec: rec}
}

func (h *harness) addDormant(t *testing.T, name string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, h.reg.Transaction(func(s *registry.Snapshot) error {
		s.Insert(&registry.Zooid{
			Name:             name,
			GenomeHash:       "g_" + name,
			Ecosystem:        "queue_management",
			Niche:            "latency_monitoring",
			LifecycleState:   registry.StateDormant,
			EnteredTS:        now,
			LastTransitionTS: now,
		})
		return nil
	}))
}

func okDriver(t *testing.T) DriverConfig {
	script := writeScript(t, `echo '{"metrics":{"observations":50},"scores":{"latency_p95":0.9,"error_rate":0.88,"throughput":0.9},"composite":0.89,"anomalies":[]}'`)
	return DriverConfig{Binary: "/bin/sh", BaseArgs: []string{script}}
}

func TestRunBatchPromotesAndRecordsFitness(t *testing.T) {
	h := newHarness(t)
	h.addDormant(t, "lm_001")

	e := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Driver: okDriver(t)})
	res, err := e.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Evaluated)
	assert.Zero(t, res.Retired)

	z, ok := h.reg.Get("lm_001")
	require.True(t, ok)
	assert.Equal(t, registry.StateProbation, z.LifecycleState)
	require.Len(t, z.Phase.Batches, 1)
	assert.Equal(t, res.BatchID, z.Phase.Batches[0])
	assert.False(t, z.Phase.StartedTS.IsZero())

	recs, err := ledger.ReadRecords[ledger.PhaseFitnessRecord](h.cfg.PhaseFitnessPath())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "lm_001", recs[0].Zooid)
	assert.Equal(t, res.BatchID, recs[0].BatchID)
	assert.Equal(t, 50, recs[0].Observations)
	assert.Empty(t, recs[0].Error)

	events, err := ledger.ReadRecords[lifecycle.Event](h.cfg.LifecycleEventsPath())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.StateDormant, events[0].From)
	assert.Equal(t, registry.StateProbation, events[0].To)
}

func TestRunBatchSkipsCooldown(t *testing.T) {
	// A DORMANT zooid inside its quarantine cooldown is ineligible.
	h := newHarness(t)
	h.addDormant(t, "lm_001")
	require.NoError(t, h.reg.Transaction(func(s *registry.Snapshot) error {
		s.Zooids["lm_001"].QuarantineUntil = time.Now().Add(time.Hour)
		return nil
	}))

	e := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Driver: okDriver(t)})
	res, err := e.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)

	z, _ := h.reg.Get("lm_001")
	assert.Equal(t, registry.StateDormant, z.LifecycleState)
}

func TestRunBatchRetiresCatastrophicCandidate(t *testing.T) {
	// Scenario D: three failed attempts mark the candidate RETIRED with
	// reason synthetic_catastrophe and no ACTIVE transition ever recorded.
	h := newHarness(t)
	h.addDormant(t, "lm_002")

	crash := writeScript(t, `exit 1`)
	e := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec,
		Driver: DriverConfig{Binary: "/bin/sh", BaseArgs: []string{crash}}})

	res, err := e.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retired)

	z, _ := h.reg.Get("lm_002")
	assert.Equal(t, registry.StateRetired, z.LifecycleState)
	assert.Equal(t, "synthetic_catastrophe", z.RetiredReason)

	// Three error records, one per attempt.
	recs, err := ledger.ReadRecords[ledger.PhaseFitnessRecord](h.cfg.PhaseFitnessPath())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.NotEmpty(t, r.Error)
		assert.Zero(t, r.Composite)
	}

	events, err := ledger.ReadRecords[lifecycle.Event](h.cfg.LifecycleEventsPath())
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, registry.StateActive, ev.To)
	}
}

func TestRunBatchFatalAnomalyRetires(t *testing.T) {
	h := newHarness(t)
	h.addDormant(t, "lm_003")
	h.cfg.Profiles["baseline"] = config.WorkloadProfile{
		SimulatedHours: 1,
		Weights:        map[string]float64{"latency_p95": 1},
		Catastrophic:   &config.CatastrophicRule{FatalAnomalies: []string{"stability_breach"}},
	}

	script := writeScript(t, `echo '{"metrics":{},"scores":{"latency_p95":0.9},"composite":0.9,"anomalies":["stability_breach"]}'`)
	e := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec,
		Driver: DriverConfig{Binary: "/bin/sh", BaseArgs: []string{script}}})

	res, err := e.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retired)

	z, _ := h.reg.Get("lm_003")
	assert.Equal(t, registry.StateRetired, z.LifecycleState)
}

func TestRunBatchFailsFastWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	lock, err := registry.AcquireFileLock(h.cfg.ColonyLockPath(), false)
	require.NoError(t, err)
	defer lock.Release()

	e := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Driver: okDriver(t)})
	_, err = e.RunBatch(context.Background())
	require.Error(t, err)
}

func TestCompositeUsesProfileWeights(t *testing.T) {
	res := &DriverResult{
		Scores:    map[string]float64{"a": 1.0, "b": 0.0},
		Composite: 0.42,
	}
	profile := config.WorkloadProfile{Weights: map[string]float64{"a": 3, "b": 1}}
	assert.InDelta(t, 0.75, composite(res, profile), 1e-9)

	// No weights: the driver composite stands.
	assert.InDelta(t, 0.42, composite(res, config.WorkloadProfile{}), 1e-9)
}

func TestQueueRecordControlsProfileAndSeed(t *testing.T) {
	h := newHarness(t)
	h.addDormant(t, "lm_004")
	h.cfg.Profiles["stress"] = config.WorkloadProfile{
		SimulatedHours: 2,
		Weights:        map[string]float64{"latency_p95": 1},
	}

	q, err := ledger.OpenAppender(h.cfg.PhaseQueuePath(), true)
	require.NoError(t, err)
	require.NoError(t, q.Append(ledger.PhaseQueueRecord{
		SchemaVersion: ledger.RecordSchemaVersion,
		TS:            time.Now(),
		Zooid:         "lm_004",
		Profile:       "stress",
		Seed:          777,
	}))
	require.NoError(t, q.Close())

	e := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Driver: okDriver(t)})
	_, err = e.RunBatch(context.Background())
	require.NoError(t, err)

	recs, err := ledger.ReadRecords[ledger.PhaseFitnessRecord](h.cfg.PhaseFitnessPath())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "stress", recs[0].Profile)
	assert.Equal(t, int64(777), recs[0].Seed)
}
