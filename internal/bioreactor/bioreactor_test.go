package bioreactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/ledger"
	"github.com/HomoYouDidnt/kloros/internal/lifecycle"
	"github.com/HomoYouDidnt/kloros/internal/registry"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.Bioreactor.CandidatesPerNiche = 3
	cfg.Bioreactor.Niches = []config.NicheSpec{{
		Ecosystem:    "queue_management",
		Niche:        "latency_monitoring",
		Profile:      "baseline",
		ModuleSource: "module latency_monitor v1",
		PhenotypeBounds: map[string]config.PhenotypeBound{
			"poll_interval_ms": {Min: 100, Max: 1000},
			"alert_threshold":  {Min: 0.5, Max: 0.99},
		},
	}}
	return cfg
}

type harness struct {
	cfg *config.Config
	reg *registry.Registry
	rec *lifecycle.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig(t)
	reg, err := registry.Open(registry.Options{Dir: cfg.RegistryDir()})
	require.NoError(t, err)
	rec, err := lifecycle.NewRecorder(cfg.LifecycleEventsPath(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })
	return &harness{cfg: cfg, reg: reg, rec: rec}
}

func TestTickSpawnsCandidates(t *testing.T) {
	h := newHarness(t)
	b := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Seed: 42})

	res, err := b.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Spawned)
	assert.Zero(t, res.Duplicates)

	dormant := h.reg.List("queue_management", "latency_monitoring", registry.StateDormant)
	require.Len(t, dormant, 3)
	for _, z := range dormant {
		assert.NotEmpty(t, z.GenomeHash)
		assert.False(t, z.EnteredTS.IsZero())
	}

	// Every spawn is queued for PHASE with a profile and seed.
	queue, err := ledger.ReadRecords[ledger.PhaseQueueRecord](h.cfg.PhaseQueuePath())
	require.NoError(t, err)
	require.Len(t, queue, 3)
	for _, q := range queue {
		assert.Equal(t, "baseline", q.Profile)
		assert.NotZero(t, q.Seed)
	}

	events, err := ledger.ReadRecords[lifecycle.Event](h.cfg.LifecycleEventsPath())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, lifecycle.ReasonSpawned, events[0].Reason)
}

func TestTickDeduplicatesGenomes(t *testing.T) {
	// The same RNG seed regenerates identical phenotypes; the second tick
	// must register nothing new.
	h := newHarness(t)

	b1 := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Seed: 42})
	res1, err := b1.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res1.Spawned)

	b2 := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Seed: 42})
	res2, err := b2.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res2.Spawned)
	assert.Equal(t, 3, res2.Duplicates)

	dormant := h.reg.List("queue_management", "latency_monitoring", registry.StateDormant)
	assert.Len(t, dormant, 3)
}

func addActive(t *testing.T, h *harness, name string, okRate float64, losses int) {
	t.Helper()
	now := time.Now()
	require.NoError(t, h.reg.Transaction(func(s *registry.Snapshot) error {
		s.Insert(&registry.Zooid{
			Name:             name,
			GenomeHash:       "g_" + name,
			Ecosystem:        "queue_management",
			Niche:            "latency_monitoring",
			LifecycleState:   registry.StateActive,
			EnteredTS:        now.Add(-time.Hour),
			PromotedTS:       now.Add(-time.Minute),
			LastTransitionTS: now.Add(-time.Minute),
			Prod:             registry.ProdSnapshot{Evidence: 100, OKRate: okRate},
			TournamentLosses: losses,
		})
		return nil
	}))
}

func TestTournamentTracksLossesWithoutRetiring(t *testing.T) {
	h := newHarness(t)
	h.cfg.Bioreactor.CandidatesPerNiche = 0
	h.cfg.Bioreactor.TournamentWinners = 2
	h.cfg.Bioreactor.LossesBeforeRetire = 0 // polymorph retention

	addActive(t, h, "lm_a", 0.99, 0)
	addActive(t, h, "lm_b", 0.95, 0)
	addActive(t, h, "lm_c", 0.50, 0)

	b := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Seed: 1})
	res, err := b.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Retired)

	// The loser keeps its slot but its streak advances.
	z, _ := h.reg.Get("lm_c")
	assert.Equal(t, registry.StateActive, z.LifecycleState)
	assert.Equal(t, 1, z.TournamentLosses)

	winner, _ := h.reg.Get("lm_a")
	assert.Zero(t, winner.TournamentLosses)
}

func TestTournamentRetiresAfterLossStreak(t *testing.T) {
	h := newHarness(t)
	h.cfg.Bioreactor.CandidatesPerNiche = 0
	h.cfg.Bioreactor.TournamentWinners = 2
	h.cfg.Bioreactor.LossesBeforeRetire = 3
	h.cfg.Bioreactor.MinActivePerNiche = 1

	addActive(t, h, "lm_a", 0.99, 0)
	addActive(t, h, "lm_b", 0.95, 0)
	addActive(t, h, "lm_c", 0.50, 2) // one more loss crosses the streak

	b := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Seed: 1})
	res, err := b.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retired)

	z, _ := h.reg.Get("lm_c")
	assert.Equal(t, registry.StateRetired, z.LifecycleState)
	assert.Equal(t, "tournament_loss", z.RetiredReason)
}

func TestTournamentNeverDropsBelowFloor(t *testing.T) {
	h := newHarness(t)
	h.cfg.Bioreactor.CandidatesPerNiche = 0
	h.cfg.Bioreactor.TournamentWinners = 1
	h.cfg.Bioreactor.LossesBeforeRetire = 1
	h.cfg.Bioreactor.MinActivePerNiche = 2

	addActive(t, h, "lm_a", 0.99, 0)
	addActive(t, h, "lm_b", 0.50, 5)

	b := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Seed: 1})
	res, err := b.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Retired)

	z, _ := h.reg.Get("lm_b")
	assert.Equal(t, registry.StateActive, z.LifecycleState)
}

func TestSpawnsCarryLineage(t *testing.T) {
	h := newHarness(t)
	addActive(t, h, "lm_parent", 0.9, 0)

	b := New(Options{Config: h.cfg, Registry: h.reg, Recorder: h.rec, Seed: 7})
	_, err := b.Tick(context.Background())
	require.NoError(t, err)

	dormant := h.reg.List("queue_management", "latency_monitoring", registry.StateDormant)
	require.NotEmpty(t, dormant)
	for _, z := range dormant {
		assert.Equal(t, []string{"lm_parent"}, z.ParentLineage)
	}
}

func TestGenomeHashDeterminism(t *testing.T) {
	h1, err := genomeHash([]byte("src"), map[string]float64{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := genomeHash([]byte("src"), map[string]float64{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := genomeHash([]byte("src"), map[string]float64{"a": 1, "b": 3})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestAbbrev(t *testing.T) {
	assert.Equal(t, "lm", abbrev("latency_monitoring"))
	assert.Equal(t, "q", abbrev("queueing"))
}
