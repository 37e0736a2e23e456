package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testZooid(name, hash string) *Zooid {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Zooid{
		Name:             name,
		GenomeHash:       hash,
		Ecosystem:        "queue_management",
		Niche:            "latency_monitoring",
		LifecycleState:   StateDormant,
		EnteredTS:        now,
		LastTransitionTS: now,
		Signature:        "sig",
	}
}

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(Options{Dir: t.TempDir(), RetainedSnapshots: 8})
	require.NoError(t, err)
	return r
}

func TestInsertAndQueries(t *testing.T) {
	r := openTestRegistry(t)

	require.NoError(t, r.Transaction(func(s *Snapshot) error {
		s.Insert(testZooid("lm_001", "abc"))
		s.Insert(testZooid("lm_002", "def"))
		return nil
	}))

	z, ok := r.Get("lm_001")
	require.True(t, ok)
	assert.Equal(t, StateDormant, z.LifecycleState)

	dormant := r.List("queue_management", "latency_monitoring", StateDormant)
	require.Len(t, dormant, 2)
	assert.Equal(t, "lm_001", dormant[0].Name)
	assert.Equal(t, "lm_002", dormant[1].Name)

	byGenome, ok := r.FindByGenome("def")
	require.True(t, ok)
	assert.Equal(t, "lm_002", byGenome.Name)

	_, ok = r.FindByGenome("missing")
	assert.False(t, ok)
}

func TestVersionStrictlyIncreases(t *testing.T) {
	r := openTestRegistry(t)
	require.Equal(t, uint64(0), r.Version())

	for i := 0; i < 3; i++ {
		name := string(rune('a' + i))
		require.NoError(t, r.Transaction(func(s *Snapshot) error {
			s.Insert(testZooid("z_"+name, "hash_"+name))
			return nil
		}))
	}
	assert.Equal(t, uint64(3), r.Version())
}

func TestInvariantViolationAbortsWithoutWrite(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Transaction(func(s *Snapshot) error {
		s.Insert(testZooid("lm_001", "abc"))
		return nil
	}))
	before := r.Version()

	err := r.Transaction(func(s *Snapshot) error {
		// Flip the object state without reindexing: breaks index-membership.
		s.Zooids["lm_001"].LifecycleState = StateActive
		return nil
	})
	require.Error(t, err)
	var iv *InvariantViolation
	require.ErrorAs(t, err, &iv)

	assert.Equal(t, before, r.Version())
	z, _ := r.Get("lm_001")
	assert.Equal(t, StateDormant, z.LifecycleState)
}

func TestReindexMaintainsInvariants(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Transaction(func(s *Snapshot) error {
		s.Insert(testZooid("lm_001", "abc"))
		return nil
	}))

	require.NoError(t, r.Transaction(func(s *Snapshot) error {
		z := s.Zooids["lm_001"]
		from := z.LifecycleState
		z.LifecycleState = StateProbation
		z.LastTransitionTS = time.Now()
		s.Reindex(z, from)
		return nil
	}))

	assert.Empty(t, r.List("queue_management", "latency_monitoring", StateDormant))
	probation := r.List("queue_management", "latency_monitoring", StateProbation)
	require.Len(t, probation, 1)
	assert.Equal(t, "lm_001", probation[0].Name)
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(Options{Dir: dir, RetainedSnapshots: 8})
	require.NoError(t, err)

	require.NoError(t, r.Transaction(func(s *Snapshot) error {
		s.Insert(testZooid("lm_001", "abc"))
		return nil
	}))
	var before *Snapshot
	r.View(func(s *Snapshot) {
		cloned, cerr := s.clone()
		require.NoError(t, cerr)
		before = cloned
	})

	reopened, err := Open(Options{Dir: dir, RetainedSnapshots: 8})
	require.NoError(t, err)

	var after *Snapshot
	reopened.View(func(s *Snapshot) {
		cloned, cerr := s.clone()
		require.NoError(t, cerr)
		after = cloned
	})

	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("state changed across load (-before +after):\n%s", diff)
	}
}

func TestCorruptSnapshotFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CURRENT"), []byte("snapshot.v1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.v1"), []byte("{not json"), 0o644))

	_, err := Open(Options{Dir: dir})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSchemaMajorVersionRejected(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshot()
	s.SchemaVersion = "2.0"
	s.Version = 1
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.v1"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CURRENT"), []byte("snapshot.v1"), 0o644))

	_, err = Open(Options{Dir: dir})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReconcileRebuildsDriftedIndexes(t *testing.T) {
	dir := t.TempDir()

	// Hand-write a snapshot whose index disagrees with the object.
	s := NewSnapshot()
	s.Version = 1
	z := testZooid("lm_001", "abc")
	s.Zooids[z.Name] = z
	s.Genomes[z.GenomeHash] = z.Name
	n := s.Niche(z.Ecosystem, z.Niche)
	n.Active = []string{"lm_001"} // wrong set; object says DORMANT

	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.v1"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CURRENT"), []byte("snapshot.v1"), 0o644))

	var fixes int
	r, err := Open(Options{Dir: dir, OnReconcile: func(n int) { fixes = n }})
	require.NoError(t, err)
	require.Positive(t, fixes)

	dormant := r.List("queue_management", "latency_monitoring", StateDormant)
	require.Len(t, dormant, 1)
	assert.Empty(t, r.List("queue_management", "latency_monitoring", StateActive))
}

func TestReconcileRetiresDuplicateGenomes(t *testing.T) {
	s := NewSnapshot()
	older := testZooid("lm_old", "same")
	older.EnteredTS = time.Now().Add(-time.Hour)
	newer := testZooid("lm_new", "same")
	s.Zooids[older.Name] = older
	s.Zooids[newer.Name] = newer
	s.Niche(older.Ecosystem, older.Niche).add(StateDormant, older.Name)
	s.Niche(newer.Ecosystem, newer.Niche).add(StateDormant, newer.Name)
	s.Genomes["same"] = older.Name

	fixes := s.Reconcile()
	require.Positive(t, fixes)
	require.NoError(t, s.Validate())

	assert.Equal(t, StateRetired, s.Zooids["lm_new"].LifecycleState)
	assert.Equal(t, "duplicate_genome", s.Zooids["lm_new"].RetiredReason)
	assert.Equal(t, StateDormant, s.Zooids["lm_old"].LifecycleState)
	assert.Equal(t, "lm_old", s.Genomes["same"])
}

func TestSnapshotRetentionKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(Options{Dir: dir, RetainedSnapshots: 2})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		name := string(rune('a' + i))
		require.NoError(t, r.Transaction(func(s *Snapshot) error {
			s.Insert(testZooid("z_"+name, "h_"+name))
			return nil
		}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	snapshots := 0
	for _, e := range entries {
		if len(e.Name()) > len("snapshot.v") && e.Name()[:len("snapshot.v")] == "snapshot.v" {
			snapshots++
		}
	}
	// Retention keeps the newest two.
	assert.Equal(t, 2, snapshots)

	// Canonical pointer resolves.
	ptr, err := os.ReadFile(filepath.Join(dir, "CURRENT"))
	require.NoError(t, err)
	assert.Equal(t, "snapshot.v5", string(ptr))
}

func TestMonotonicTimestampInvariant(t *testing.T) {
	r := openTestRegistry(t)
	err := r.Transaction(func(s *Snapshot) error {
		z := testZooid("lm_001", "abc")
		z.PromotedTS = z.EnteredTS.Add(-time.Hour)
		s.Insert(z)
		return nil
	})
	require.Error(t, err)
	var iv *InvariantViolation
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, "monotonic-ts", iv.Rule)
}
