// Package bioreactor produces new DORMANT candidates by mutating niche
// phenotypes and prunes the ACTIVE population through a conservative
// tournament. One tick per night, or on demand.
package bioreactor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/ledger"
	"github.com/HomoYouDidnt/kloros/internal/lifecycle"
	"github.com/HomoYouDidnt/kloros/internal/logging"
	"github.com/HomoYouDidnt/kloros/internal/registry"
	"github.com/HomoYouDidnt/kloros/internal/signing"
)

// Options configures a Bioreactor.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	Recorder *lifecycle.Recorder
	Bus      *chembus.Bus
	Ring     *signing.Ring
	// Seed fixes the mutation RNG; zero seeds from the clock.
	Seed int64
}

// Bioreactor is the spawner.
type Bioreactor struct {
	o   Options
	pub *chembus.Publisher
	rng *rand.Rand
}

// New constructs a Bioreactor.
func New(o Options) *Bioreactor {
	seed := o.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	b := &Bioreactor{o: o, rng: rand.New(rand.NewSource(seed))}
	if o.Bus != nil {
		b.pub = o.Bus.Publisher("bioreactor")
	}
	return b
}

// TickResult summarizes one bioreactor tick.
type TickResult struct {
	Spawned    int
	Duplicates int
	Retired    int
}

type spawn struct {
	zooid   *registry.Zooid
	profile string
	seed    int64
}

// Tick runs one differentiate/de-duplicate/register/tournament cycle under
// the colony lock. All registry changes commit in one transaction.
func (b *Bioreactor) Tick(ctx context.Context) (*TickResult, error) {
	timer := logging.StartTimer(logging.CategoryBioreactor, "bioreactor tick")
	defer timer.Stop()

	lock, err := registry.AcquireFileLock(b.o.Config.ColonyLockPath(), true)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	result := &TickResult{}
	now := time.Now()

	var spawns []spawn
	for _, niche := range b.o.Config.Bioreactor.Niches {
		ns, dups, derr := b.differentiate(niche, now)
		if derr != nil {
			return nil, derr
		}
		spawns = append(spawns, ns...)
		result.Duplicates += dups
	}

	var events []*lifecycle.Event
	err = b.o.Registry.Transaction(func(s *registry.Snapshot) error {
		events = events[:0]
		for _, sp := range spawns {
			// Registration-time de-dup inside the transaction: another
			// candidate earlier in this tick may own the hash already.
			if _, taken := s.Genomes[sp.zooid.GenomeHash]; taken {
				continue
			}
			s.Insert(sp.zooid)
			events = append(events, spawnEvent(sp.zooid, now))
		}
		tevents, terr := b.tournament(s, now)
		if terr != nil {
			return terr
		}
		events = append(events, tevents...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		if rerr := b.o.Recorder.Record(ev); rerr != nil {
			return nil, rerr
		}
		switch ev.Reason {
		case lifecycle.ReasonSpawned:
			result.Spawned++
		case lifecycle.ReasonTournamentLoss:
			result.Retired++
		}
	}

	// Queue writes follow the committed registry state.
	if err := b.enqueue(spawns); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryBioreactor).Info("tick complete: spawned=%d duplicates=%d retired=%d",
		result.Spawned, result.Duplicates, result.Retired)
	return result, ctx.Err()
}

// differentiate produces candidate phenotypes for one niche by parameter
// resampling within its configured bounds.
func (b *Bioreactor) differentiate(spec config.NicheSpec, now time.Time) ([]spawn, int, error) {
	source := moduleSource(spec.ModuleSource)
	active := b.o.Registry.List(spec.Ecosystem, spec.Niche, registry.StateActive)

	count := b.o.Config.Bioreactor.CandidatesPerNiche
	var out []spawn
	dups := 0
	for i := 0; i < count; i++ {
		phenotype := b.samplePhenotype(spec.PhenotypeBounds)
		// Every per-candidate draw happens before the duplicate check, so a
		// discarded duplicate consumes the same RNG stream as a registration
		// and a fixed seed reproduces the same candidate sequence.
		seed := b.rng.Int63()
		parentIdx := -1
		if len(active) > 0 {
			parentIdx = b.rng.Intn(len(active))
		}
		hash, err := genomeHash(source, phenotype)
		if err != nil {
			return nil, 0, err
		}
		if _, exists := b.o.Registry.FindByGenome(hash); exists {
			dups++
			continue
		}

		var lineage []string
		if parentIdx >= 0 {
			parent := active[parentIdx]
			lineage = append(append([]string{}, parent.ParentLineage...), parent.Name)
		}

		name := fmt.Sprintf("%s_%s", abbrev(spec.Niche), hash[:8])
		z := &registry.Zooid{
			Name:             name,
			GenomeHash:       hash,
			Ecosystem:        spec.Ecosystem,
			Niche:            spec.Niche,
			LifecycleState:   registry.StateDormant,
			EnteredTS:        now,
			LastTransitionTS: now,
			ParentLineage:    lineage,
		}
		if b.o.Ring != nil {
			sig, serr := b.o.Ring.Sign(map[string]interface{}{
				"genome_hash": hash,
				"phenotype":   phenotype,
			})
			if serr != nil {
				return nil, 0, serr
			}
			z.Signature = sig
		}

		profile := spec.Profile
		if profile == "" {
			profile = "baseline"
		}
		out = append(out, spawn{zooid: z, profile: profile, seed: seed})
	}
	return out, dups, nil
}

func (b *Bioreactor) samplePhenotype(bounds map[string]config.PhenotypeBound) map[string]float64 {
	keys := make([]string, 0, len(bounds))
	for k := range bounds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	phenotype := make(map[string]float64, len(keys))
	for _, k := range keys {
		bd := bounds[k]
		phenotype[k] = bd.Min + b.rng.Float64()*(bd.Max-bd.Min)
	}
	return phenotype
}

// tournament prunes each niche's ACTIVE set conservatively: at most one
// removal per niche per tick, never below the configured floor, and only
// after enough consecutive losses.
func (b *Bioreactor) tournament(s *registry.Snapshot, now time.Time) ([]*lifecycle.Event, error) {
	var events []*lifecycle.Event
	cfg := b.o.Config.Bioreactor

	for _, n := range s.Niches {
		names := append([]string{}, n.Active...)
		if len(names) == 0 {
			continue
		}
		defenders := make([]*registry.Zooid, 0, len(names))
		for _, name := range names {
			defenders = append(defenders, s.Zooids[name])
		}
		// Deterministic ranking: recent production health blended with
		// synthetic fitness, ties broken by seniority then name.
		sort.Slice(defenders, func(i, j int) bool {
			si, sj := defenderScore(defenders[i]), defenderScore(defenders[j])
			if si != sj {
				return si > sj
			}
			if !defenders[i].EnteredTS.Equal(defenders[j].EnteredTS) {
				return defenders[i].EnteredTS.Before(defenders[j].EnteredTS)
			}
			return defenders[i].Name < defenders[j].Name
		})

		winners := cfg.TournamentWinners
		if winners <= 0 {
			winners = 2
		}
		for rank, z := range defenders {
			if rank < winners {
				z.TournamentLosses = 0
				continue
			}
			z.TournamentLosses++
		}

		// Losers are retained as polymorphs unless the loss-streak policy
		// says otherwise.
		if cfg.LossesBeforeRetire <= 0 {
			continue
		}
		if len(defenders) <= cfg.MinActivePerNiche {
			continue
		}
		for i := len(defenders) - 1; i >= winners; i-- {
			z := defenders[i]
			if z.TournamentLosses < cfg.LossesBeforeRetire {
				continue
			}
			ev, err := lifecycle.Transition(s, z, registry.StateRetired, lifecycle.ReasonTournamentLoss, "systemd_stop", now)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
			break // never more than one removal per niche per tick
		}
	}
	return events, nil
}

// defenderScore blends production and synthetic fitness.
func defenderScore(z *registry.Zooid) float64 {
	if z.Prod.Evidence == 0 {
		return z.Phase.FitnessMean
	}
	return 0.7*z.Prod.OKRate + 0.3*z.Phase.FitnessMean
}

// enqueue appends phase_queue records for the registered candidates.
func (b *Bioreactor) enqueue(spawns []spawn) error {
	if len(spawns) == 0 {
		return nil
	}
	q, err := ledger.OpenAppender(b.o.Config.PhaseQueuePath(), true)
	if err != nil {
		return err
	}
	defer q.Close()
	for _, sp := range spawns {
		if _, ok := b.o.Registry.Get(sp.zooid.Name); !ok {
			continue // dropped as an in-transaction duplicate
		}
		err := q.Append(ledger.PhaseQueueRecord{
			SchemaVersion: ledger.RecordSchemaVersion,
			TS:            time.Now(),
			Zooid:         sp.zooid.Name,
			Ecosystem:     sp.zooid.Ecosystem,
			Niche:         sp.zooid.Niche,
			GenomeHash:    sp.zooid.GenomeHash,
			Profile:       sp.profile,
			Seed:          sp.seed,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func spawnEvent(z *registry.Zooid, now time.Time) *lifecycle.Event {
	return &lifecycle.Event{
		SchemaVersion: lifecycle.EventSchemaVersion,
		TS:            now,
		Zooid:         z.Name,
		Ecosystem:     z.Ecosystem,
		Niche:         z.Niche,
		To:            registry.StateDormant,
		Reason:        lifecycle.ReasonSpawned,
		GenomeHash:    z.GenomeHash,
		ParentLineage: z.ParentLineage,
	}
}

// genomeHash is the content hash of module source plus canonical phenotype.
func genomeHash(source []byte, phenotype map[string]float64) (string, error) {
	canon, err := json.Marshal(sortedPairs(phenotype))
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize phenotype: %w", err)
	}
	h := sha256.New()
	h.Write(source)
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sortedPairs(m map[string]float64) []interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, m[k])
	}
	return out
}

// moduleSource resolves the template: file contents when the path exists,
// the literal string otherwise.
func moduleSource(ref string) []byte {
	if data, err := os.ReadFile(ref); err == nil {
		return data
	}
	return []byte(ref)
}

// abbrev shortens a niche name for candidate naming: first letter of each
// underscore-separated word.
func abbrev(niche string) string {
	out := make([]byte, 0, 4)
	start := true
	for i := 0; i < len(niche); i++ {
		if niche[i] == '_' {
			start = true
			continue
		}
		if start {
			out = append(out, niche[i])
			start = false
		}
	}
	if len(out) == 0 {
		return niche
	}
	return string(out)
}
