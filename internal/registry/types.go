// Package registry is the authoritative store of zooids, niche indexes, and
// the genome index. All lifecycle-affecting state is owned here; components
// hold read-only snapshots or propose mutations through Transaction.
package registry

import (
	"sort"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/config"
)

// State is a lifecycle state.
type State string

const (
	StateDormant   State = "DORMANT"
	StateProbation State = "PROBATION"
	StateActive    State = "ACTIVE"
	StateRetired   State = "RETIRED"
)

// SchemaVersion stamps every persisted snapshot. Readers tolerate
// minor-version additions and reject unknown major versions.
const SchemaVersion = "1.0"

// Zooid is the unit of evolved code managed by the lifecycle core.
type Zooid struct {
	Name       string `json:"name"`
	GenomeHash string `json:"genome_hash"`

	Ecosystem string `json:"ecosystem"`
	Niche     string `json:"niche"`

	LifecycleState   State     `json:"lifecycle_state"`
	EnteredTS        time.Time `json:"entered_ts"`
	PromotedTS       time.Time `json:"promoted_ts,omitzero"`
	LastTransitionTS time.Time `json:"last_transition_ts"`
	RetiredTS        time.Time `json:"retired_ts,omitzero"`
	RetiredReason    string    `json:"retired_reason,omitempty"`

	ParentLineage []string `json:"parent_lineage,omitempty"`

	Phase PhaseSnapshot `json:"phase"`
	Prod  ProdSnapshot  `json:"prod"`

	Demotions         int       `json:"demotions"`
	ProbationAttempts int       `json:"probation_attempts"`
	QuarantineUntil   time.Time `json:"quarantine_until,omitzero"`
	// ProdGuardFailures counts production guard trips since the last batch
	// start; the graduation gate requires zero.
	ProdGuardFailures int `json:"prod_guard_failures"`
	// TournamentLosses counts consecutive losing ticks for ACTIVE zooids.
	TournamentLosses int `json:"tournament_losses"`

	// Policy overrides the niche-level defaults for this zooid.
	Policy *config.NichePolicy `json:"policy,omitempty"`

	// Signature is the HMAC over the canonical code+phenotype bytes,
	// recorded at creation.
	Signature string `json:"signature"`
}

// PhaseSnapshot is the synthetic fitness roll-up.
type PhaseSnapshot struct {
	Batches     []string  `json:"batches,omitempty"`
	Evidence    int       `json:"evidence"`
	FitnessMean float64   `json:"fitness_mean"`
	FitnessCI95 float64   `json:"fitness_ci95"`
	StartedTS   time.Time `json:"started_ts,omitzero"`
	CompletedTS time.Time `json:"completed_ts,omitzero"`
}

// ProdSnapshot is the derived production fitness roll-up. It is not
// authoritative; the fitness ledger is.
type ProdSnapshot struct {
	Evidence  int       `json:"evidence"`
	OKRate    float64   `json:"ok_rate"`
	TTRMsMean float64   `json:"ttr_ms_mean"`
	LastTS    time.Time `json:"last_ts,omitzero"`
}

// NicheIndex holds the four ordered state sets for one ecosystem/niche pair.
type NicheIndex struct {
	Ecosystem string   `json:"ecosystem"`
	Niche     string   `json:"niche"`
	Active    []string `json:"active"`
	Probation []string `json:"probation"`
	Dormant   []string `json:"dormant"`
	Retired   []string `json:"retired"`
}

// Set returns the index slice for a state.
func (n *NicheIndex) Set(s State) []string {
	switch s {
	case StateActive:
		return n.Active
	case StateProbation:
		return n.Probation
	case StateDormant:
		return n.Dormant
	case StateRetired:
		return n.Retired
	}
	return nil
}

func (n *NicheIndex) add(s State, name string) {
	set := n.Set(s)
	i := sort.SearchStrings(set, name)
	if i < len(set) && set[i] == name {
		return
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = name
	n.assign(s, set)
}

func (n *NicheIndex) remove(s State, name string) {
	set := n.Set(s)
	i := sort.SearchStrings(set, name)
	if i >= len(set) || set[i] != name {
		return
	}
	n.assign(s, append(set[:i], set[i+1:]...))
}

func (n *NicheIndex) assign(s State, set []string) {
	switch s {
	case StateActive:
		n.Active = set
	case StateProbation:
		n.Probation = set
	case StateDormant:
		n.Dormant = set
	case StateRetired:
		n.Retired = set
	}
}

// Snapshot is the full persisted registry state.
type Snapshot struct {
	SchemaVersion string                 `json:"schema_version"`
	Version       uint64                 `json:"version"`
	WrittenTS     time.Time              `json:"written_ts"`
	Zooids        map[string]*Zooid      `json:"zooids"`
	Niches        map[string]*NicheIndex `json:"niches"`
	Genomes       map[string]string      `json:"genomes"`
}

// NicheKey builds the map key for an ecosystem/niche pair.
func NicheKey(ecosystem, niche string) string {
	return ecosystem + "/" + niche
}

// NewSnapshot returns an empty version-zero state.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		Zooids:        make(map[string]*Zooid),
		Niches:        make(map[string]*NicheIndex),
		Genomes:       make(map[string]string),
	}
}

// Niche returns (creating if needed) the index for an ecosystem/niche pair.
func (s *Snapshot) Niche(ecosystem, niche string) *NicheIndex {
	key := NicheKey(ecosystem, niche)
	n, ok := s.Niches[key]
	if !ok {
		n = &NicheIndex{Ecosystem: ecosystem, Niche: niche}
		s.Niches[key] = n
	}
	return n
}

// Insert registers a new zooid and indexes it. The caller has validated
// genome uniqueness; Transaction re-validates on commit.
func (s *Snapshot) Insert(z *Zooid) {
	s.Zooids[z.Name] = z
	s.Niche(z.Ecosystem, z.Niche).add(z.LifecycleState, z.Name)
	s.Genomes[z.GenomeHash] = z.Name
}

// Reindex moves a zooid between state sets after a lifecycle change.
func (s *Snapshot) Reindex(z *Zooid, from State) {
	n := s.Niche(z.Ecosystem, z.Niche)
	n.remove(from, z.Name)
	n.add(z.LifecycleState, z.Name)
}

// InState lists zooid names in the given state for a niche, sorted.
func (s *Snapshot) InState(ecosystem, niche string, state State) []string {
	n, ok := s.Niches[NicheKey(ecosystem, niche)]
	if !ok {
		return nil
	}
	set := n.Set(state)
	out := make([]string, len(set))
	copy(out, set)
	return out
}
