package registry

import (
	"errors"
	"fmt"
)

// ErrCorrupt marks a snapshot that fails validation on load. Fatal to
// startup; the operator restores a prior snapshot or runs migration.
var ErrCorrupt = errors.New("corrupt registry")

// InvariantViolation names the broken rule when a transaction would commit
// inconsistent state. Nothing is written when it is returned.
type InvariantViolation struct {
	Rule   string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Rule, e.Detail)
}

func violation(rule, format string, args ...interface{}) error {
	return &InvariantViolation{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

var allStates = []State{StateDormant, StateProbation, StateActive, StateRetired}

// Validate checks the §3 invariants. Rules are named so operators can map a
// failure back to the spec:
//
//	index-membership   every indexed name exists and matches its set
//	single-index       a zooid appears in exactly one state set of its niche
//	genome-bijection   genomes[z.genome_hash] == z.name
//	monotonic-ts       entered <= promoted <= last_transition
//	state-indexed      every zooid is indexed under its niche
func (s *Snapshot) Validate() error {
	for key, n := range s.Niches {
		if NicheKey(n.Ecosystem, n.Niche) != key {
			return violation("index-membership", "niche index %q keyed under %q", NicheKey(n.Ecosystem, n.Niche), key)
		}
		for _, state := range allStates {
			for _, name := range n.Set(state) {
				z, ok := s.Zooids[name]
				if !ok {
					return violation("index-membership", "%s indexed in %s/%s but not in zooid table", name, key, state)
				}
				if z.LifecycleState != state {
					return violation("index-membership", "%s indexed as %s but is %s", name, state, z.LifecycleState)
				}
				if NicheKey(z.Ecosystem, z.Niche) != key {
					return violation("index-membership", "%s indexed under %s but belongs to %s", name, key, NicheKey(z.Ecosystem, z.Niche))
				}
			}
		}
	}

	for name, z := range s.Zooids {
		if z.Name != name {
			return violation("index-membership", "zooid %q stored under key %q", z.Name, name)
		}
		n, ok := s.Niches[NicheKey(z.Ecosystem, z.Niche)]
		if !ok {
			return violation("state-indexed", "%s has no niche index %s", name, NicheKey(z.Ecosystem, z.Niche))
		}
		appearances := 0
		for _, state := range allStates {
			if contains(n.Set(state), name) {
				appearances++
				if state != z.LifecycleState {
					return violation("single-index", "%s is %s but indexed in %s", name, z.LifecycleState, state)
				}
			}
		}
		if appearances != 1 {
			return violation("single-index", "%s appears in %d state sets", name, appearances)
		}

		// RETIRED zooids are exempt: a hash maps to at most one live zooid,
		// and duplicate-genome losers stay in the table as retired history.
		if z.LifecycleState != StateRetired {
			owner, ok := s.Genomes[z.GenomeHash]
			if !ok {
				return violation("genome-bijection", "%s genome %s not in genome index", name, z.GenomeHash)
			}
			if owner != name {
				return violation("genome-bijection", "genome %s owned by %s, claimed by %s", z.GenomeHash, owner, name)
			}
		}

		if !z.PromotedTS.IsZero() && z.PromotedTS.Before(z.EnteredTS) {
			return violation("monotonic-ts", "%s promoted_ts before entered_ts", name)
		}
		if !z.LastTransitionTS.IsZero() {
			if z.LastTransitionTS.Before(z.EnteredTS) {
				return violation("monotonic-ts", "%s last_transition_ts before entered_ts", name)
			}
			if !z.PromotedTS.IsZero() && z.LastTransitionTS.Before(z.PromotedTS) {
				return violation("monotonic-ts", "%s last_transition_ts before promoted_ts", name)
			}
		}
	}

	for hash, owner := range s.Genomes {
		z, ok := s.Zooids[owner]
		if !ok {
			return violation("genome-bijection", "genome %s owned by unknown zooid %s", hash, owner)
		}
		if z.GenomeHash != hash {
			return violation("genome-bijection", "genome %s points at %s whose hash is %s", hash, owner, z.GenomeHash)
		}
	}

	return nil
}

func contains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}
