package registry

import (
	"sort"
	"time"
)

// Reconcile repairs index drift by rebuilding the niche and genome indexes
// from the zooid objects, which are authoritative. Duplicate genomes retire
// every claimant except the earliest entered. Returns the number of fixes.
func (s *Snapshot) Reconcile() int {
	fixes := 0

	// Rebuild niche indexes from scratch.
	rebuilt := make(map[string]*NicheIndex)
	for _, z := range s.Zooids {
		key := NicheKey(z.Ecosystem, z.Niche)
		n, ok := rebuilt[key]
		if !ok {
			n = &NicheIndex{Ecosystem: z.Ecosystem, Niche: z.Niche}
			rebuilt[key] = n
		}
		n.add(z.LifecycleState, z.Name)
	}
	if !indexesEqual(s.Niches, rebuilt) {
		fixes++
	}
	s.Niches = rebuilt

	// Resolve duplicate genome claims: earliest entered_ts wins, the rest
	// are retired.
	claims := make(map[string][]*Zooid)
	for _, z := range s.Zooids {
		claims[z.GenomeHash] = append(claims[z.GenomeHash], z)
	}
	genomes := make(map[string]string, len(claims))
	now := time.Now()
	for hash, claimants := range claims {
		sort.Slice(claimants, func(i, j int) bool {
			if claimants[i].EnteredTS.Equal(claimants[j].EnteredTS) {
				return claimants[i].Name < claimants[j].Name
			}
			return claimants[i].EnteredTS.Before(claimants[j].EnteredTS)
		})
		genomes[hash] = claimants[0].Name
		for _, loser := range claimants[1:] {
			if loser.LifecycleState == StateRetired {
				continue
			}
			from := loser.LifecycleState
			loser.LifecycleState = StateRetired
			loser.RetiredTS = now
			loser.RetiredReason = "duplicate_genome"
			loser.LastTransitionTS = now
			s.Reindex(loser, from)
			fixes++
		}
	}
	if len(genomes) != len(s.Genomes) {
		fixes++
	} else {
		for h, owner := range genomes {
			if s.Genomes[h] != owner {
				fixes++
				break
			}
		}
	}
	s.Genomes = genomes

	return fixes
}

func indexesEqual(a, b map[string]*NicheIndex) bool {
	if len(a) != len(b) {
		return false
	}
	for key, an := range a {
		bn, ok := b[key]
		if !ok {
			return false
		}
		for _, state := range allStates {
			as, bs := an.Set(state), bn.Set(state)
			if len(as) != len(bs) {
				return false
			}
			for i := range as {
				if as[i] != bs[i] {
					return false
				}
			}
		}
	}
	return true
}
