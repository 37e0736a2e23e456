// Package lifecycle performs every lifecycle state change made by the
// components; the one exception is registry.Reconcile, which retires
// duplicate-genome claimants at load. Components invoke it inside registry
// transactions; the
// transition table and gates live here so every caller shares one rule set.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/registry"
)

// Reason tags a transition with its cause.
type Reason string

const (
	ReasonSpawned              Reason = "spawned_by_bioreactor"
	ReasonBatchStart           Reason = "batch_start"
	ReasonGraduation           Reason = "graduation"
	ReasonInsufficientEvidence Reason = "insufficient_evidence"
	ReasonLowFitness           Reason = "low_fitness"
	ReasonSyntheticCatastrophe Reason = "synthetic_catastrophe"
	ReasonProdGuardTrip        Reason = "prod_guard_trip"
	ReasonRollbackNoHeartbeat  Reason = "rollback_no_heartbeat"
	ReasonDemotionCeiling      Reason = "demotion_ceiling"
	ReasonOrphanEviction       Reason = "orphan_eviction"
	ReasonTournamentLoss       Reason = "tournament_loss"
)

// EventSchemaVersion stamps lifecycle event records.
const EventSchemaVersion = "1.0"

// Event is one recorded transition with full provenance. Appended to the
// lifecycle_events ledger and published on the bus as zooid_state_change.
type Event struct {
	SchemaVersion string         `json:"schema_version"`
	TS            time.Time      `json:"ts"`
	Zooid         string         `json:"zooid"`
	Ecosystem     string         `json:"ecosystem"`
	Niche         string         `json:"niche"`
	From          registry.State `json:"from"`
	To            registry.State `json:"to"`
	Reason        Reason         `json:"reason"`
	GenomeHash    string         `json:"genome_hash"`
	ParentLineage []string       `json:"parent_lineage,omitempty"`
	PhaseFit      float64        `json:"phase_fit"`
	PhaseEv       int            `json:"phase_ev"`
	ProdOK        float64        `json:"prod_ok"`
	ProdEv        int            `json:"prod_ev"`
	ServiceAction string         `json:"service_action,omitempty"`
}

// allowed is the transition table. RETIRED is terminal.
func allowed(from, to registry.State) bool {
	switch from {
	case registry.StateDormant:
		return to == registry.StateProbation || to == registry.StateRetired
	case registry.StateProbation:
		return to == registry.StateDormant || to == registry.StateActive || to == registry.StateRetired
	case registry.StateActive:
		return to == registry.StateDormant || to == registry.StateRetired
	case registry.StateRetired:
		return false
	}
	return false
}

// Transition moves a zooid to a new state inside a registry transaction,
// stamping timestamps and reindexing. The returned event carries the
// provenance the caller persists and publishes.
func Transition(s *registry.Snapshot, z *registry.Zooid, to registry.State, reason Reason, serviceAction string, now time.Time) (*Event, error) {
	from := z.LifecycleState
	if !allowed(from, to) {
		return nil, fmt.Errorf("transition %s -> %s not allowed (reason %s)", from, to, reason)
	}

	z.LifecycleState = to
	z.LastTransitionTS = now
	switch to {
	case registry.StateActive:
		z.PromotedTS = now
	case registry.StateRetired:
		z.RetiredTS = now
		z.RetiredReason = string(reason)
	}
	s.Reindex(z, from)

	return &Event{
		SchemaVersion: EventSchemaVersion,
		TS:            now,
		Zooid:         z.Name,
		Ecosystem:     z.Ecosystem,
		Niche:         z.Niche,
		From:          from,
		To:            to,
		Reason:        reason,
		GenomeHash:    z.GenomeHash,
		ParentLineage: z.ParentLineage,
		PhaseFit:      z.Phase.FitnessMean,
		PhaseEv:       z.Phase.Evidence,
		ProdOK:        z.Prod.OKRate,
		ProdEv:        z.Prod.Evidence,
		ServiceAction: serviceAction,
	}, nil
}

// Policy resolves the effective policy for a zooid: per-zooid override
// merged over the niche policy.
func Policy(z *registry.Zooid, policies *config.PolicyConfig) config.NichePolicy {
	base := policies.ForNiche(z.Niche)
	if z.Policy == nil {
		return base
	}
	merged := config.PolicyConfig{
		Defaults: base,
		Niches:   map[string]config.NichePolicy{z.Niche: *z.Policy},
	}
	return merged.ForNiche(z.Niche)
}

// GateResult is the graduation gate outcome.
type GateResult struct {
	Pass   bool
	Reason Reason // failure reason when Pass is false
}

// GraduationGate applies the PROBATION -> ACTIVE gate: mean fitness at or
// above threshold, evidence at or above the minimum, and no production
// guard trips since batch start.
func GraduationGate(z *registry.Zooid, p config.NichePolicy) GateResult {
	if z.Phase.Evidence < p.MinPhaseEvidence {
		return GateResult{Reason: ReasonInsufficientEvidence}
	}
	if z.Phase.FitnessMean < p.PhaseThreshold {
		return GateResult{Reason: ReasonLowFitness}
	}
	if z.ProdGuardFailures != 0 {
		return GateResult{Reason: ReasonProdGuardTrip}
	}
	return GateResult{Pass: true}
}

// NextDemotionState decides where a demotion lands: RETIRED once the
// demotion count has reached the ceiling, DORMANT otherwise.
func NextDemotionState(z *registry.Zooid, p config.NichePolicy) registry.State {
	if z.Demotions >= p.DemotionCeiling {
		return registry.StateRetired
	}
	return registry.StateDormant
}

// EligibleForBatch reports whether a DORMANT zooid may join a PHASE batch:
// cooldown elapsed and not retired.
func EligibleForBatch(z *registry.Zooid, now time.Time) bool {
	if z.LifecycleState != registry.StateDormant {
		return false
	}
	if !z.QuarantineUntil.IsZero() && now.Before(z.QuarantineUntil) {
		return false
	}
	return true
}
