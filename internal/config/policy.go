package config

import (
	"fmt"
	"time"
)

// PolicyConfig is the lifecycle policy: system-wide defaults plus per-niche
// overrides. A zero field in an override inherits the default.
type PolicyConfig struct {
	Defaults NichePolicy            `yaml:"defaults"`
	Niches   map[string]NichePolicy `yaml:"niches"`
}

// NichePolicy carries the gate parameters for one niche. Individual zooids
// may override these again at registration time.
type NichePolicy struct {
	// PhaseThreshold is the minimum weighted mean fitness for graduation.
	PhaseThreshold float64 `yaml:"phase_threshold"`
	// MinPhaseEvidence is the minimum synthetic observation count.
	MinPhaseEvidence int `yaml:"min_phase_evidence"`
	// ProdGuardFailuresThreshold trips quarantine at this many failures
	// inside the quarantine window.
	ProdGuardFailuresThreshold int `yaml:"prod_guard_failures_threshold"`
	// QuarantineWindowSec is both the failure-count window and the base
	// cooldown unit.
	QuarantineWindowSec int `yaml:"quarantine_window_sec"`
	// DemotionCeiling retires a zooid once demotions reach it.
	DemotionCeiling int `yaml:"demotion_ceiling"`
	// DemotionBackoffCap caps the cooldown exponent.
	DemotionBackoffCap int `yaml:"demotion_backoff_cap"`
	// PhaseHalfLifeSec is the exponential decay half-life for synthetic
	// fitness aggregation.
	PhaseHalfLifeSec int `yaml:"phase_half_life_sec"`
	// HeartbeatSLOSec is how long graduation waits for a first heartbeat
	// before rolling back.
	HeartbeatSLOSec int `yaml:"heartbeat_slo_sec"`
	// HeartbeatIntervalSec is the expected cadence of ACTIVE heartbeats.
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	// CandidateTimeoutSec is the hard wall-clock limit per workload run.
	CandidateTimeoutSec int `yaml:"candidate_timeout_sec"`
}

// ForNiche resolves the effective policy for a niche.
func (p *PolicyConfig) ForNiche(niche string) NichePolicy {
	override, ok := p.Niches[niche]
	if !ok {
		return p.Defaults
	}
	return p.Defaults.merge(override)
}

// merge overlays non-zero override fields on the receiver.
func (d NichePolicy) merge(o NichePolicy) NichePolicy {
	out := d
	if o.PhaseThreshold > 0 {
		out.PhaseThreshold = o.PhaseThreshold
	}
	if o.MinPhaseEvidence > 0 {
		out.MinPhaseEvidence = o.MinPhaseEvidence
	}
	if o.ProdGuardFailuresThreshold > 0 {
		out.ProdGuardFailuresThreshold = o.ProdGuardFailuresThreshold
	}
	if o.QuarantineWindowSec > 0 {
		out.QuarantineWindowSec = o.QuarantineWindowSec
	}
	if o.DemotionCeiling > 0 {
		out.DemotionCeiling = o.DemotionCeiling
	}
	if o.DemotionBackoffCap > 0 {
		out.DemotionBackoffCap = o.DemotionBackoffCap
	}
	if o.PhaseHalfLifeSec > 0 {
		out.PhaseHalfLifeSec = o.PhaseHalfLifeSec
	}
	if o.HeartbeatSLOSec > 0 {
		out.HeartbeatSLOSec = o.HeartbeatSLOSec
	}
	if o.HeartbeatIntervalSec > 0 {
		out.HeartbeatIntervalSec = o.HeartbeatIntervalSec
	}
	if o.CandidateTimeoutSec > 0 {
		out.CandidateTimeoutSec = o.CandidateTimeoutSec
	}
	return out
}

func (p NichePolicy) validate(scope string) error {
	if p.PhaseThreshold < 0 || p.PhaseThreshold > 1 {
		return fmt.Errorf("%w: %s: phase_threshold must be in [0,1]", ErrPolicy, scope)
	}
	if p.MinPhaseEvidence < 0 {
		return fmt.Errorf("%w: %s: min_phase_evidence must be non-negative", ErrPolicy, scope)
	}
	if p.QuarantineWindowSec <= 0 {
		return fmt.Errorf("%w: %s: quarantine_window_sec must be positive", ErrPolicy, scope)
	}
	if p.PhaseHalfLifeSec <= 0 {
		return fmt.Errorf("%w: %s: phase_half_life_sec must be positive", ErrPolicy, scope)
	}
	if p.HeartbeatIntervalSec < 10 {
		return fmt.Errorf("%w: %s: heartbeat_interval_sec floor is 10", ErrPolicy, scope)
	}
	if p.DemotionCeiling <= 0 {
		return fmt.Errorf("%w: %s: demotion_ceiling must be positive", ErrPolicy, scope)
	}
	return nil
}

// QuarantineWindow returns the window as a duration.
func (p NichePolicy) QuarantineWindow() time.Duration {
	return time.Duration(p.QuarantineWindowSec) * time.Second
}

// PhaseHalfLife returns the decay half-life as a duration.
func (p NichePolicy) PhaseHalfLife() time.Duration {
	return time.Duration(p.PhaseHalfLifeSec) * time.Second
}

// HeartbeatSLO returns the heartbeat wait as a duration.
func (p NichePolicy) HeartbeatSLO() time.Duration {
	return time.Duration(p.HeartbeatSLOSec) * time.Second
}

// CandidateTimeout returns the per-candidate workload limit as a duration.
func (p NichePolicy) CandidateTimeout() time.Duration {
	return time.Duration(p.CandidateTimeoutSec) * time.Second
}

// Cooldown computes the quarantine cooldown after the given demotion count:
// window * 2^min(demotions, cap).
func (p NichePolicy) Cooldown(demotions int) time.Duration {
	exp := demotions
	if exp > p.DemotionBackoffCap {
		exp = p.DemotionBackoffCap
	}
	return p.QuarantineWindow() * time.Duration(1<<uint(exp))
}
