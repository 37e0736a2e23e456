package config

import "path/filepath"

// Persisted state layout under StateDir. Components resolve every artifact
// through these helpers so the layout lives in one place.

// RegistryDir holds numbered snapshots and the canonical pointer.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.StateDir, "registry")
}

// LineageDir holds the phase_queue, phase_fitness, and fitness_ledger files.
func (c *Config) LineageDir() string {
	return filepath.Join(c.StateDir, "lineage")
}

// PhaseQueuePath is the candidate queue ledger.
func (c *Config) PhaseQueuePath() string {
	return filepath.Join(c.LineageDir(), "phase_queue")
}

// PhaseFitnessPath is the synthetic fitness ledger.
func (c *Config) PhaseFitnessPath() string {
	return filepath.Join(c.LineageDir(), "phase_fitness")
}

// FitnessLedgerPath is the production observation ledger.
func (c *Config) FitnessLedgerPath() string {
	return filepath.Join(c.LineageDir(), "fitness_ledger")
}

// ObservabilityDir holds lifecycle_events and bus_history.
func (c *Config) ObservabilityDir() string {
	return filepath.Join(c.StateDir, "observability")
}

// LifecycleEventsPath is the append-only transition log.
func (c *Config) LifecycleEventsPath() string {
	return filepath.Join(c.ObservabilityDir(), "lifecycle_events")
}

// BusHistoryPath is the rolling bus traffic log.
func (c *Config) BusHistoryPath() string {
	return filepath.Join(c.ObservabilityDir(), "bus_history")
}

// EpisodicStorePath is the sqlite database receiving compacted segments.
func (c *Config) EpisodicStorePath() string {
	return filepath.Join(c.StateDir, "episodic.db")
}

// LocksDir holds coordination lock files.
func (c *Config) LocksDir() string {
	return filepath.Join(c.StateDir, "locks")
}

// ColonyLockPath is the global coordination lock serializing Bioreactor,
// PHASE, and Graduator activity.
func (c *Config) ColonyLockPath() string {
	return filepath.Join(c.LocksDir(), "colony_cycle.lock")
}

// SignalsDir holds filesystem-visible orchestration signal files.
func (c *Config) SignalsDir() string {
	return filepath.Join(c.StateDir, "signals")
}

// EmergencyStopPath is the kill-switch file.
func (c *Config) EmergencyStopPath() string {
	return filepath.Join(c.StateDir, "emergency_stop")
}

// KeysPath resolves the keys artifact, honoring absolute overrides.
func (c *Config) KeysPath() string {
	if filepath.IsAbs(c.Keys.Path) {
		return c.Keys.Path
	}
	return filepath.Join(c.StateDir, c.Keys.Path)
}
