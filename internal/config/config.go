// Package config holds all KLoROS lifecycle-core configuration: lifecycle
// policy defaults with per-niche overrides, workload profiles, signing keys,
// scheduler entries, and the on-disk state layout.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/HomoYouDidnt/kloros/internal/logging"
)

// ErrPolicy marks an internally inconsistent configuration. Fatal on load.
var ErrPolicy = errors.New("operator policy error")

// Config holds all KLoROS core configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// StateDir is the root of all persisted state (registry, ledgers,
	// history, locks, signals).
	StateDir string `yaml:"state_dir"`

	Policy     PolicyConfig               `yaml:"policy"`
	Profiles   map[string]WorkloadProfile `yaml:"workload_profiles"`
	Keys       KeysConfig                 `yaml:"keys"`
	Schedules  map[string]ScheduleEntry   `yaml:"schedules"`
	Bus        BusConfig                  `yaml:"bus"`
	Phase      PhaseConfig                `yaml:"phase"`
	Bioreactor BioreactorConfig           `yaml:"bioreactor"`
	Historian  HistorianConfig            `yaml:"historian"`
	Introspect IntrospectConfig           `yaml:"introspect"`
	Registry   RegistryConfig             `yaml:"registry"`
	Logging    LoggingConfig              `yaml:"logging"`

	// MaxClockSkewSec is the NTP skew beyond which schedule-critical
	// components refuse to start.
	MaxClockSkewSec int `yaml:"max_clock_skew_sec"`
}

// LoggingConfig controls the category file loggers.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// RegistryConfig controls snapshot retention and prod-snapshot backfill.
type RegistryConfig struct {
	// RetainedSnapshots is how many old snapshot versions stay on disk
	// for rollback.
	RetainedSnapshots int `yaml:"retained_snapshots"`
	// Backfill rebuilds prod snapshots from an existing fitness ledger
	// when the registry starts fresh.
	Backfill bool `yaml:"backfill"`
}

// BusConfig controls ChemBus queue bounds and rate limiting.
type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
	// RateLimitPerSec is the per-publisher token bucket refill rate.
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	// SubscriberErrorThreshold quarantines a subscriber after this many
	// consecutive handler failures.
	SubscriberErrorThreshold int `yaml:"subscriber_error_threshold"`
	// CriticalBlockMs is how long publishers block on a full queue for
	// critical topics before giving up.
	CriticalBlockMs int `yaml:"critical_block_ms"`
}

// PhaseConfig wires the resident process to the workload driver. An empty
// binary leaves PHASE to the `kloros phase` subcommand.
type PhaseConfig struct {
	DriverBinary string   `yaml:"driver_binary"`
	DriverArgs   []string `yaml:"driver_args"`
	DriverEnv    []string `yaml:"driver_env"`
}

// BioreactorConfig bounds the spawner and tournament.
type BioreactorConfig struct {
	// CandidatesPerNiche is how many phenotypes each tick differentiates.
	CandidatesPerNiche int `yaml:"candidates_per_niche"`
	// TournamentWinners is the top-k kept per niche per tick.
	TournamentWinners int `yaml:"tournament_winners"`
	// MinActivePerNiche is the floor the tournament never drops below.
	MinActivePerNiche int `yaml:"min_active_per_niche"`
	// LossesBeforeRetire retires an ACTIVE loser after this many
	// consecutive losing ticks. Zero disables loser retirement.
	LossesBeforeRetire int `yaml:"losses_before_retire"`
	// Niches are the populations the spawner maintains.
	Niches []NicheSpec `yaml:"niches"`
}

// PhenotypeBound is the sampling range for one phenotype parameter.
type PhenotypeBound struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// NicheSpec describes one evolvable population.
type NicheSpec struct {
	Ecosystem string `yaml:"ecosystem"`
	Niche     string `yaml:"niche"`
	// Profile names the workload profile candidates are queued against.
	Profile string `yaml:"profile"`
	// ModuleSource is the zooid module template: a file path when it
	// resolves, otherwise treated as literal source.
	ModuleSource string `yaml:"module_source"`
	// PhenotypeBounds bound the per-niche mutation operators.
	PhenotypeBounds map[string]PhenotypeBound `yaml:"phenotype_bounds"`
}

// HistorianConfig bounds bus history and consolidation.
type HistorianConfig struct {
	// SoftCapBytes triggers an emergency rotation of bus_history.
	SoftCapBytes int64 `yaml:"soft_cap_bytes"`
	// ConsolidateAfterSec is the cutoff age for consolidation.
	ConsolidateAfterSec int `yaml:"consolidate_after_sec"`
	// PreserveSignals lists labels kept verbatim in compacted records.
	PreserveSignals []string `yaml:"preserve_signals"`
}

// IntrospectConfig bounds the observation cache and scanners.
type IntrospectConfig struct {
	CacheMaxMessages  int `yaml:"cache_max_messages"`
	CacheMaxAgeSec    int `yaml:"cache_max_age_sec"`
	ScanTimeoutSec    int `yaml:"scan_timeout_sec"`
	FingerprintTTLSec int `yaml:"fingerprint_ttl_sec"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "KLoROS",
		Version: "1.0.0",

		StateDir: "state",

		Policy: PolicyConfig{
			Defaults: NichePolicy{
				PhaseThreshold:             0.70,
				MinPhaseEvidence:           50,
				ProdGuardFailuresThreshold: 3,
				QuarantineWindowSec:        900,
				DemotionCeiling:            2,
				DemotionBackoffCap:         6,
				PhaseHalfLifeSec:           43200,
				HeartbeatSLOSec:            30,
				HeartbeatIntervalSec:       10,
				CandidateTimeoutSec:        30,
			},
			Niches: map[string]NichePolicy{},
		},

		Profiles: map[string]WorkloadProfile{
			"baseline": {
				SimulatedHours: 1.0,
				IncidentMix:    map[string]float64{"latency_spike": 0.6, "error_burst": 0.4},
				Intensity:      1.0,
				Weights:        map[string]float64{"latency_p95": 0.4, "error_rate": 0.4, "throughput": 0.2},
			},
		},

		Keys: KeysConfig{
			Path:     "keys.yaml",
			RingSize: 2,
		},

		Schedules: map[string]ScheduleEntry{
			"introspection_scan": {
				IntervalSec: 5,
				Signal:      "Q_TRIGGER_INTROSPECTION",
				Ecosystem:   "core",
				Adaptive:    true,
				SlowFactor:  2.0,
				FastFactor:  0.67,
			},
			"curiosity_generation": {
				IntervalSec: 60,
				Signal:      "Q_TRIGGER_CURIOSITY",
				Ecosystem:   "core",
				Adaptive:    true,
				SlowFactor:  2.0,
				FastFactor:  0.67,
			},
			"action_processing": {
				IntervalSec: 300,
				Signal:      "Q_TRIGGER_ACTIONS",
				Ecosystem:   "core",
				Adaptive:    true,
				SlowFactor:  2.0,
				FastFactor:  0.67,
			},
			"consolidation": {
				IntervalSec: 21600,
				Signal:      "Q_TRIGGER_CONSOLIDATION",
				Ecosystem:   "core",
				Critical:    true,
			},
			"bioreactor_tick": {
				IntervalSec: 86400,
				Signal:      "Q_TRIGGER_BIOREACTOR",
				Ecosystem:   "core",
				Critical:    true,
			},
			"phase_deep": {
				IntervalSec: 86400,
				Signal:      "Q_TRIGGER_PHASE",
				Ecosystem:   "core",
				Critical:    true,
			},
		},

		Bus: BusConfig{
			QueueSize:                1024,
			RateLimitPerSec:          1000,
			SubscriberErrorThreshold: 10,
			CriticalBlockMs:          250,
		},

		Bioreactor: BioreactorConfig{
			CandidatesPerNiche: 3,
			TournamentWinners:  2,
			MinActivePerNiche:  1,
			LossesBeforeRetire: 0,
		},

		Historian: HistorianConfig{
			SoftCapBytes:        500 * 1024 * 1024,
			ConsolidateAfterSec: 86400,
			PreserveSignals: []string{
				"CAPABILITY_GAP_FOUND",
				"BOTTLENECK_DETECTED",
				"PERFORMANCE_DEGRADED",
			},
		},

		Introspect: IntrospectConfig{
			CacheMaxMessages:  5000,
			CacheMaxAgeSec:    3600,
			ScanTimeoutSec:    30,
			FingerprintTTLSec: 3600,
		},

		Registry: RegistryConfig{
			RetainedSnapshots: 32,
			Backfill:          false,
		},

		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},

		MaxClockSkewSec: 5,
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("Config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("Config loaded: state_dir=%s niches=%d profiles=%d",
		cfg.StateDir, len(cfg.Policy.Niches), len(cfg.Profiles))
	return cfg, cfg.Validate()
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("KLOROS_STATE_DIR"); dir != "" {
		c.StateDir = dir
	}
	if path := os.Getenv("KLOROS_KEYS_PATH"); path != "" {
		c.Keys.Path = path
	}
	if level := os.Getenv("KLOROS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the configuration for internal consistency. Violations are
// operator policy errors and fatal on load.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("%w: state_dir is required", ErrPolicy)
	}
	if err := c.Policy.Defaults.validate("defaults"); err != nil {
		return err
	}
	for niche, p := range c.Policy.Niches {
		merged := c.Policy.Defaults.merge(p)
		if err := merged.validate(niche); err != nil {
			return err
		}
	}
	for name, p := range c.Profiles {
		if p.SimulatedHours <= 0 {
			return fmt.Errorf("%w: profile %s: simulated_hours must be positive", ErrPolicy, name)
		}
		if len(p.Weights) == 0 {
			return fmt.Errorf("%w: profile %s: metric weights required", ErrPolicy, name)
		}
	}
	for name, s := range c.Schedules {
		if s.IntervalSec <= 0 {
			return fmt.Errorf("%w: schedule %s: interval_sec must be positive", ErrPolicy, name)
		}
		if s.Signal == "" {
			return fmt.Errorf("%w: schedule %s: signal label required", ErrPolicy, name)
		}
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("%w: bus queue_size must be positive", ErrPolicy)
	}
	if c.Bioreactor.MinActivePerNiche < 0 {
		return fmt.Errorf("%w: bioreactor min_active_per_niche must be non-negative", ErrPolicy)
	}
	return nil
}
