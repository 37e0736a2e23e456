package ledger

import "time"

// RecordSchemaVersion stamps every ledger record. Readers tolerate
// minor-version additions and reject unknown major versions.
const RecordSchemaVersion = "1.0"

// PhaseQueueRecord enqueues a candidate for synthetic evaluation.
type PhaseQueueRecord struct {
	SchemaVersion string    `json:"schema_version"`
	TS            time.Time `json:"ts"`
	Zooid         string    `json:"zooid"`
	Ecosystem     string    `json:"ecosystem"`
	Niche         string    `json:"niche"`
	GenomeHash    string    `json:"genome_hash"`
	Profile       string    `json:"profile"`
	Seed          int64     `json:"seed"`
}

// PhaseFitnessRecord is one per-candidate per-batch synthetic observation.
type PhaseFitnessRecord struct {
	SchemaVersion string             `json:"schema_version"`
	TS            time.Time          `json:"ts"`
	BatchID       string             `json:"batch_id"`
	Zooid         string             `json:"zooid"`
	Profile       string             `json:"profile"`
	Seed          int64              `json:"seed"`
	SimulatedHrs  float64            `json:"simulated_hours"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	// Observations is the simulated observation count backing this record;
	// the graduator sums it into phase.evidence.
	Observations int     `json:"observations"`
	Composite    float64 `json:"composite"`
	DecayWeight  float64 `json:"decay_weight"`
	// Error flags a crashed or timed-out run; the composite is zero and
	// weighted normally.
	Error     string   `json:"error,omitempty"`
	Anomalies []string `json:"anomalies,omitempty"`
}

// ObservationRecord is one production outcome in the fitness ledger.
type ObservationRecord struct {
	SchemaVersion string    `json:"schema_version"`
	TS            time.Time `json:"ts"`
	Zooid         string    `json:"zooid"`
	Niche         string    `json:"niche"`
	Ecosystem     string    `json:"ecosystem"`
	OK            bool      `json:"ok"`
	TTRMs         float64   `json:"ttr_ms"`
	IncidentID    string    `json:"incident_id"`
	Signature     string    `json:"signature"`
	// Labels carry variant/brainmod metadata from the registry entry.
	Labels map[string]string `json:"labels,omitempty"`
}
