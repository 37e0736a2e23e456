package introspect

import (
	"context"
	"fmt"
	"sort"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
)

// Finding is one structured scanner result.
type Finding struct {
	// Signal is the label the finding is emitted under.
	Signal string
	Type   string
	Daemon string
	Issue  string
	Facts  map[string]interface{}
}

// Scanner analyzes the observation cache. Implementations must honor ctx.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, cache *ObservationCache) []Finding
}

// LatencyScanner flags zooids whose recent time-to-resolution p95 crosses
// the threshold.
type LatencyScanner struct {
	// ThresholdMs is the p95 ceiling.
	ThresholdMs float64
}

func (s *LatencyScanner) Name() string { return "latency" }

func (s *LatencyScanner) Scan(ctx context.Context, cache *ObservationCache) []Finding {
	byZooid := make(map[string][]float64)
	for _, m := range cache.Signals(chembus.SignalObservation) {
		if ctx.Err() != nil {
			return nil
		}
		zooid, _ := m.Facts["zooid"].(string)
		ttr, ok := m.Facts["ttr_ms"].(float64)
		if zooid == "" || !ok {
			continue
		}
		byZooid[zooid] = append(byZooid[zooid], ttr)
	}

	var findings []Finding
	for zooid, samples := range byZooid {
		if len(samples) < 5 {
			continue
		}
		p95 := percentile(samples, 0.95)
		if p95 > s.ThresholdMs {
			findings = append(findings, Finding{
				Signal: "BOTTLENECK_DETECTED",
				Type:   "latency",
				Daemon: zooid,
				Issue:  fmt.Sprintf("ttr p95 %.0fms over %.0fms ceiling", p95, s.ThresholdMs),
				Facts: map[string]interface{}{
					"zooid":   zooid,
					"p95_ms":  p95,
					"samples": len(samples),
				},
			})
		}
	}
	return findings
}

// FailureRateScanner flags zooids whose recent failure share crosses the
// threshold.
type FailureRateScanner struct {
	// MaxFailureRate is the tolerated share of failed observations.
	MaxFailureRate float64
}

func (s *FailureRateScanner) Name() string { return "failure-rate" }

func (s *FailureRateScanner) Scan(ctx context.Context, cache *ObservationCache) []Finding {
	type tally struct{ total, failed int }
	byZooid := make(map[string]*tally)
	for _, m := range cache.Signals(chembus.SignalObservation) {
		if ctx.Err() != nil {
			return nil
		}
		zooid, _ := m.Facts["zooid"].(string)
		if zooid == "" {
			continue
		}
		t, exists := byZooid[zooid]
		if !exists {
			t = &tally{}
			byZooid[zooid] = t
		}
		t.total++
		if ok, has := m.Facts["ok"].(bool); has && !ok {
			t.failed++
		}
	}

	var findings []Finding
	for zooid, t := range byZooid {
		if t.total < 5 {
			continue
		}
		rate := float64(t.failed) / float64(t.total)
		if rate > s.MaxFailureRate {
			findings = append(findings, Finding{
				Signal: "PERFORMANCE_DEGRADED",
				Type:   "failure_rate",
				Daemon: zooid,
				Issue:  fmt.Sprintf("failure rate %.0f%% over %.0f%% ceiling", rate*100, s.MaxFailureRate*100),
				Facts: map[string]interface{}{
					"zooid":        zooid,
					"failure_rate": rate,
					"samples":      t.total,
				},
			})
		}
	}
	return findings
}

// QuietZooidScanner flags heartbeating zooids that report no observations:
// liveness without output suggests a capability gap.
type QuietZooidScanner struct{}

func (s *QuietZooidScanner) Name() string { return "quiet-zooid" }

func (s *QuietZooidScanner) Scan(ctx context.Context, cache *ObservationCache) []Finding {
	beating := make(map[string]bool)
	for _, m := range cache.Signals(chembus.SignalHeartbeat) {
		if ctx.Err() != nil {
			return nil
		}
		if m.Sender != "" {
			beating[m.Sender] = true
		}
	}
	for _, m := range cache.Signals(chembus.SignalObservation) {
		if zooid, _ := m.Facts["zooid"].(string); zooid != "" {
			delete(beating, zooid)
		}
	}

	names := make([]string, 0, len(beating))
	for name := range beating {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []Finding
	for _, name := range names {
		findings = append(findings, Finding{
			Signal: "CAPABILITY_GAP_FOUND",
			Type:   "quiet_zooid",
			Daemon: name,
			Issue:  "heartbeating but reporting no observations",
			Facts:  map[string]interface{}{"zooid": name},
		})
	}
	return findings
}

func percentile(samples []float64, p float64) float64 {
	sorted := append([]float64{}, samples...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
