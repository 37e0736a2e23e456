package lifecycle

import (
	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/ledger"
	"github.com/HomoYouDidnt/kloros/internal/logging"
	"github.com/HomoYouDidnt/kloros/internal/metrics"
)

// SignalStateChange is published on the bus for every transition.
const SignalStateChange = "zooid_state_change"

// Recorder persists transition events to the lifecycle_events ledger and
// publishes them on the bus. One recorder per supervising process; the
// ledger keeps its single-writer discipline.
type Recorder struct {
	appender *ledger.Appender
	pub      *chembus.Publisher
	metrics  *metrics.Metrics
}

// NewRecorder opens the lifecycle_events ledger.
func NewRecorder(path string, bus *chembus.Bus, m *metrics.Metrics) (*Recorder, error) {
	appender, err := ledger.OpenAppender(path, true)
	if err != nil {
		return nil, err
	}
	r := &Recorder{appender: appender, metrics: m}
	if bus != nil {
		r.pub = bus.Publisher("lifecycle")
	}
	return r, nil
}

// Record appends the event and publishes it. Ledger failure is surfaced;
// bus publication is best-effort.
func (r *Recorder) Record(ev *Event) error {
	if err := r.appender.Append(ev); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.Transitions.WithLabelValues(string(ev.From), string(ev.To)).Inc()
	}
	logging.Get(logging.CategoryLifecycle).Info("%s: %s -> %s (%s)", ev.Zooid, ev.From, ev.To, ev.Reason)
	if r.pub != nil {
		_ = r.pub.Emit(SignalStateChange, ev.Ecosystem, 1.0, map[string]interface{}{
			"zooid":          ev.Zooid,
			"from":           string(ev.From),
			"to":             string(ev.To),
			"reason":         string(ev.Reason),
			"genome_hash":    ev.GenomeHash,
			"parent_lineage": ev.ParentLineage,
			"phase_fit":      ev.PhaseFit,
			"phase_ev":       ev.PhaseEv,
			"prod_ok":        ev.ProdOK,
			"prod_ev":        ev.ProdEv,
			"service_action": ev.ServiceAction,
		})
	}
	return nil
}

// Close releases the ledger handle.
func (r *Recorder) Close() error {
	return r.appender.Close()
}
