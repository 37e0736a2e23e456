package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/logging"
	"github.com/HomoYouDidnt/kloros/internal/metrics"
	"github.com/HomoYouDidnt/kloros/internal/registry"
	"github.com/HomoYouDidnt/kloros/internal/signing"
)

// SubscriberName is the writer's bus registration.
const SubscriberName = "ledger-writer"

// GovSignatureFail is emitted (rate-limited) on HMAC rejection.
const GovSignatureFail = "governance.signature_fail"

// GovLedgerStalled is emitted when persistent write failure stops intake.
const GovLedgerStalled = "governance.ledger_stalled"

// WriterOptions configures the observation writer.
type WriterOptions struct {
	LedgerPath string
	Ring       *signing.Ring
	Registry   *registry.Registry
	Bus        *chembus.Bus
	Metrics    *metrics.Metrics
	// RollupEvery flushes prod snapshots after this many observations.
	RollupEvery int
	// RollupInterval flushes prod snapshots at least this often.
	RollupInterval time.Duration
	// SignatureFailWindow rate-limits governance.signature_fail.
	SignatureFailWindow time.Duration
	// OnObservation is invoked after each verified, persisted observation.
	// The quarantine monitor hangs off this hook.
	OnObservation func(ObservationRecord)
}

// Writer is the only writer of the fitness ledger. It subscribes to
// OBSERVATION, verifies signatures, appends, and periodically rolls derived
// prod snapshots into the registry.
type Writer struct {
	opts     WriterOptions
	appender *Appender
	breaker  *gobreaker.CircuitBreaker
	pub      *chembus.Publisher

	mu           sync.Mutex
	pending      []ObservationRecord // held while the breaker is open
	rollup       map[string][]ObservationRecord
	sinceRollup  int
	lastRollup   time.Time
	lastSigFail  time.Time
	invalidTotal int64
	stalled      bool

	stopTimer chan struct{}
	wg        sync.WaitGroup
}

// NewWriter opens the ledger and registers on the bus.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.RollupEvery <= 0 {
		opts.RollupEvery = 50
	}
	if opts.RollupInterval <= 0 {
		opts.RollupInterval = 30 * time.Second
	}
	if opts.SignatureFailWindow <= 0 {
		opts.SignatureFailWindow = time.Minute
	}

	appender, err := OpenAppender(opts.LedgerPath, true)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		opts:       opts,
		appender:   appender,
		rollup:     make(map[string][]ObservationRecord),
		lastRollup: time.Now(),
		stopTimer:  make(chan struct{}),
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "fitness_ledger",
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		Timeout: 5 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Get(logging.CategoryLedger).Warn("ledger breaker %s -> %s", from, to)
		},
	})

	if opts.Bus != nil {
		w.pub = opts.Bus.Publisher(SubscriberName)
		if err := opts.Bus.Subscribe(chembus.SignalObservation, w.handle, SubscriberName, ""); err != nil {
			appender.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.rollupLoop()
	return w, nil
}

// handle processes one OBSERVATION message.
func (w *Writer) handle(msg chembus.Message) {
	rec, err := w.verify(msg)
	if err != nil {
		w.rejectSignature(msg, err)
		return
	}
	w.enrich(&rec)

	w.mu.Lock()
	// Preserve ordering: flush any pending backlog before the new record.
	w.pending = append(w.pending, rec)
	queued := append([]ObservationRecord(nil), w.pending...)
	w.flushPendingLocked()
	persisted := queued[:len(queued)-len(w.pending)]
	w.accumulateLocked(rec)
	w.mu.Unlock()

	if w.opts.OnObservation != nil {
		for _, p := range persisted {
			w.opts.OnObservation(p)
		}
	}
}

func (w *Writer) flushPendingLocked() {
	for len(w.pending) > 0 {
		next := w.pending[0]
		_, err := w.breaker.Execute(func() (interface{}, error) {
			return nil, w.appender.Append(next)
		})
		if err != nil {
			if !w.stalled {
				w.stalled = true
				logging.Get(logging.CategoryLedger).Error("fitness ledger write failing, intake stalled: %v", err)
				w.emitGov(GovLedgerStalled, map[string]interface{}{
					"pending": len(w.pending),
					"error":   err.Error(),
				})
			}
			return
		}
		w.pending = w.pending[1:]
		if w.stalled {
			w.stalled = false
			logging.Get(logging.CategoryLedger).Info("fitness ledger recovered, backlog drained")
		}
	}
}

// verify checks the HMAC and decodes the observation facts.
func (w *Writer) verify(msg chembus.Message) (ObservationRecord, error) {
	var rec ObservationRecord
	if msg.Signature == "" {
		return rec, fmt.Errorf("%w: missing signature", signing.ErrSignature)
	}
	if err := w.opts.Ring.Verify(msg.Facts, msg.Signature); err != nil {
		return rec, err
	}

	rec = ObservationRecord{
		SchemaVersion: RecordSchemaVersion,
		TS:            msg.TS,
		Ecosystem:     msg.Ecosystem,
		Signature:     msg.Signature,
	}
	if v, ok := msg.Facts["ts"].(float64); ok {
		rec.TS = time.Unix(int64(v), 0)
	}
	if v, ok := msg.Facts["zooid"].(string); ok {
		rec.Zooid = v
	}
	if v, ok := msg.Facts["niche"].(string); ok {
		rec.Niche = v
	}
	if v, ok := msg.Facts["ecosystem"].(string); ok {
		rec.Ecosystem = v
	}
	if v, ok := msg.Facts["ok"].(bool); ok {
		rec.OK = v
	}
	if v, ok := msg.Facts["ttr_ms"].(float64); ok {
		rec.TTRMs = v
	}
	if v, ok := msg.Facts["incident_id"].(string); ok {
		rec.IncidentID = v
	}
	if rec.Zooid == "" {
		return rec, fmt.Errorf("observation names no zooid")
	}
	return rec, nil
}

// enrich attaches variant/brainmod labels from the registry entry.
func (w *Writer) enrich(rec *ObservationRecord) {
	if w.opts.Registry == nil {
		return
	}
	z, ok := w.opts.Registry.Get(rec.Zooid)
	if !ok {
		return
	}
	if rec.Niche == "" {
		rec.Niche = z.Niche
	}
	if rec.Ecosystem == "" {
		rec.Ecosystem = z.Ecosystem
	}
}

func (w *Writer) rejectSignature(msg chembus.Message, err error) {
	w.mu.Lock()
	w.invalidTotal++
	emit := time.Since(w.lastSigFail) >= w.opts.SignatureFailWindow
	if emit {
		w.lastSigFail = time.Now()
	}
	total := w.invalidTotal
	w.mu.Unlock()

	if w.opts.Metrics != nil {
		w.opts.Metrics.InvalidSignatures.Inc()
	}
	logging.Get(logging.CategoryLedger).Warn("dropped observation from %s: %v (total=%d)", msg.Sender, err, total)
	if emit {
		w.emitGov(GovSignatureFail, map[string]interface{}{
			"sender":                   msg.Sender,
			"invalid_signatures_total": total,
		})
	}
}

func (w *Writer) emitGov(signal string, facts map[string]interface{}) {
	if w.pub == nil {
		return
	}
	_ = w.pub.Emit(signal, "core", 1.0, facts)
}

// accumulateLocked stages an observation for the next prod-snapshot rollup.
func (w *Writer) accumulateLocked(rec ObservationRecord) {
	w.rollup[rec.Zooid] = append(w.rollup[rec.Zooid], rec)
	w.sinceRollup++
	if w.sinceRollup >= w.opts.RollupEvery {
		w.rollupLocked()
	}
}

func (w *Writer) rollupLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.RollupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopTimer:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.sinceRollup > 0 {
				w.rollupLocked()
			}
			w.mu.Unlock()
		}
	}
}

// rollupLocked folds staged observations into the zooids' derived prod
// snapshots in one registry transaction. Derived, not authoritative.
func (w *Writer) rollupLocked() {
	if w.opts.Registry == nil || len(w.rollup) == 0 {
		w.sinceRollup = 0
		return
	}
	staged := w.rollup
	w.rollup = make(map[string][]ObservationRecord)
	w.sinceRollup = 0
	w.lastRollup = time.Now()

	err := w.opts.Registry.Transaction(func(s *registry.Snapshot) error {
		for name, recs := range staged {
			z, ok := s.Zooids[name]
			if !ok {
				continue
			}
			for _, rec := range recs {
				n := z.Prod.Evidence
				okVal := 0.0
				if rec.OK {
					okVal = 1.0
				}
				z.Prod.OKRate = (z.Prod.OKRate*float64(n) + okVal) / float64(n+1)
				z.Prod.TTRMsMean = (z.Prod.TTRMsMean*float64(n) + rec.TTRMs) / float64(n+1)
				z.Prod.Evidence = n + 1
				if rec.TS.After(z.Prod.LastTS) {
					z.Prod.LastTS = rec.TS
				}
			}
		}
		return nil
	})
	if err != nil {
		logging.Get(logging.CategoryLedger).Error("prod rollup failed: %v", err)
	}
}

// WriterStats reports writer health.
type WriterStats struct {
	InvalidSignatures int64
	PendingWrites     int
	Stalled           bool
}

// GetStats returns current writer statistics.
func (w *Writer) GetStats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		InvalidSignatures: w.invalidTotal,
		PendingWrites:     len(w.pending),
		Stalled:           w.stalled,
	}
}

// Flush forces a prod rollup now. Used by tests and shutdown.
func (w *Writer) Flush() {
	w.mu.Lock()
	w.rollupLocked()
	w.mu.Unlock()
}

// Close unsubscribes, drains the rollup, and closes the ledger.
func (w *Writer) Close() error {
	if w.opts.Bus != nil {
		w.opts.Bus.Unsubscribe(SubscriberName)
	}
	close(w.stopTimer)
	w.wg.Wait()
	w.Flush()
	return w.appender.Close()
}
