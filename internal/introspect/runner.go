package introspect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/logging"
)

// Options configures a Runner.
type Options struct {
	Bus   *chembus.Bus
	Cache *ObservationCache
	// ScanTimeout is the hard per-scan deadline.
	ScanTimeout time.Duration
	// FingerprintTTL controls how long a reported finding stays muted.
	FingerprintTTL time.Duration
}

// Runner executes scanners on scheduler triggers and emits deduplicated
// findings.
type Runner struct {
	o        Options
	scanners []Scanner
	pub      *chembus.Publisher

	mu       sync.Mutex
	reported map[string]time.Time
}

// NewRunner wires scanners to the trigger signal.
func NewRunner(o Options, scanners ...Scanner) (*Runner, error) {
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = 30 * time.Second
	}
	if o.FingerprintTTL <= 0 {
		o.FingerprintTTL = time.Hour
	}
	r := &Runner{
		o:        o,
		scanners: scanners,
		reported: make(map[string]time.Time),
	}
	if o.Bus != nil {
		r.pub = o.Bus.Publisher("introspection")
		err := o.Bus.Subscribe("Q_TRIGGER_INTROSPECTION", func(chembus.Message) {
			r.RunOnce(context.Background())
		}, "introspection-runner", "")
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RunOnce executes every scanner with the hard timeout and emits surviving
// findings. A scanner overrunning its deadline is abandoned, and the
// failure is itself emitted as an observation.
func (r *Runner) RunOnce(ctx context.Context) int {
	emitted := 0
	for _, s := range r.scanners {
		findings, err := r.runScanner(ctx, s)
		if err != nil {
			logging.Get(logging.CategoryIntrospect).Warn("scanner %s failed: %v", s.Name(), err)
			r.emit(Finding{
				Signal: "PERFORMANCE_DEGRADED",
				Type:   "scanner_failure",
				Daemon: s.Name(),
				Issue:  err.Error(),
				Facts:  map[string]interface{}{"scanner": s.Name()},
			})
			continue
		}
		for _, f := range findings {
			if r.shouldReport(f) {
				r.emit(f)
				emitted++
			}
		}
	}
	return emitted
}

// runScanner isolates one scan behind its deadline.
func (r *Runner) runScanner(ctx context.Context, s Scanner) ([]Finding, error) {
	scanCtx, cancel := context.WithTimeout(ctx, r.o.ScanTimeout)
	defer cancel()

	done := make(chan []Finding, 1)
	panicked := make(chan interface{}, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				panicked <- rec
			}
		}()
		done <- s.Scan(scanCtx, r.o.Cache)
	}()

	select {
	case findings := <-done:
		return findings, nil
	case rec := <-panicked:
		return nil, fmt.Errorf("scanner panicked: %v", rec)
	case <-scanCtx.Done():
		return nil, fmt.Errorf("scan exceeded %v", r.o.ScanTimeout)
	}
}

// shouldReport fingerprints a finding by {type, daemon, issue} and mutes
// repeats inside the TTL.
func (r *Runner) shouldReport(f Finding) bool {
	fp := fingerprint(f)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, seen := r.reported[fp]; seen && now.Sub(last) < r.o.FingerprintTTL {
		return false
	}
	r.reported[fp] = now
	// Opportunistic TTL sweep keeps the map bounded.
	for key, ts := range r.reported {
		if now.Sub(ts) >= r.o.FingerprintTTL {
			delete(r.reported, key)
		}
	}
	return true
}

func (r *Runner) emit(f Finding) {
	if r.pub == nil {
		return
	}
	facts := f.Facts
	if facts == nil {
		facts = map[string]interface{}{}
	}
	facts["type"] = f.Type
	facts["daemon"] = f.Daemon
	facts["issue"] = f.Issue
	_ = r.pub.Emit(f.Signal, "core", 1.0, facts)
}

func fingerprint(f Finding) string {
	h := sha256.Sum256([]byte(f.Type + "|" + f.Daemon + "|" + f.Issue))
	return hex.EncodeToString(h[:])
}
