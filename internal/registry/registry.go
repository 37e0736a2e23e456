package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/HomoYouDidnt/kloros/internal/logging"
	"github.com/HomoYouDidnt/kloros/internal/metrics"
)

// Options configures a Registry.
type Options struct {
	// Dir is the registry directory (snapshots, pointer, lock).
	Dir string
	// RetainedSnapshots is the rollback window; older versions are pruned.
	RetainedSnapshots int
	// Metrics is optional.
	Metrics *metrics.Metrics
	// OnReconcile is invoked when load-time drift was repaired, with the
	// number of fixes. Used to emit governance.registry_reconciled.
	OnReconcile func(fixes int)
}

// Registry provides atomic, crash-safe access to the zooid state.
type Registry struct {
	opts Options

	mu    sync.RWMutex
	state *Snapshot
}

// Open loads the canonical snapshot, validating and reconciling it.
// Load-time corruption that reconciliation cannot repair is fatal.
func Open(opts Options) (*Registry, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("registry dir required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry dir: %w", err)
	}

	s, err := readSnapshot(opts.Dir)
	if err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		logging.Registry("snapshot v%d failed validation (%v), attempting reconciliation", s.Version, err)
		fixes := s.Reconcile()
		if verr := s.Validate(); verr != nil {
			return nil, fmt.Errorf("%w: reconciliation failed: %v", ErrCorrupt, verr)
		}
		logging.Registry("reconciled snapshot v%d with %d fixes", s.Version, fixes)
		if opts.OnReconcile != nil {
			opts.OnReconcile(fixes)
		}
	}

	r := &Registry{opts: opts, state: s}
	if opts.Metrics != nil {
		opts.Metrics.RegistryVersion.Set(float64(s.Version))
	}
	logging.Registry("loaded registry v%d: %d zooids, %d niches", s.Version, len(s.Zooids), len(s.Niches))
	return r, nil
}

// Version returns the current snapshot version.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Version
}

// Get returns a copy of the named zooid.
func (r *Registry) Get(name string) (*Zooid, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.state.Zooids[name]
	if !ok {
		return nil, false
	}
	cp := *z
	return &cp, true
}

// List returns copies of the zooids in one state of a niche, name-sorted.
func (r *Registry) List(ecosystem, niche string, state State) []*Zooid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.state.InState(ecosystem, niche, state)
	out := make([]*Zooid, 0, len(names))
	for _, name := range names {
		if z, ok := r.state.Zooids[name]; ok {
			cp := *z
			out = append(out, &cp)
		}
	}
	return out
}

// FindByGenome resolves a genome hash to its owning zooid.
func (r *Registry) FindByGenome(hash string) (*Zooid, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.state.Genomes[hash]
	if !ok {
		return nil, false
	}
	z, ok := r.state.Zooids[name]
	if !ok {
		return nil, false
	}
	cp := *z
	return &cp, true
}

// View runs fn against a read-only reference of the current state. fn must
// not retain or mutate it.
func (r *Registry) View(fn func(*Snapshot)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.state)
}

// Transaction runs fn against a mutable copy of the state. On return the
// registry validates the invariants, bumps the version, and atomically
// publishes a new snapshot. On validation failure nothing is written and the
// caller receives the InvariantViolation. Transactions are serialized by an
// exclusive file lock.
func (r *Registry) Transaction(fn func(*Snapshot) error) error {
	timer := logging.StartTimer(logging.CategoryRegistry, "registry transaction")
	defer timer.Stop()

	lock, err := acquireLock(filepath.Join(r.opts.Dir, lockFileName), true)
	if err != nil {
		return err
	}
	defer lock.release()

	r.mu.RLock()
	working, err := r.state.clone()
	r.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := fn(working); err != nil {
		return err
	}

	if err := working.Validate(); err != nil {
		logging.Registry("transaction rejected: %v", err)
		return err
	}

	working.Version++
	if err := writeSnapshot(r.opts.Dir, working); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = working
	r.mu.Unlock()

	if r.opts.Metrics != nil {
		r.opts.Metrics.RegistryVersion.Set(float64(working.Version))
	}
	pruneSnapshots(r.opts.Dir, working.Version, r.opts.RetainedSnapshots)
	logging.Get(logging.CategoryRegistry).Debug("committed snapshot v%d", working.Version)
	return nil
}
