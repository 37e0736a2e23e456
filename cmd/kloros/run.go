package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/HomoYouDidnt/kloros/internal/bioreactor"
	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/graduator"
	"github.com/HomoYouDidnt/kloros/internal/historian"
	"github.com/HomoYouDidnt/kloros/internal/introspect"
	"github.com/HomoYouDidnt/kloros/internal/ledger"
	"github.com/HomoYouDidnt/kloros/internal/lifecycle"
	"github.com/HomoYouDidnt/kloros/internal/logging"
	"github.com/HomoYouDidnt/kloros/internal/metrics"
	"github.com/HomoYouDidnt/kloros/internal/phase"
	"github.com/HomoYouDidnt/kloros/internal/quarantine"
	"github.com/HomoYouDidnt/kloros/internal/registry"
	"github.com/HomoYouDidnt/kloros/internal/scheduler"
	"github.com/HomoYouDidnt/kloros/internal/signing"
)

// GovClockSkew is emitted when the startup skew probe exceeds the limit.
const GovClockSkew = "governance.clock_skew"

// GovProdSnapshotMissing is emitted when an existing fitness ledger meets a
// fresh registry and backfill is off.
const GovProdSnapshotMissing = "governance.prod_snapshot_missing"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the resident lifecycle services",
	Long: `Starts the signal bus and every resident component: ledger writer,
quarantine monitor, historian, introspection scanners, and scheduler.
Bioreactor ticks and PHASE batches run from their own subcommands (or a
DEEP-window timer) against the same on-disk state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCore(cmd.Context())
	},
}

func runCore(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	bus := chembus.New(chembus.Options{
		QueueSize:                cfg.Bus.QueueSize,
		RateLimitPerSec:          cfg.Bus.RateLimitPerSec,
		SubscriberErrorThreshold: cfg.Bus.SubscriberErrorThreshold,
		CriticalBlock:            time.Duration(cfg.Bus.CriticalBlockMs) * time.Millisecond,
		Metrics:                  m,
	})
	defer bus.Close()

	if err := checkClockSkew(bus); err != nil {
		return err
	}

	reg, err := registry.Open(registry.Options{
		Dir:               cfg.RegistryDir(),
		RetainedSnapshots: cfg.Registry.RetainedSnapshots,
		Metrics:           m,
		OnReconcile: func(fixes int) {
			_ = bus.Publisher("registry").Emit("governance.registry_reconciled", "core", 1.0,
				map[string]interface{}{"fixes": fixes})
		},
	})
	if err != nil {
		return err
	}

	ring, err := signing.LoadRing(cfg.KeysPath(), cfg.Keys.RingSize)
	if err != nil {
		return fmt.Errorf("signing keys unavailable (run `kloros init`): %w", err)
	}

	recorder, err := lifecycle.NewRecorder(cfg.LifecycleEventsPath(), bus, m)
	if err != nil {
		return err
	}
	defer recorder.Close()

	if err := maybeBackfill(reg, bus); err != nil {
		return err
	}

	monitor := quarantine.New(quarantine.Options{
		Config:   cfg,
		Registry: reg,
		Recorder: recorder,
		Bus:      bus,
		Metrics:  m,
	})

	writer, err := ledger.NewWriter(ledger.WriterOptions{
		LedgerPath:    cfg.FitnessLedgerPath(),
		Ring:          ring,
		Registry:      reg,
		Bus:           bus,
		Metrics:       m,
		OnObservation: monitor.Observe,
	})
	if err != nil {
		return err
	}
	defer writer.Close()

	hist, err := historian.New(cfg, bus)
	if err != nil {
		return err
	}
	defer hist.Close()

	episodes, err := historian.OpenEpisodicStore(cfg.EpisodicStorePath())
	if err != nil {
		return err
	}
	defer episodes.Close()
	err = bus.Subscribe("Q_TRIGGER_CONSOLIDATION", func(chembus.Message) {
		go func() {
			if _, cerr := hist.ConsolidateNow(episodes, time.Now()); cerr != nil {
				logging.Get(logging.CategoryHistorian).Error("triggered consolidation failed: %v", cerr)
			}
		}()
	}, "consolidation-trigger", "")
	if err != nil {
		return err
	}

	cache := introspect.NewObservationCache(
		cfg.Introspect.CacheMaxMessages,
		time.Duration(cfg.Introspect.CacheMaxAgeSec)*time.Second,
	)
	if err := cache.Attach(bus, "introspection-cache"); err != nil {
		return err
	}
	_, err = introspect.NewRunner(introspect.Options{
		Bus:            bus,
		Cache:          cache,
		ScanTimeout:    time.Duration(cfg.Introspect.ScanTimeoutSec) * time.Second,
		FingerprintTTL: time.Duration(cfg.Introspect.FingerprintTTLSec) * time.Second,
	},
		&introspect.LatencyScanner{ThresholdMs: 5000},
		&introspect.FailureRateScanner{MaxFailureRate: 0.5},
		&introspect.QuietZooidScanner{},
	)
	if err != nil {
		return err
	}

	if err := wireCycleTriggers(ctx, bus, reg, recorder, ring); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.New(cfg.Schedules, bus).Run(gctx)
	})
	g.Go(func() error {
		return watchKillSwitch(gctx, bus)
	})
	g.Go(func() error {
		return selfReport(gctx, bus, writer)
	})

	logging.Boot("KLoROS core running: state=%s registry=v%d", cfg.StateDir, reg.Version())
	err = g.Wait()
	logging.Boot("KLoROS core shutting down")
	if err == context.Canceled {
		return nil
	}
	return err
}

// checkClockSkew reads the operator-maintained skew probe (seconds, written
// by ops tooling to <state_dir>/clock_skew) and refuses startup past the
// limit. A missing probe file skips the check.
func checkClockSkew(bus *chembus.Bus) error {
	data, err := os.ReadFile(cfg.StateDir + "/clock_skew")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	skew, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return fmt.Errorf("unreadable clock_skew probe: %w", err)
	}
	logging.Boot("clock skew probe: %.2fs", skew)
	if skew > float64(cfg.MaxClockSkewSec) || skew < -float64(cfg.MaxClockSkewSec) {
		_ = bus.Publisher("supervisor").Emit(GovClockSkew, "core", 1.0, map[string]interface{}{
			"skew_sec":  skew,
			"limit_sec": cfg.MaxClockSkewSec,
		})
		return fmt.Errorf("clock skew %.2fs exceeds %ds limit", skew, cfg.MaxClockSkewSec)
	}
	return nil
}

// wireCycleTriggers runs bioreactor ticks and PHASE batches (with the bus
// attached, so heartbeat rollback works) off their scheduler triggers. The
// colony lock's fail-fast acquisition keeps overlapping triggers harmless.
func wireCycleTriggers(ctx context.Context, bus *chembus.Bus, reg *registry.Registry, recorder *lifecycle.Recorder, ring *signing.Ring) error {
	err := bus.Subscribe("Q_TRIGGER_BIOREACTOR", func(chembus.Message) {
		if emergencyStopEngaged() {
			return
		}
		go func() {
			b := bioreactor.New(bioreactor.Options{
				Config:   cfg,
				Registry: reg,
				Recorder: recorder,
				Bus:      bus,
				Ring:     ring,
			})
			if _, err := b.Tick(ctx); err != nil {
				logging.Get(logging.CategoryBioreactor).Warn("triggered tick failed: %v", err)
				return
			}
			touchSignal("bioreactor_idle")
		}()
	}, "bioreactor-trigger", "")
	if err != nil {
		return err
	}

	if cfg.Phase.DriverBinary == "" {
		return nil
	}
	grad := graduator.New(graduator.Options{
		Config:   cfg,
		Registry: reg,
		Recorder: recorder,
		Bus:      bus,
	})
	eval := phase.New(phase.Options{
		Config:   cfg,
		Registry: reg,
		Recorder: recorder,
		Bus:      bus,
		Driver: phase.DriverConfig{
			Binary:     cfg.Phase.DriverBinary,
			BaseArgs:   cfg.Phase.DriverArgs,
			AllowedEnv: cfg.Phase.DriverEnv,
		},
		OnBatchComplete: func(bctx context.Context, batchID string) error {
			_, gerr := grad.Run(bctx)
			if gerr == nil {
				touchSignal("promotions_done")
			}
			return gerr
		},
	})
	return bus.Subscribe("Q_TRIGGER_PHASE", func(chembus.Message) {
		if emergencyStopEngaged() {
			return
		}
		go func() {
			if _, err := eval.RunBatch(ctx); err != nil {
				logging.Get(logging.CategoryPhase).Warn("triggered batch skipped: %v", err)
				return
			}
			touchSignal("phase_done")
		}()
	}, "phase-trigger", "")
}

// selfReport emits the periodic METRICS_SUMMARY for this process.
func selfReport(ctx context.Context, bus *chembus.Bus, writer *ledger.Writer) error {
	pub := bus.Publisher("supervisor")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			busStats := bus.GetStats()
			writerStats := writer.GetStats()
			_ = pub.Emit("METRICS_SUMMARY", "core", 0.5, map[string]interface{}{
				"subscribers":        busStats.Subscribers,
				"emitted_total":      busStats.TotalEmitted,
				"invalid_signatures": writerStats.InvalidSignatures,
				"ledger_stalled":     writerStats.Stalled,
			})
		}
	}
}

// watchKillSwitch flips the core read-only while the emergency_stop file
// exists. Creation is watched so zooids stop at their next OBSERVATION
// boundary without polling.
func watchKillSwitch(ctx context.Context, bus *chembus.Bus) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(cfg.StateDir); err != nil {
		return err
	}

	pub := bus.Publisher("supervisor")
	announce := func(engaged bool) {
		if engaged {
			logging.Get(logging.CategoryBoot).Warn("emergency_stop present: core is read-only")
		} else {
			logging.Boot("emergency_stop cleared")
		}
		_ = pub.Emit("governance.emergency_stop", "core", 1.0, map[string]interface{}{"engaged": engaged})
	}
	if _, err := os.Stat(cfg.EmergencyStopPath()); err == nil {
		announce(true)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != cfg.EmergencyStopPath() {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				announce(true)
			case ev.Op.Has(fsnotify.Remove):
				announce(false)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryBoot).Warn("kill-switch watcher: %v", werr)
		}
	}
}

// emergencyStopEngaged is checked by the write-path subcommands.
func emergencyStopEngaged() bool {
	_, err := os.Stat(cfg.EmergencyStopPath())
	return err == nil
}

// maybeBackfill rebuilds prod snapshots from an existing fitness ledger on
// a fresh registry, or reports the mismatch when backfill is off.
func maybeBackfill(reg *registry.Registry, bus *chembus.Bus) error {
	if reg.Version() != 0 {
		return nil
	}
	recs, err := ledger.ReadRecords[ledger.ObservationRecord](cfg.FitnessLedgerPath())
	if err != nil || len(recs) == 0 {
		return err
	}

	if !cfg.Registry.Backfill {
		logging.Boot("fitness ledger present with fresh registry; prod snapshots left null")
		_ = bus.Publisher("registry").Emit(GovProdSnapshotMissing, "core", 1.0,
			map[string]interface{}{"ledger_records": len(recs)})
		return nil
	}

	return reg.Transaction(func(s *registry.Snapshot) error {
		for _, rec := range recs {
			z, ok := s.Zooids[rec.Zooid]
			if !ok {
				continue
			}
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
		return nil
	})
}
