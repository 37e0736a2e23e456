package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/HomoYouDidnt/kloros/internal/bioreactor"
	"github.com/HomoYouDidnt/kloros/internal/graduator"
	"github.com/HomoYouDidnt/kloros/internal/historian"
	"github.com/HomoYouDidnt/kloros/internal/lifecycle"
	"github.com/HomoYouDidnt/kloros/internal/metrics"
	"github.com/HomoYouDidnt/kloros/internal/phase"
	"github.com/HomoYouDidnt/kloros/internal/registry"
	"github.com/HomoYouDidnt/kloros/internal/signing"
)

var (
	driverBinary string
	driverEnv    []string
	tickSeed     int64
)

// touchSignal creates a filesystem-visible orchestration marker.
func touchSignal(name string) {
	dir := cfg.SignalsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, name), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

// openCycleDeps wires the shared pieces the write-path subcommands need.
func openCycleDeps() (*registry.Registry, *lifecycle.Recorder, *signing.Ring, error) {
	m := metrics.New()
	reg, err := registry.Open(registry.Options{
		Dir:               cfg.RegistryDir(),
		RetainedSnapshots: cfg.Registry.RetainedSnapshots,
		Metrics:           m,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	recorder, err := lifecycle.NewRecorder(cfg.LifecycleEventsPath(), nil, m)
	if err != nil {
		return nil, nil, nil, err
	}
	ring, err := signing.LoadRing(cfg.KeysPath(), cfg.Keys.RingSize)
	if err != nil {
		recorder.Close()
		return nil, nil, nil, fmt.Errorf("signing keys unavailable (run `kloros init`): %w", err)
	}
	return reg, recorder, ring, nil
}

var tickCmd = &cobra.Command{
	Use:   "bioreactor-tick",
	Short: "Run one bioreactor tick: differentiate, de-duplicate, tournament",
	RunE: func(cmd *cobra.Command, args []string) error {
		if emergencyStopEngaged() {
			return fmt.Errorf("emergency_stop engaged: bioreactor writes refused")
		}
		reg, recorder, ring, err := openCycleDeps()
		if err != nil {
			return err
		}
		defer recorder.Close()

		b := bioreactor.New(bioreactor.Options{
			Config:   cfg,
			Registry: reg,
			Recorder: recorder,
			Ring:     ring,
			Seed:     tickSeed,
		})
		res, err := b.Tick(cmd.Context())
		if err != nil {
			return err
		}
		touchSignal("bioreactor_idle")
		fmt.Printf("spawned=%d duplicates=%d retired=%d\n", res.Spawned, res.Duplicates, res.Retired)
		return nil
	},
}

var phaseCmd = &cobra.Command{
	Use:   "phase",
	Short: "Run one PHASE batch and graduate its candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if emergencyStopEngaged() {
			return fmt.Errorf("emergency_stop engaged: promotions refused")
		}
		if driverBinary == "" {
			return fmt.Errorf("--driver is required")
		}
		reg, recorder, _, err := openCycleDeps()
		if err != nil {
			return err
		}
		defer recorder.Close()

		grad := graduator.New(graduator.Options{
			Config:   cfg,
			Registry: reg,
			Recorder: recorder,
		})
		eval := phase.New(phase.Options{
			Config:   cfg,
			Registry: reg,
			Recorder: recorder,
			Driver: phase.DriverConfig{
				Binary:     driverBinary,
				AllowedEnv: driverEnv,
			},
			OnBatchComplete: func(ctx context.Context, batchID string) error {
				res, gerr := grad.Run(ctx)
				if gerr != nil {
					return gerr
				}
				touchSignal("promotions_done")
				fmt.Printf("batch %s: promoted=%d retried=%d rolled_back=%d\n",
					batchID, res.Promoted, res.Retried, res.RolledBack)
				return nil
			},
		})
		res, err := eval.RunBatch(cmd.Context())
		if err != nil {
			return err
		}
		touchSignal("phase_done")
		fmt.Printf("evaluated=%d retired=%d\n", res.Evaluated, res.Retired)
		return nil
	},
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Compact old bus history into the episodic store",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := historian.OpenEpisodicStore(cfg.EpisodicStorePath())
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := historian.Consolidate(cfg, store, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("compacted=%d kept=%d\n", res.Compacted, res.Kept)
		return nil
	},
}

func init() {
	tickCmd.Flags().Int64Var(&tickSeed, "seed", 0, "fix the mutation RNG (0 seeds from the clock)")
	phaseCmd.Flags().StringVar(&driverBinary, "driver", "", "workload driver binary")
	phaseCmd.Flags().StringSliceVar(&driverEnv, "driver-env", nil, "environment variables the driver may inherit")
}
