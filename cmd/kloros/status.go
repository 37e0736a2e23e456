package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/registry"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a read-only registry summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(registry.Options{Dir: cfg.RegistryDir()})
		if err != nil {
			return err
		}

		fmt.Printf("registry version: %d\n", reg.Version())
		reg.View(func(s *registry.Snapshot) {
			keys := make([]string, 0, len(s.Niches))
			for k := range s.Niches {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				n := s.Niches[k]
				fmt.Printf("%-40s active=%d probation=%d dormant=%d retired=%d\n",
					k, len(n.Active), len(n.Probation), len(n.Dormant), len(n.Retired))
			}
			fmt.Printf("zooids: %d  genomes: %d\n", len(s.Zooids), len(s.Genomes))
		})
		if emergencyStopEngaged() {
			fmt.Println("emergency_stop: ENGAGED (core is read-only)")
		}
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold the state directory and signing keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, dir := range []string{
			cfg.RegistryDir(),
			cfg.LineageDir(),
			cfg.ObservabilityDir(),
			cfg.LocksDir(),
			cfg.SignalsDir(),
		} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}

		keysPath := cfg.KeysPath()
		if _, err := os.Stat(keysPath); err == nil {
			fmt.Printf("keys already present: %s\n", keysPath)
			return nil
		}

		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		kf := config.KeyFile{
			Current: "k1",
			Keys:    map[string]string{"k1": hex.EncodeToString(secret)},
			Order:   []string{"k1"},
		}
		data, err := yaml.Marshal(kf)
		if err != nil {
			return err
		}
		if err := os.WriteFile(keysPath, data, 0o600); err != nil {
			return err
		}
		fmt.Printf("state initialized under %s\n", cfg.StateDir)
		return nil
	},
}
