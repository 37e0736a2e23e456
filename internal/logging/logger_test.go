package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDisabledLoggingIsNoOp(t *testing.T) {
	if err := Initialize("", Options{Enabled: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	l := Get(CategoryBus)
	l.Info("should go nowhere")
	l.Error("also nowhere")
}

func TestCategoryFileWritten(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, Options{Enabled: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	Get(CategoryRegistry).Info("snapshot v%d written", 7)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("logs dir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "registry") {
			found = true
			data, err := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			if err != nil {
				t.Fatalf("read log: %v", err)
			}
			if !strings.Contains(string(data), "snapshot v7 written") {
				t.Fatalf("log content missing message: %s", data)
			}
		}
	}
	if !found {
		t.Fatalf("no registry log file created")
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	err := Initialize(dir, Options{
		Enabled:    true,
		Categories: map[string]bool{"bus": false},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategoryBus) {
		t.Fatalf("bus category should be disabled")
	}
	if !IsCategoryEnabled(CategoryPhase) {
		t.Fatalf("phase category should default to enabled")
	}

	Get(CategoryBus).Info("filtered out")
	CloseAll()

	entries, _ := os.ReadDir(filepath.Join(dir, "logs"))
	for _, e := range entries {
		if strings.Contains(e.Name(), "bus") {
			t.Fatalf("bus log file should not exist: %s", e.Name())
		}
	}
}
