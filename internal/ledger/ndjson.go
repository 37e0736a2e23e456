// Package ledger owns the append-only newline-delimited record streams:
// phase_queue, phase_fitness, fitness_ledger, and lifecycle_events. Each
// ledger has exactly one writer process; any number of readers may tail.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Appender is a single-writer append-only NDJSON stream.
type Appender struct {
	mu   sync.Mutex
	path string
	f    *os.File
	// Durable appenders fsync after every record.
	durable bool
}

// OpenAppender opens (creating if needed) an append-only ledger.
func OpenAppender(path string, durable bool) (*Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	return &Appender{path: path, f: f, durable: durable}, nil
}

// Append writes one record as a JSON line.
func (a *Appender) Append(record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger record: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", a.path, err)
	}
	if a.durable {
		if err := a.f.Sync(); err != nil {
			return fmt.Errorf("failed to fsync %s: %w", a.path, err)
		}
	}
	return nil
}

// Close releases the file handle.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// ScanFile streams every line of a ledger to fn. A missing file is empty.
func ScanFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ReadRecords decodes every line of a ledger into T, skipping blanks.
func ReadRecords[T any](path string) ([]T, error) {
	var out []T
	err := ScanFile(path, func(line []byte) error {
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("bad record in %s: %w", path, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}
