package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FileLock is an exclusive flock(2) on a lock file. The registry uses one
// for single-writer discipline; the colony cycle lock serializing
// Bioreactor, PHASE, and Graduator activity reuses the same helper.
type FileLock struct {
	f *os.File
}

// AcquireFileLock takes an exclusive lock. With block=false it fails fast
// when the lock is held elsewhere.
func AcquireFileLock(path string, block bool) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	how := unix.LOCK_EX
	if !block {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("lock %s held elsewhere: %w", path, err)
		}
		return nil, fmt.Errorf("failed to flock %s: %w", path, err)
	}
	return &FileLock{f: f}, nil
}

// Release drops the lock. Safe to call twice.
func (l *FileLock) Release() {
	if l == nil || l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}

func acquireLock(path string, block bool) (*FileLock, error) {
	return AcquireFileLock(path, block)
}

func (l *FileLock) release() { l.Release() }
