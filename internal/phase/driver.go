// Package phase implements the synthetic evaluation pipeline: it moves
// eligible DORMANT candidates to PROBATION, drives each through a bounded
// sandboxed workload, and records per-candidate fitness with provenance.
package phase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/logging"
)

// Outcome classifies one workload run.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTimeout   Outcome = "synthetic_timeout"
	OutcomeCrash     Outcome = "synthetic_crash"
	OutcomeBadOutput Outcome = "synthetic_bad_output"
)

// DriverConfig describes how to invoke the workload driver binary.
type DriverConfig struct {
	// Binary is the driver executable. Invoked with no shell.
	Binary string
	// BaseArgs precede the candidate arguments.
	BaseArgs []string
	// AllowedEnv is the environment allow-list passed to the child.
	AllowedEnv []string
	// MaxOutputBytes caps captured stdout/stderr.
	MaxOutputBytes int64
}

// DriverResult is the single JSON record the driver writes to stdout.
type DriverResult struct {
	Metrics   map[string]float64 `json:"metrics"`
	Scores    map[string]float64 `json:"scores"`
	Composite float64            `json:"composite"`
	Anomalies []string           `json:"anomalies"`
}

// RunDriver executes the driver for one candidate under a hard wall-clock
// timeout. The child inherits no file descriptors beyond stdio and only the
// allow-listed environment.
func RunDriver(ctx context.Context, cfg DriverConfig, candidate, profile string, seed int64, simHours float64, timeout time.Duration) (*DriverResult, Outcome, error) {
	timer := logging.StartTimer(logging.CategoryPhase, "workload driver run")
	defer timer.StopWithThreshold(timeout)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, cfg.BaseArgs...),
		candidate,
		profile,
		strconv.FormatInt(seed, 10),
		strconv.FormatFloat(simHours, 'f', -1, 64),
	)
	cmd := exec.CommandContext(runCtx, cfg.Binary, args...)
	cmd.Env = buildEnvironment(cfg.AllowedEnv)

	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, max: maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, max: maxOutput}

	logging.PhaseDebug("driving %s: profile=%s seed=%d sim_hours=%.2f timeout=%v",
		candidate, profile, seed, simHours, timeout)

	err := cmd.Run()
	if stderrBuf.Len() > 0 {
		logging.Get(logging.CategoryPhase).Debug("driver stderr for %s: %s", candidate, stderrBuf.String())
	}
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			logging.Get(logging.CategoryPhase).Warn("driver timed out for %s after %v", candidate, timeout)
			return nil, OutcomeTimeout, fmt.Errorf("workload driver timed out after %v", timeout)
		}
		logging.Get(logging.CategoryPhase).Warn("driver crashed for %s: %v", candidate, err)
		return nil, OutcomeCrash, fmt.Errorf("workload driver failed: %w", err)
	}

	var result DriverResult
	if err := json.Unmarshal(bytes.TrimSpace(stdoutBuf.Bytes()), &result); err != nil {
		return nil, OutcomeBadOutput, fmt.Errorf("driver output is not one JSON record: %w", err)
	}
	if result.Composite < 0 || result.Composite > 1 {
		return nil, OutcomeBadOutput, fmt.Errorf("driver composite %.3f outside [0,1]", result.Composite)
	}
	return &result, OutcomeOK, nil
}

// buildEnvironment restricts the child environment to the allow-list.
func buildEnvironment(allowed []string) []string {
	env := make([]string, 0, len(allowed))
	for _, key := range allowed {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}
	return env
}

// limitedWriter caps total bytes written, discarding the excess.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
