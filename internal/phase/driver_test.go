package phase

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driver.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRunDriverParsesRecord(t *testing.T) {
	script := writeScript(t, `echo '{"metrics":{"observations":50,"latency_p95":120},"scores":{"latency_p95":0.9,"error_rate":0.8},"composite":0.89,"anomalies":[]}'`)

	res, outcome, err := RunDriver(context.Background(), DriverConfig{Binary: "/bin/sh", BaseArgs: []string{script}},
		"lm_001", "baseline", 123, 1.0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	assert.InDelta(t, 0.89, res.Composite, 1e-9)
	assert.InDelta(t, 50, res.Metrics["observations"], 1e-9)
}

func TestRunDriverPassesArguments(t *testing.T) {
	script := writeScript(t, `printf '{"metrics":{},"scores":{},"composite":0.5,"anomalies":["%s-%s-%s"]}' "$1" "$2" "$3"`)

	res, outcome, err := RunDriver(context.Background(), DriverConfig{Binary: "/bin/sh", BaseArgs: []string{script}},
		"lm_001", "p1", 42, 2.5, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, "lm_001-p1-42", res.Anomalies[0])
}

func TestRunDriverTimeout(t *testing.T) {
	script := writeScript(t, `sleep 5`)

	_, outcome, err := RunDriver(context.Background(), DriverConfig{Binary: "/bin/sh", BaseArgs: []string{script}},
		"lm_001", "baseline", 1, 1.0, 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, OutcomeTimeout, outcome)
}

func TestRunDriverCrash(t *testing.T) {
	script := writeScript(t, `exit 3`)

	_, outcome, err := RunDriver(context.Background(), DriverConfig{Binary: "/bin/sh", BaseArgs: []string{script}},
		"lm_001", "baseline", 1, 1.0, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, OutcomeCrash, outcome)
}

func TestRunDriverBadOutput(t *testing.T) {
	script := writeScript(t, `echo 'not json'`)

	_, outcome, err := RunDriver(context.Background(), DriverConfig{Binary: "/bin/sh", BaseArgs: []string{script}},
		"lm_001", "baseline", 1, 1.0, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, OutcomeBadOutput, outcome)
}

func TestRunDriverRejectsOutOfRangeComposite(t *testing.T) {
	script := writeScript(t, `echo '{"metrics":{},"scores":{},"composite":1.5,"anomalies":[]}'`)

	_, outcome, err := RunDriver(context.Background(), DriverConfig{Binary: "/bin/sh", BaseArgs: []string{script}},
		"lm_001", "baseline", 1, 1.0, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, OutcomeBadOutput, outcome)
}

func TestEnvironmentAllowList(t *testing.T) {
	t.Setenv("KLOROS_TEST_SECRET", "hidden")
	t.Setenv("KLOROS_TEST_ALLOWED", "visible")
	script := writeScript(t, `printf '{"metrics":{},"scores":{},"composite":0.5,"anomalies":["%s|%s"]}' "$KLOROS_TEST_ALLOWED" "$KLOROS_TEST_SECRET"`)

	res, outcome, err := RunDriver(context.Background(), DriverConfig{
		Binary:     "/bin/sh",
		BaseArgs:   []string{script},
		AllowedEnv: []string{"KLOROS_TEST_ALLOWED"},
	}, "lm_001", "baseline", 1, 1.0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, "visible|", res.Anomalies[0])
}
