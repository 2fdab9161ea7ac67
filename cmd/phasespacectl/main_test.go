package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"

	"phasespace/internal/fault"
	"phasespace/internal/stats"
)

type cliEnv struct {
	runsDir    string
	exportsDir string
	dataset    string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	base := t.TempDir()
	return cliEnv{
		runsDir:    filepath.Join(base, "runs"),
		exportsDir: filepath.Join(base, "exports"),
		dataset:    filepath.Join(base, "scan"),
	}
}

func (e cliEnv) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{
		"phasespacectl",
		"--store", "memory",
		"--runs-dir", e.runsDir,
		"--exports-dir", e.exportsDir,
		"--log-level", "warn",
	}, args...)
	err := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), err
}

func (e cliEnv) synth(t *testing.T) {
	t.Helper()
	out, err := e.exec(t, "synth",
		"--out", e.dataset,
		"--values=-5,0,5",
		"--bins-x", "16", "--bins-y", "16",
		"--width", "8e-3", "--height", "8e-3",
		"--particles", "3000",
		"--seed", "1",
		"--workers", "2",
	)
	gt.NoError(t, err)
	gt.S(t, out).Contains("measurements=3")
}

func (e cliEnv) smallRunArgs(extra ...string) []string {
	args := []string{"run",
		"--dataset", e.dataset,
		"--iterations", "3",
		"--particles", "200",
		"--batch-size", "2",
		"--checkpoint-every", "1",
		"--hidden", "8",
		"--seed", "5",
		"--workers", "2",
	}
	return append(args, extra...)
}

func TestSynthRunAndInspect(t *testing.T) {
	env := newCLIEnv(t)
	env.synth(t)

	out, err := env.exec(t, "validate", "--dataset", env.dataset)
	gt.NoError(t, err)
	gt.S(t, out).Contains("fittable=Q0.k1")

	out, err = env.exec(t, env.smallRunArgs()...)
	gt.NoError(t, err)
	gt.S(t, out).Contains("state=budget_exhausted")
	gt.S(t, out).Contains("last_checkpoint=3")

	entries, err := stats.ListRunIndex(env.runsDir)
	gt.NoError(t, err)
	gt.A(t, entries).Length(1)
	runID := entries[0].RunID

	out, err = env.exec(t, "runs")
	gt.NoError(t, err)
	gt.S(t, out).Contains("run_id=" + runID)

	out, err = env.exec(t, "loss", "--latest", "--every", "2", "--json")
	gt.NoError(t, err)
	var curve []stats.CurvePoint
	gt.NoError(t, json.Unmarshal([]byte(out), &curve))
	gt.A(t, curve).Length(2)
	gt.Equal(t, curve[1].Iteration, 3)

	sampleFile := filepath.Join(t.TempDir(), "particles.csv")
	out, err = env.exec(t, "sample", "--run-id", runID, "--particles", "100", "--out", sampleFile)
	gt.NoError(t, err)
	gt.S(t, out).Contains("iteration=3")
	_, err = os.Stat(sampleFile)
	gt.NoError(t, err)

	out, err = env.exec(t, "export", "--latest")
	gt.NoError(t, err)
	gt.S(t, out).Contains(runID)
	_, err = os.Stat(filepath.Join(env.exportsDir, runID, "summary.json"))
	gt.NoError(t, err)
}

func TestRunConfigFileWithFlagOverride(t *testing.T) {
	env := newCLIEnv(t)
	env.synth(t)

	cfgPath := filepath.Join(t.TempDir(), "run.json")
	cfg := map[string]any{
		"dataset":          env.dataset,
		"iterations":       5,
		"particles":        200,
		"batch_size":       2,
		"checkpoint_every": 1,
		"hidden":           []int{8},
		"seed":             5,
		"workers":          2,
		"objective":        "mae",
	}
	data, err := json.Marshal(cfg)
	gt.NoError(t, err)
	gt.NoError(t, os.WriteFile(cfgPath, data, 0o644))

	out, err := env.exec(t, "run", "--config", cfgPath, "--iterations", "2")
	gt.NoError(t, err)
	gt.S(t, out).Contains("iterations=2 ")

	entries, err := stats.ListRunIndex(env.runsDir)
	gt.NoError(t, err)
	gt.Equal(t, entries[0].Objective, "mae")
}

func TestExitCodes(t *testing.T) {
	env := newCLIEnv(t)
	env.synth(t)

	_, err := env.exec(t, env.smallRunArgs("--objective", "hinge")...)
	gt.Error(t, err)
	gt.Equal(t, exitCode(err), exitConfiguration)

	_, err = env.exec(t, env.smallRunArgs("--preset", "fodo")...)
	gt.Equal(t, exitCode(err), exitConfiguration)

	out, err := env.exec(t, env.smallRunArgs("--lr", "1e12", "--iterations", "10")...)
	gt.Error(t, err)
	gt.Equal(t, exitCode(err), exitDivergence)
	gt.S(t, out).Contains("state=diverged")
	gt.S(t, out).Contains("diverged_at=")

	_, err = env.exec(t, "sample", "--run-id", "missing")
	gt.Equal(t, exitCode(err), exitConfiguration)

	_, err = env.exec(t, "--log-level", "loud", "runs")
	gt.Equal(t, exitCode(err), exitConfiguration)

	gt.Equal(t, exitCode(nil), exitOK)
	gt.Equal(t, exitCode(fault.IO(nil, "disk")), exitFailure)
}

func TestPresetsCommand(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.exec(t, "presets")
	gt.NoError(t, err)
	gt.S(t, out).Contains("quad_drift elements=Q0:quadrupole,D0:drift fittable=Q0.k1")
}
