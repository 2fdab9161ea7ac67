package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"

	"phasespace/internal/fault"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.json")
	gt.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadRunRequestFromConfig(t *testing.T) {
	path := writeConfig(t, `{
		"dataset": "data/scan",
		"preset": "quad_tdc_bend",
		"objective": "poisson",
		"lambda": 1e9,
		"particles": 5000,
		"batch_size": 4,
		"iterations": 200,
		"learning_rate": 0.005,
		"schedule": "exp",
		"schedule_gamma": 0.99,
		"seed": 42,
		"fixed_latent": true,
		"hidden": "32,32",
		"output_scale": [1e-3, 1e-3, 1e-3, 1e-3, 1e-2, 1e-3],
		"unknown_key": "ignored"
	}`)
	req, err := loadRunRequestFromConfig(path)
	gt.NoError(t, err)
	gt.Equal(t, req.Dataset, "data/scan")
	gt.Equal(t, req.Preset, "quad_tdc_bend")
	gt.Equal(t, req.Objective, "poisson")
	gt.Equal(t, req.Lambda, 1e9)
	gt.Equal(t, req.Particles, 5000)
	gt.Equal(t, req.BatchSize, 4)
	gt.Equal(t, req.Iterations, 200)
	gt.Equal(t, req.LearningRate, 0.005)
	gt.Equal(t, req.Schedule, "exp")
	gt.Equal(t, req.ScheduleGamma, 0.99)
	gt.Equal(t, req.Seed, uint64(42))
	gt.True(t, req.FixedLatent)
	gt.Equal(t, req.Hidden, []int{32, 32})
	gt.A(t, req.OutputScale).Length(6)
}

func TestLoadRunRequestFromConfigErrors(t *testing.T) {
	_, err := loadRunRequestFromConfig(filepath.Join(t.TempDir(), "missing.json"))
	gt.True(t, fault.IsResource(err))

	_, err = loadRunRequestFromConfig(writeConfig(t, `{"dataset":`))
	gt.True(t, fault.IsConfiguration(err))

	_, err = loadRunRequestFromConfig(writeConfig(t, `{"seed": -1}`))
	gt.True(t, fault.IsConfiguration(err))

	_, err = loadRunRequestFromConfig(writeConfig(t, `{"hidden": ["wide"]}`))
	gt.True(t, fault.IsConfiguration(err))
}

func TestParseLists(t *testing.T) {
	ints, err := parseIntList(" 20, 20 ,")
	gt.NoError(t, err)
	gt.Equal(t, ints, []int{20, 20})

	floats, err := parseFloatList("-10,-5,0,5.5")
	gt.NoError(t, err)
	gt.Equal(t, floats, []float64{-10, -5, 0, 5.5})

	_, err = parseFloatList("1,x")
	gt.True(t, fault.IsConfiguration(err))
	_, err = parseIntList("1.5")
	gt.True(t, fault.IsConfiguration(err))
}
