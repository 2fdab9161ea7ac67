package main

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/fault"
	"phasespace/pkg/phasespace"
)

// loadRunRequestFromConfig reads a JSON run configuration. Unknown keys are
// ignored; list values may be JSON arrays or comma-separated strings.
func loadRunRequestFromConfig(path string) (phasespace.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return phasespace.RunRequest{}, fault.IO(err, "read run config", goerr.V("path", path))
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return phasespace.RunRequest{}, fault.Config(err, "decode run config", goerr.V("path", path))
	}

	var req phasespace.RunRequest
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	if v, ok := asString(raw["resume"]); ok {
		req.ResumeRunID = v
	}
	if v, ok := asString(raw["dataset"]); ok {
		req.Dataset = v
	}
	if v, ok := asString(raw["preset"]); ok {
		req.Preset = v
	}
	if v, ok := asString(raw["beamline"]); ok {
		req.Beamline = v
	}
	if v, ok := asString(raw["objective"]); ok {
		req.Objective = v
	}
	if v, ok := asFloat64(raw["lambda"]); ok {
		req.Lambda = v
	}
	if v, ok := asInt(raw["particles"]); ok {
		req.Particles = v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		req.BatchSize = v
	}
	if v, ok := asInt(raw["iterations"]); ok {
		req.Iterations = v
	}
	if v, ok := asFloat64(raw["learning_rate"]); ok {
		req.LearningRate = v
	}
	if v, ok := asString(raw["schedule"]); ok {
		req.Schedule = v
	}
	if v, ok := asFloat64(raw["schedule_gamma"]); ok {
		req.ScheduleGamma = v
	}
	if v, ok := asInt(raw["schedule_every"]); ok {
		req.ScheduleEvery = v
	}
	if v, ok := asFloat64(raw["grad_clip"]); ok {
		req.GradClip = v
	}
	if v, ok := asInt(raw["checkpoint_every"]); ok {
		req.CheckpointEvery = v
	}
	if v, ok := asInt(raw["log_every"]); ok {
		req.LogEvery = v
	}
	if v, ok := asInt(raw["convergence_window"]); ok {
		req.ConvergenceWindow = v
	}
	if v, ok := asFloat64(raw["convergence_threshold"]); ok {
		req.ConvergenceThreshold = v
	}
	if v, ok := asInt(raw["seed"]); ok {
		if v < 0 {
			return phasespace.RunRequest{}, fault.Config(nil, "seed must be >= 0", goerr.V("seed", v))
		}
		req.Seed = uint64(v)
	}
	if v, ok := asInt(raw["workers"]); ok {
		req.Workers = v
	}
	if v, ok := asBool(raw["fixed_latent"]); ok {
		req.FixedLatent = v
	}
	if v, ok := asFloat64(raw["bandwidth"]); ok {
		req.Bandwidth = v
	}
	if v, ok := asFloat64(raw["intensity"]); ok {
		req.Intensity = v
	}
	if v, ok := raw["hidden"]; ok {
		hidden, err := asIntList(v)
		if err != nil {
			return phasespace.RunRequest{}, fault.Config(err, "invalid hidden layer widths", goerr.V("path", path))
		}
		req.Hidden = hidden
	}
	if v, ok := asString(raw["activation"]); ok {
		req.Activation = v
	}
	if v, ok := raw["output_scale"]; ok {
		scale, err := asFloatList(v)
		if err != nil {
			return phasespace.RunRequest{}, fault.Config(err, "invalid output scale", goerr.V("path", path))
		}
		req.OutputScale = scale
	}
	if v, ok := asInt(raw["dump_every"]); ok {
		req.DumpEvery = v
	}
	if v, ok := asInt(raw["dump_particles"]); ok {
		req.DumpParticles = v
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asIntList(v any) ([]int, error) {
	switch x := v.(type) {
	case string:
		return parseIntList(x)
	case []any:
		out := make([]int, 0, len(x))
		for _, item := range x {
			n, ok := asInt(item)
			if !ok {
				return nil, goerr.New("list entry is not a number", goerr.V("value", item))
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, goerr.New("expected a list", goerr.V("value", v))
	}
}

func asFloatList(v any) ([]float64, error) {
	switch x := v.(type) {
	case string:
		return parseFloatList(x)
	case float64:
		return []float64{x}, nil
	case []any:
		out := make([]float64, 0, len(x))
		for _, item := range x {
			f, ok := asFloat64(item)
			if !ok {
				return nil, goerr.New("list entry is not a number", goerr.V("value", item))
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, goerr.New("expected a list", goerr.V("value", v))
	}
}

func parseCommaSeparated(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseIntList(raw string) ([]int, error) {
	parts := parseCommaSeparated(raw)
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fault.Config(err, "parse integer list", goerr.V("value", part))
		}
		out = append(out, n)
	}
	return out, nil
}

func parseFloatList(raw string) ([]float64, error) {
	parts := parseCommaSeparated(raw)
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fault.Config(err, "parse number list", goerr.V("value", part))
		}
		out = append(out, f)
	}
	return out, nil
}
