package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"phasespace/internal/fault"
	"phasespace/pkg/phasespace"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "train a reconstruction against a dataset",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Sources: cli.EnvVars("PHASESPACE_RUN_CONFIG"), Usage: "JSON run configuration; flags override it"},
			&cli.StringFlag{Name: "run-id", Usage: "run id (generated when empty)"},
			&cli.StringFlag{Name: "resume", Usage: "continue from the latest checkpoint of this run"},
			&cli.StringFlag{Name: "dataset", Sources: cli.EnvVars("PHASESPACE_DATASET"), Usage: "dataset directory"},
			&cli.StringFlag{Name: "preset", Usage: "built-in beamline"},
			&cli.StringFlag{Name: "beamline", Usage: "beamline description JSON"},
			&cli.StringFlag{Name: "objective", Usage: "objective: mse|mae|poisson|ment"},
			&cli.FloatFlag{Name: "lambda", Usage: "weight of the image terms (0 keeps the objective default)"},
			&cli.IntFlag{Name: "particles", Usage: "particles sampled per iteration"},
			&cli.IntFlag{Name: "batch-size", Usage: "measurements per iteration"},
			&cli.IntFlag{Name: "iterations", Usage: "iteration budget"},
			&cli.FloatFlag{Name: "lr", Usage: "Adam learning rate"},
			&cli.StringFlag{Name: "schedule", Usage: "learning rate schedule: fixed|exponential|step"},
			&cli.FloatFlag{Name: "schedule-gamma", Usage: "decay factor"},
			&cli.IntFlag{Name: "schedule-every", Usage: "step schedule period"},
			&cli.FloatFlag{Name: "grad-clip", Usage: "global gradient norm limit (0 disables)"},
			&cli.IntFlag{Name: "checkpoint-every", Usage: "checkpoint cadence in iterations"},
			&cli.IntFlag{Name: "log-every", Usage: "progress log cadence in iterations"},
			&cli.IntFlag{Name: "convergence-window", Usage: "plateau window in iterations (0 disables)"},
			&cli.FloatFlag{Name: "convergence-threshold", Usage: "relative improvement below which the run converges"},
			&cli.IntFlag{Name: "seed", Sources: cli.EnvVars("PHASESPACE_SEED"), Usage: "random seed"},
			&cli.IntFlag{Name: "workers", Sources: cli.EnvVars("PHASESPACE_WORKERS"), Usage: "parallel workers"},
			&cli.BoolFlag{Name: "fixed-latent", Usage: "reuse one latent batch for every iteration"},
			&cli.FloatFlag{Name: "bandwidth", Usage: "screen kernel bandwidth in metres"},
			&cli.FloatFlag{Name: "intensity", Usage: "total image intensity"},
			&cli.StringFlag{Name: "hidden", Usage: "hidden layer widths, comma separated"},
			&cli.StringFlag{Name: "activation", Usage: "hidden activation"},
			&cli.StringFlag{Name: "output-scale", Usage: "output scale, 1 or 6 comma-separated values"},
			&cli.IntFlag{Name: "dump-every", Usage: "distribution dump cadence in iterations"},
			&cli.IntFlag{Name: "dump-particles", Usage: "particles per distribution dump"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			req, err := runRequestFromCommand(cmd)
			if err != nil {
				return err
			}
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			summary, runErr := client.Run(ctx, req)
			if summary.State != "" {
				printRunSummary(cmd, summary)
			}
			return runErr
		},
	}
}

func runRequestFromCommand(cmd *cli.Command) (phasespace.RunRequest, error) {
	var req phasespace.RunRequest
	if path := cmd.String("config"); path != "" {
		loaded, err := loadRunRequestFromConfig(path)
		if err != nil {
			return phasespace.RunRequest{}, err
		}
		req = loaded
	}
	if err := overrideFromFlags(&req, cmd); err != nil {
		return phasespace.RunRequest{}, err
	}
	return req, nil
}

// overrideFromFlags applies only the flags given on the command line.
func overrideFromFlags(req *phasespace.RunRequest, cmd *cli.Command) error {
	strs := map[string]*string{
		"run-id":     &req.RunID,
		"resume":     &req.ResumeRunID,
		"dataset":    &req.Dataset,
		"preset":     &req.Preset,
		"beamline":   &req.Beamline,
		"objective":  &req.Objective,
		"schedule":   &req.Schedule,
		"activation": &req.Activation,
	}
	for name, dst := range strs {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	ints := map[string]*int{
		"particles":          &req.Particles,
		"batch-size":         &req.BatchSize,
		"iterations":         &req.Iterations,
		"schedule-every":     &req.ScheduleEvery,
		"checkpoint-every":   &req.CheckpointEvery,
		"log-every":          &req.LogEvery,
		"convergence-window": &req.ConvergenceWindow,
		"workers":            &req.Workers,
		"dump-every":         &req.DumpEvery,
		"dump-particles":     &req.DumpParticles,
	}
	for name, dst := range ints {
		if cmd.IsSet(name) {
			*dst = int(cmd.Int(name))
		}
	}
	floats := map[string]*float64{
		"lr":                    &req.LearningRate,
		"lambda":                &req.Lambda,
		"schedule-gamma":        &req.ScheduleGamma,
		"grad-clip":             &req.GradClip,
		"convergence-threshold": &req.ConvergenceThreshold,
		"bandwidth":             &req.Bandwidth,
		"intensity":             &req.Intensity,
	}
	for name, dst := range floats {
		if cmd.IsSet(name) {
			*dst = cmd.Float(name)
		}
	}
	if cmd.IsSet("seed") {
		seed := cmd.Int("seed")
		if seed < 0 {
			return fault.Config(nil, "seed must be >= 0", goerr.V("seed", seed))
		}
		req.Seed = uint64(seed)
	}
	if cmd.IsSet("fixed-latent") {
		req.FixedLatent = cmd.Bool("fixed-latent")
	}
	if cmd.IsSet("hidden") {
		hidden, err := parseIntList(cmd.String("hidden"))
		if err != nil {
			return err
		}
		req.Hidden = hidden
	}
	if cmd.IsSet("output-scale") {
		scale, err := parseFloatList(cmd.String("output-scale"))
		if err != nil {
			return err
		}
		req.OutputScale = scale
	}
	return nil
}

func printRunSummary(cmd *cli.Command, s phasespace.RunSummary) {
	w := cmd.Root().Writer
	fmt.Fprintf(w, "run_id=%s state=%s iterations=%s final_loss=%.6g best_loss=%.6g last_checkpoint=%d\n",
		s.RunID, s.State, humanize.Comma(int64(s.Iterations)), s.FinalLoss, s.BestLoss, s.LastCheckpoint)
	if s.DivergedAt > 0 {
		fmt.Fprintf(w, "diverged_at=%d\n", s.DivergedAt)
	}
	fmt.Fprintf(w, "artifacts=%s\n", s.ArtifactsDir)
}
