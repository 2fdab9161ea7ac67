package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"phasespace/internal/beam"
	"phasespace/internal/fault"
	"phasespace/internal/stats"
	"phasespace/pkg/phasespace"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func synthCommand() *cli.Command {
	return &cli.Command{
		Name:  "synth",
		Usage: "render a synthetic dataset from a known beam",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Required: true, Usage: "dataset directory to write"},
			&cli.StringFlag{Name: "name", Usage: "dataset name (defaults to the directory name)"},
			&cli.StringFlag{Name: "preset", Usage: "built-in beamline"},
			&cli.StringFlag{Name: "beamline", Usage: "beamline description JSON"},
			&cli.StringFlag{Name: "scan", Usage: "scanned parameter as element.param"},
			&cli.StringFlag{Name: "values", Usage: "scan values, comma separated"},
			&cli.IntFlag{Name: "bins-x", Value: 64, Usage: "horizontal bins"},
			&cli.IntFlag{Name: "bins-y", Value: 64, Usage: "vertical bins"},
			&cli.FloatFlag{Name: "width", Value: 10e-3, Usage: "screen width in metres"},
			&cli.FloatFlag{Name: "height", Value: 10e-3, Usage: "screen height in metres"},
			&cli.FloatFlag{Name: "center-x", Usage: "screen centre x in metres"},
			&cli.FloatFlag{Name: "center-y", Usage: "screen centre y in metres"},
			&cli.FloatFlag{Name: "bandwidth", Usage: "kernel bandwidth in metres"},
			&cli.IntFlag{Name: "particles", Value: 100000, Usage: "beam particles"},
			&cli.IntFlag{Name: "seed", Sources: cli.EnvVars("PHASESPACE_SEED"), Usage: "random seed"},
			&cli.IntFlag{Name: "workers", Value: 1, Sources: cli.EnvVars("PHASESPACE_WORKERS"), Usage: "parallel workers"},
			&cli.StringFlag{Name: "std", Usage: "Gaussian beam std, 1 or 6 comma-separated values"},
			&cli.StringFlag{Name: "from-run", Usage: "sample the beam from this run's latest checkpoint"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			req := phasespace.SynthesizeRequest{
				OutDir:    cmd.String("out"),
				Name:      cmd.String("name"),
				Preset:    cmd.String("preset"),
				Beamline:  cmd.String("beamline"),
				Scan:      cmd.String("scan"),
				BinsX:     int(cmd.Int("bins-x")),
				BinsY:     int(cmd.Int("bins-y")),
				Width:     cmd.Float("width"),
				Height:    cmd.Float("height"),
				CenterX:   cmd.Float("center-x"),
				CenterY:   cmd.Float("center-y"),
				Bandwidth: cmd.Float("bandwidth"),
				Particles: int(cmd.Int("particles")),
				Workers:   int(cmd.Int("workers")),
				FromRunID: cmd.String("from-run"),
			}
			seed := cmd.Int("seed")
			if seed < 0 {
				return fault.Config(nil, "seed must be >= 0")
			}
			req.Seed = uint64(seed)
			var err error
			if raw := cmd.String("values"); raw != "" {
				if req.Values, err = parseFloatList(raw); err != nil {
					return err
				}
			}
			if raw := cmd.String("std"); raw != "" {
				if req.Std, err = parseFloatList(raw); err != nil {
					return err
				}
			}

			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			summary, err := client.Synthesize(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "dataset=%s dir=%s parameter=%s measurements=%d\n",
				summary.Name, summary.Directory, summary.Parameter, summary.Measurements)
			return nil
		},
	}
}

func sampleCommand() *cli.Command {
	return &cli.Command{
		Name:  "sample",
		Usage: "sample a trained model and report beam moments",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run-id", Usage: "run to sample"},
			&cli.BoolFlag{Name: "latest", Usage: "sample the most recent run"},
			&cli.IntFlag{Name: "particles", Value: 10000, Usage: "particles to draw"},
			&cli.IntFlag{Name: "seed", Usage: "random seed"},
			&cli.IntFlag{Name: "workers", Value: 1, Sources: cli.EnvVars("PHASESPACE_WORKERS"), Usage: "parallel workers"},
			&cli.StringFlag{Name: "out", Usage: "write particles to this CSV file"},
			&cli.BoolFlag{Name: "json", Usage: "emit moments as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			seed := cmd.Int("seed")
			if seed < 0 {
				return fault.Config(nil, "seed must be >= 0")
			}
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			s, err := client.Sample(ctx, phasespace.SampleRequest{
				RunID:     cmd.String("run-id"),
				Latest:    cmd.Bool("latest"),
				Particles: int(cmd.Int("particles")),
				Seed:      uint64(seed),
				Workers:   int(cmd.Int("workers")),
				OutFile:   cmd.String("out"),
			})
			if err != nil {
				return err
			}
			w := cmd.Root().Writer
			if cmd.Bool("json") {
				return writeJSON(w, s)
			}
			fmt.Fprintf(w, "run_id=%s iteration=%d particles=%s\n", s.RunID, s.Iteration, humanize.Comma(int64(s.Particles)))
			for c := 0; c < beam.Dims; c++ {
				fmt.Fprintf(w, "%-3s mean=% .6e std=%.6e\n", beam.CoordinateName(c), s.Mean[c], s.Std[c])
			}
			fmt.Fprintf(w, "emittance x=%.6e y=%.6e z=%.6e\n", s.EmittanceX, s.EmittanceY, s.EmittanceZ)
			if s.File != "" {
				fmt.Fprintf(w, "particles written to %s\n", s.File)
			}
			return nil
		},
	}
}

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "list recorded runs, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "max runs to list"},
			&cli.BoolFlag{Name: "json", Usage: "emit runs list as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Int("limit") <= 0 {
				return fault.Config(nil, "limit must be > 0")
			}
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			runs, err := client.Runs(ctx, phasespace.RunsRequest{Limit: int(cmd.Int("limit"))})
			if err != nil {
				return err
			}
			w := cmd.Root().Writer
			if cmd.Bool("json") {
				return writeJSON(w, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(w, "no runs found")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(w, "run_id=%s created=%s dataset=%s beamline=%s objective=%s state=%s iterations=%s particles=%s final_loss=%.6g\n",
					r.RunID, since(r.CreatedAtUTC), r.Dataset, r.Beamline, r.Objective, r.State,
					humanize.Comma(int64(r.Iterations)), humanize.Comma(int64(r.Particles)), r.FinalLoss)
			}
			return nil
		},
	}
}

// since renders an RFC 3339 timestamp relative to now, or verbatim when it
// does not parse.
func since(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return strings.ReplaceAll(humanize.Time(t), " ", "_")
}

func lossCommand() *cli.Command {
	return &cli.Command{
		Name:  "loss",
		Usage: "print a run's loss history",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run-id", Usage: "run to read"},
			&cli.BoolFlag{Name: "latest", Usage: "read the most recent run"},
			&cli.IntFlag{Name: "limit", Usage: "max iterations to read (0 for all)"},
			&cli.IntFlag{Name: "every", Value: 1, Usage: "average over windows of this many iterations"},
			&cli.BoolFlag{Name: "json", Usage: "emit the curve as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			history, err := client.LossHistory(ctx, phasespace.LossHistoryRequest{
				RunID:  cmd.String("run-id"),
				Latest: cmd.Bool("latest"),
				Limit:  int(cmd.Int("limit")),
			})
			if err != nil {
				return err
			}
			curve := stats.Downsample(history, int(cmd.Int("every")))
			w := cmd.Root().Writer
			if cmd.Bool("json") {
				return writeJSON(w, curve)
			}
			for _, p := range curve {
				fmt.Fprintf(w, "iteration=%d mean=%.6g min=%.6g\n", p.Iteration, p.Mean, p.Min)
			}
			if best, it := stats.Best(history); it > 0 {
				fmt.Fprintf(w, "best=%.6g at iteration %d\n", best, it)
			}
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "copy a run's artifacts and checkpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run-id", Usage: "run to export"},
			&cli.BoolFlag{Name: "latest", Usage: "export the most recent run"},
			&cli.StringFlag{Name: "out", Usage: "destination directory (defaults to --exports-dir)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			exported, err := client.Export(ctx, phasespace.ExportRequest{
				RunID:  cmd.String("run-id"),
				Latest: cmd.Bool("latest"),
				OutDir: cmd.String("out"),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "exported run_id=%s to %s\n", exported.RunID, exported.Directory)
			return nil
		},
	}
}

func presetsCommand() *cli.Command {
	return &cli.Command{
		Name:  "presets",
		Usage: "list built-in beamlines",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "emit presets as JSON"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			presets, err := phasespace.Presets()
			if err != nil {
				return err
			}
			w := cmd.Root().Writer
			if cmd.Bool("json") {
				return writeJSON(w, presets)
			}
			for _, p := range presets {
				fmt.Fprintf(w, "%s elements=%s fittable=%s\n", p.Name, strings.Join(p.Elements, ","), strings.Join(p.Fittable, ","))
			}
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check a dataset against a beamline without training",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dataset", Required: true, Sources: cli.EnvVars("PHASESPACE_DATASET"), Usage: "dataset directory"},
			&cli.StringFlag{Name: "preset", Usage: "built-in beamline"},
			&cli.StringFlag{Name: "beamline", Usage: "beamline description JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			v, err := client.Validate(ctx, phasespace.ValidateRequest{
				Dataset:  cmd.String("dataset"),
				Preset:   cmd.String("preset"),
				Beamline: cmd.String("beamline"),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "ok dataset=%s beamline=%s measurements=%d fittable=%s\n",
				v.Dataset, v.Beamline, v.Measurements, strings.Join(v.Fittable, ","))
			return nil
		},
	}
}
