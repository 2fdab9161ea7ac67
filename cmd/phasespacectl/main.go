package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"

	"phasespace/internal/fault"
	"phasespace/pkg/phasespace"
)

const (
	exitOK            = 0
	exitFailure       = 1
	exitConfiguration = 2
	exitDivergence    = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		slog.Error("command failed", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return newApp(stdout, stderr).Run(ctx, args)
}

// exitCode maps the error taxonomy to process status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case fault.IsNumerical(err):
		return exitDivergence
	case fault.IsConfiguration(err):
		return exitConfiguration
	default:
		return exitFailure
	}
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "phasespacectl",
		Usage:     "reconstruct beam phase space from screen images",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store",
				Value:   "sqlite",
				Sources: cli.EnvVars("PHASESPACE_STORE"),
				Usage:   "store backend: memory|sqlite",
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "phasespace.db",
				Sources: cli.EnvVars("PHASESPACE_DB_PATH"),
				Usage:   "sqlite database path",
			},
			&cli.StringFlag{
				Name:    "runs-dir",
				Value:   "runs",
				Sources: cli.EnvVars("PHASESPACE_RUNS_DIR"),
				Usage:   "directory for run artifacts and checkpoints",
			},
			&cli.StringFlag{
				Name:    "exports-dir",
				Value:   "exports",
				Sources: cli.EnvVars("PHASESPACE_EXPORTS_DIR"),
				Usage:   "default export destination",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("PHASESPACE_LOG_LEVEL"),
				Usage:   "debug|info|warn|error",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logger, err := newLogger(cmd.String("log-level"), stderr)
			if err != nil {
				return ctx, err
			}
			return ctxlog.With(ctx, logger), nil
		},
		Commands: []*cli.Command{
			runCommand(),
			synthCommand(),
			sampleCommand(),
			runsCommand(),
			lossCommand(),
			exportCommand(),
			presetsCommand(),
			validateCommand(),
		},
	}
}

// newLogger writes text to terminals and JSON otherwise.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fault.Config(err, "invalid log level", goerr.V("level", level))
	}
	opts := &slog.HandlerOptions{Level: lv}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func newClient(cmd *cli.Command) (*phasespace.Client, error) {
	return phasespace.New(phasespace.Options{
		StoreKind:  cmd.String("store"),
		DBPath:     cmd.String("db-path"),
		RunsDir:    cmd.String("runs-dir"),
		ExportsDir: cmd.String("exports-dir"),
	})
}
