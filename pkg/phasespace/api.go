// Package phasespace is the public entry point for beam phase-space
// reconstruction: fitting a generative beam model to screen images, and the
// supporting dataset, sampling and run-management operations.
package phasespace

import (
	"context"
	"math"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"gonum.org/v1/gonum/floats"

	"phasespace/internal/beam"
	"phasespace/internal/beamline"
	"phasespace/internal/dataset"
	"phasespace/internal/fault"
	"phasespace/internal/generator"
	"phasespace/internal/model"
	"phasespace/internal/objective"
	"phasespace/internal/optim"
	"phasespace/internal/platform"
	"phasespace/internal/screen"
	"phasespace/internal/stats"
	"phasespace/internal/storage"
	"phasespace/internal/train"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "phasespace.db"
	defaultStoreKind  = "sqlite"
	defaultPreset     = "quad_drift"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
}

type Client struct {
	store    storage.Store
	platform *platform.Platform

	runsDir    string
	exportsDir string
}

type RunRequest struct {
	// RunID is generated (UUIDv7) when empty.
	RunID string
	// ResumeRunID continues training from the latest checkpoint of a previous
	// run under a new run ID. Settings left zero are taken from that run.
	ResumeRunID string

	Dataset  string
	Preset   string
	Beamline string

	Objective            string
	// Lambda weights the image terms of the objective. Zero keeps the
	// objective's default.
	Lambda               float64
	Particles            int
	BatchSize            int
	Iterations           int
	LearningRate         float64
	Schedule             string
	ScheduleGamma        float64
	ScheduleEvery        int
	GradClip             float64
	CheckpointEvery      int
	LogEvery             int
	ConvergenceWindow    int
	ConvergenceThreshold float64
	Seed                 uint64
	Workers              int
	FixedLatent          bool

	Bandwidth float64
	Intensity float64

	Hidden      []int
	Activation  string
	OutputScale []float64

	DumpEvery     int
	DumpParticles int
}

type RunSummary struct {
	RunID          string
	ArtifactsDir   string
	State          string
	Iterations     int
	FinalLoss      float64
	BestLoss       float64
	DivergedAt     int
	LastCheckpoint int
	LossHistory    []float64
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Dataset      string
	Beamline     string
	Objective    string
	State        string
	Particles    int
	Iterations   int
	Seed         uint64
	FinalLoss    float64
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type LossHistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type SampleRequest struct {
	RunID     string
	Latest    bool
	Particles int
	Seed      uint64
	Workers   int
	// OutFile, when set, receives the particles as CSV.
	OutFile string
}

type SampleSummary struct {
	RunID      string
	Iteration  int
	Particles  int
	Mean       [beam.Dims]float64
	Std        [beam.Dims]float64
	EmittanceX float64
	EmittanceY float64
	EmittanceZ float64
	File       string
}

// SynthesizeRequest renders a scan of one fittable parameter. The beam is a
// centred Gaussian with the given per-coordinate Std unless FromRunID names
// a run whose latest model is sampled instead.
type SynthesizeRequest struct {
	OutDir   string
	Name     string
	Preset   string
	Beamline string

	Scan   string
	Values []float64

	BinsX     int
	BinsY     int
	Width     float64
	Height    float64
	CenterX   float64
	CenterY   float64
	Bandwidth float64

	Particles int
	Seed      uint64
	Workers   int
	Std       []float64
	FromRunID string
}

type SynthesizeSummary struct {
	Name         string
	Directory    string
	Parameter    string
	Measurements int
}

type ValidateRequest struct {
	Dataset  string
	Preset   string
	Beamline string
}

type ValidateSummary struct {
	Dataset      string
	Beamline     string
	Measurements int
	Fittable     []string
}

type PresetItem struct {
	Name     string
	Elements []string
	Fittable []string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = defaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:      store,
		platform:   platform.New(platform.Config{Store: store}),
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.platform.Init(ctx)
}

func (req RunRequest) withDefaults() RunRequest {
	if req.Preset == "" && req.Beamline == "" {
		req.Preset = defaultPreset
	}
	if req.Objective == "" {
		req.Objective = objective.Default
	}
	if req.Particles <= 0 {
		req.Particles = train.DefaultParticles
	}
	if req.BatchSize <= 0 {
		req.BatchSize = train.DefaultBatchSize
	}
	if req.Iterations <= 0 {
		req.Iterations = train.DefaultIterations
	}
	if req.LearningRate == 0 {
		req.LearningRate = train.DefaultLearningRate
	}
	if req.LogEvery == 0 {
		req.LogEvery = train.DefaultLogEvery
	}
	if req.Workers <= 0 {
		req.Workers = 1
	}
	req.Schedule = optim.NormalizeScheduleName(req.Schedule)
	return req
}

// mergeResume fills settings the caller left zero from a previous run.
func mergeResume(req RunRequest, prev stats.RunConfig) RunRequest {
	if req.Dataset == "" {
		req.Dataset = prev.Dataset
	}
	if req.Preset == "" && req.Beamline == "" {
		req.Preset = prev.Preset
		req.Beamline = prev.BeamlineFile
	}
	if req.Objective == "" {
		req.Objective = prev.Objective
		if req.Lambda == 0 {
			req.Lambda = prev.Lambda
		}
	}
	if req.Particles == 0 {
		req.Particles = prev.Particles
	}
	if req.BatchSize == 0 {
		req.BatchSize = prev.BatchSize
	}
	if req.Iterations == 0 {
		req.Iterations = prev.Iterations
	}
	if req.LearningRate == 0 {
		req.LearningRate = prev.LearningRate
	}
	if req.Schedule == "" {
		req.Schedule = prev.Schedule
		req.ScheduleGamma = prev.ScheduleGamma
		req.ScheduleEvery = prev.ScheduleEvery
	}
	if req.GradClip == 0 {
		req.GradClip = prev.GradClip
	}
	if req.CheckpointEvery == 0 {
		req.CheckpointEvery = prev.CheckpointEvery
	}
	if req.LogEvery == 0 {
		req.LogEvery = prev.LogEvery
	}
	if req.ConvergenceWindow == 0 {
		req.ConvergenceWindow = prev.ConvergenceWindow
		req.ConvergenceThreshold = prev.ConvergenceThreshold
	}
	if req.Seed == 0 {
		req.Seed = prev.Seed
	}
	if req.Workers == 0 {
		req.Workers = prev.Workers
	}
	req.FixedLatent = req.FixedLatent || prev.FixedLatent
	if req.Bandwidth == 0 {
		req.Bandwidth = prev.Bandwidth
	}
	if req.Intensity == 0 {
		req.Intensity = prev.Intensity
	}
	if len(req.Hidden) == 0 {
		req.Hidden = prev.Hidden
	}
	if req.Activation == "" {
		req.Activation = prev.Activation
	}
	if len(req.OutputScale) == 0 {
		req.OutputScale = prev.OutputScale
	}
	if req.DumpEvery == 0 {
		req.DumpEvery = prev.DumpEvery
		req.DumpParticles = prev.DumpParticles
	}
	return req
}

// Run trains a reconstruction and writes its artifacts. A diverged run still
// returns its summary together with a numerical error.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}

	var resume *model.Checkpoint
	if req.ResumeRunID != "" {
		prev, ok, err := stats.ReadRunConfig(c.runsDir, req.ResumeRunID)
		if err != nil {
			return RunSummary{}, err
		}
		if ok {
			req = mergeResume(req, prev)
		}
		cp, err := c.latestCheckpoint(ctx, req.ResumeRunID)
		if err != nil {
			return RunSummary{}, err
		}
		resume = &cp
	}
	req = req.withDefaults()
	if req.Dataset == "" {
		return RunSummary{}, fault.Config(nil, "dataset directory is required")
	}

	seq, err := loadSequence(req.Preset, req.Beamline)
	if err != nil {
		return RunSummary{}, err
	}
	ds, err := dataset.Load(req.Dataset)
	if err != nil {
		return RunSummary{}, err
	}
	proj, err := screen.NewProjector(ds.Geometry, screen.ProjectorConfig{
		Bandwidth: req.Bandwidth,
		Intensity: req.Intensity,
		Workers:   req.Workers,
	})
	if err != nil {
		return RunSummary{}, err
	}
	obj, err := objective.New(req.Objective, objective.WithLambda(req.Lambda))
	if err != nil {
		return RunSummary{}, err
	}
	schedule, err := optim.ScheduleFromConfig(req.Schedule, req.ScheduleGamma, req.ScheduleEvery)
	if err != nil {
		return RunSummary{}, err
	}

	runID := req.RunID
	if runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return RunSummary{}, goerr.Wrap(err, "generate run id")
		}
		runID = id.String()
	}
	createdAt := time.Now().UTC()

	runCfg := stats.RunConfig{
		RunID:                runID,
		ResumedFrom:          req.ResumeRunID,
		Dataset:              req.Dataset,
		Beamline:             seq.Name(),
		BeamlineFile:         req.Beamline,
		Preset:               req.Preset,
		Objective:            obj.Name(),
		Lambda:               obj.Lambda(),
		Particles:            req.Particles,
		BatchSize:            req.BatchSize,
		Iterations:           req.Iterations,
		LearningRate:         req.LearningRate,
		Schedule:             schedule.Name(),
		ScheduleGamma:        req.ScheduleGamma,
		ScheduleEvery:        req.ScheduleEvery,
		GradClip:             req.GradClip,
		CheckpointEvery:      req.CheckpointEvery,
		LogEvery:             req.LogEvery,
		ConvergenceWindow:    req.ConvergenceWindow,
		ConvergenceThreshold: req.ConvergenceThreshold,
		Seed:                 req.Seed,
		Workers:              req.Workers,
		FixedLatent:          req.FixedLatent,
		Bandwidth:            proj.Bandwidth(),
		Intensity:            proj.Intensity(),
		Hidden:               req.Hidden,
		Activation:           req.Activation,
		OutputScale:          req.OutputScale,
		DumpEvery:            req.DumpEvery,
		DumpParticles:        req.DumpParticles,
		Store:                storeKindOf(c.store),
	}
	ctx = ctxlog.With(ctx, ctxlog.From(ctx).With("run_id", runID))
	res, runErr := c.platform.RunReconstruction(ctx, platform.ReconstructionConfig{
		Train: train.Config{
			Iterations:           req.Iterations,
			BatchSize:            req.BatchSize,
			Particles:            req.Particles,
			LearningRate:         req.LearningRate,
			Schedule:             schedule,
			GradClip:             req.GradClip,
			CheckpointEvery:      req.CheckpointEvery,
			LogEvery:             req.LogEvery,
			ConvergenceWindow:    req.ConvergenceWindow,
			ConvergenceThreshold: req.ConvergenceThreshold,
			Seed:                 req.Seed,
			Workers:              req.Workers,
			FixedLatent:          req.FixedLatent,
			DumpEvery:            req.DumpEvery,
			DumpParticles:        req.DumpParticles,
		},
		Options: train.Options{
			RunID: runID,
			Generator: generator.Config{
				Hidden:      req.Hidden,
				Activation:  req.Activation,
				OutputScale: req.OutputScale,
			},
			Sequence:  seq,
			Projector: proj,
			Objective: obj,
			Dataset:   ds,
			Dumps:     stats.DistributionFiles{BaseDir: c.runsDir},
			Resume:    resume,
		},
		Record: model.RunRecord{
			CreatedAtUTC: createdAt.Format(time.RFC3339Nano),
			Dataset:      ds.Name,
			Beamline:     seq.Name(),
			Objective:    obj.Name(),
			Seed:         req.Seed,
			Particles:    req.Particles,
			BatchSize:    req.BatchSize,
			LearningRate: req.LearningRate,
			ResumedFrom:  req.ResumeRunID,
		},
		Checkpoints: []train.CheckpointSink{stats.CheckpointFiles{BaseDir: c.runsDir}},
		Prepared: func(context.Context) error {
			return stats.WriteRunConfig(c.runsDir, runID, runCfg)
		},
	})
	if res.Outcome == "" {
		return RunSummary{RunID: runID}, runErr
	}

	finishedAt := time.Now().UTC()
	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: runCfg,
		Summary: stats.RunSummary{
			RunID:           runID,
			State:           string(res.Outcome),
			Iterations:      res.Iterations,
			FinalLoss:       finiteOrZero(res.FinalLoss),
			BestLoss:        finiteOrZero(res.BestLoss),
			DivergedAt:      res.DivergedAt,
			LastCheckpoint:  res.LastCheckpoint,
			DurationSeconds: finishedAt.Sub(createdAt).Seconds(),
			CreatedAtUTC:    createdAt.Format(time.RFC3339Nano),
			FinishedAtUTC:   finishedAt.Format(time.RFC3339Nano),
		},
		LossHistory: res.LossHistory,
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:        runID,
		Dataset:      ds.Name,
		Beamline:     seq.Name(),
		Objective:    obj.Name(),
		Particles:    req.Particles,
		Iterations:   res.Iterations,
		Seed:         req.Seed,
		Workers:      req.Workers,
		State:        string(res.Outcome),
		FinalLoss:    finiteOrZero(res.FinalLoss),
		CreatedAtUTC: createdAt.Format(time.RFC3339Nano),
	}); err != nil {
		return RunSummary{}, err
	}

	return RunSummary{
		RunID:          runID,
		ArtifactsDir:   filepath.Clean(runDir),
		State:          string(res.Outcome),
		Iterations:     res.Iterations,
		FinalLoss:      res.FinalLoss,
		BestLoss:       res.BestLoss,
		DivergedAt:     res.DivergedAt,
		LastCheckpoint: res.LastCheckpoint,
		LossHistory:    res.LossHistory,
	}, runErr
}

// Stop asks an active run to finish after its current iteration.
func (c *Client) Stop(runID string) error {
	return c.platform.StopRun(runID)
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			Dataset:      e.Dataset,
			Beamline:     e.Beamline,
			Objective:    e.Objective,
			State:        e.State,
			Particles:    e.Particles,
			Iterations:   e.Iterations,
			Seed:         e.Seed,
			FinalLoss:    e.FinalLoss,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// LossHistory reads from the store and falls back to the run's
// loss_history.csv.
func (c *Client) LossHistory(ctx context.Context, req LossHistoryRequest) ([]float64, error) {
	if req.Limit < 0 {
		return nil, fault.Config(nil, "limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetLossHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if history, ok, err = stats.ReadLossHistory(c.runsDir, runID); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fault.Config(nil, "loss history not found", goerr.V("run_id", runID))
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[:req.Limit]
	}
	return append([]float64(nil), history...), nil
}

// Sample draws particles from the latest checkpoint of a run and reports
// their moments.
func (c *Client) Sample(ctx context.Context, req SampleRequest) (SampleSummary, error) {
	if req.Particles <= 0 {
		req.Particles = train.DefaultParticles
	}
	if req.Workers <= 0 {
		req.Workers = 1
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return SampleSummary{}, err
	}
	cp, err := c.latestCheckpoint(ctx, runID)
	if err != nil {
		return SampleSummary{}, err
	}
	ens, err := sampleCheckpoint(cp, req.Particles, req.Seed, req.Workers)
	if err != nil {
		return SampleSummary{}, err
	}
	mom, err := beam.ComputeMoments(ens)
	if err != nil {
		return SampleSummary{}, err
	}
	if req.OutFile != "" {
		if err := stats.WriteEnsembleCSV(req.OutFile, ens); err != nil {
			return SampleSummary{}, err
		}
	}
	return SampleSummary{
		RunID:      runID,
		Iteration:  cp.Iteration,
		Particles:  ens.N,
		Mean:       mom.Mean,
		Std:        mom.Std,
		EmittanceX: mom.Emittance(beam.X, beam.PX),
		EmittanceY: mom.Emittance(beam.Y, beam.PY),
		EmittanceZ: mom.Emittance(beam.Z, beam.PZ),
		File:       req.OutFile,
	}, nil
}

// Synthesize renders a dataset from a known beam through the forward chain
// and writes it to OutDir.
func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest) (SynthesizeSummary, error) {
	if req.OutDir == "" {
		return SynthesizeSummary{}, fault.Config(nil, "output directory is required")
	}
	if req.Preset == "" && req.Beamline == "" {
		req.Preset = defaultPreset
	}
	if req.Name == "" {
		req.Name = filepath.Base(req.OutDir)
	}
	if req.BinsX <= 0 {
		req.BinsX = 64
	}
	if req.BinsY <= 0 {
		req.BinsY = 64
	}
	if req.Width == 0 {
		req.Width = 10e-3
	}
	if req.Height == 0 {
		req.Height = 10e-3
	}
	if req.Particles <= 0 {
		req.Particles = 100000
	}
	if req.Workers <= 0 {
		req.Workers = 1
	}

	seq, err := loadSequence(req.Preset, req.Beamline)
	if err != nil {
		return SynthesizeSummary{}, err
	}
	if req.Scan == "" {
		fittable := seq.FittableParameters()
		if len(fittable) == 0 {
			return SynthesizeSummary{}, fault.Config(nil, "beamline has no fittable parameter to scan", goerr.V("beamline", seq.Name()))
		}
		req.Scan = fittable[0]
	}
	if len(req.Values) == 0 {
		req.Values = floats.Span(make([]float64, 5), -10, 10)
	}
	configs, err := dataset.Scan(req.Scan, req.Values)
	if err != nil {
		return SynthesizeSummary{}, err
	}
	proj, err := screen.NewProjector(screen.Geometry{
		NX: req.BinsX, NY: req.BinsY,
		Width: req.Width, Height: req.Height,
		CenterX: req.CenterX, CenterY: req.CenterY,
	}, screen.ProjectorConfig{Bandwidth: req.Bandwidth, Workers: req.Workers})
	if err != nil {
		return SynthesizeSummary{}, err
	}

	var ens *beam.Ensemble
	if req.FromRunID != "" {
		cp, err := c.latestCheckpoint(ctx, req.FromRunID)
		if err != nil {
			return SynthesizeSummary{}, err
		}
		if ens, err = sampleCheckpoint(cp, req.Particles, req.Seed, req.Workers); err != nil {
			return SynthesizeSummary{}, err
		}
	} else {
		std, err := expandStd(req.Std)
		if err != nil {
			return SynthesizeSummary{}, err
		}
		rng := rand.New(rand.NewPCG(req.Seed, 0))
		if ens, err = beam.DiagonalGaussian(std).Sample(rng, req.Particles); err != nil {
			return SynthesizeSummary{}, err
		}
	}

	ds, err := dataset.Synthesize(req.Name, ens, seq, beamline.Propagator{Workers: req.Workers}, proj, configs)
	if err != nil {
		return SynthesizeSummary{}, err
	}
	if err := dataset.Write(req.OutDir, ds); err != nil {
		return SynthesizeSummary{}, err
	}
	ctxlog.From(ctx).Info("dataset synthesized",
		"name", ds.Name, "dir", req.OutDir, "parameter", req.Scan, "measurements", len(ds.Measurements))
	return SynthesizeSummary{
		Name:         ds.Name,
		Directory:    filepath.Clean(req.OutDir),
		Parameter:    req.Scan,
		Measurements: len(ds.Measurements),
	}, nil
}

// Validate checks a dataset against a beamline without training.
func (c *Client) Validate(_ context.Context, req ValidateRequest) (ValidateSummary, error) {
	if req.Dataset == "" {
		return ValidateSummary{}, fault.Config(nil, "dataset directory is required")
	}
	if req.Preset == "" && req.Beamline == "" {
		req.Preset = defaultPreset
	}
	seq, err := loadSequence(req.Preset, req.Beamline)
	if err != nil {
		return ValidateSummary{}, err
	}
	ds, err := dataset.Load(req.Dataset)
	if err != nil {
		return ValidateSummary{}, err
	}
	if err := ds.Validate(seq); err != nil {
		return ValidateSummary{}, err
	}
	for _, m := range ds.Measurements {
		if _, err := seq.Resolve(m.Configuration); err != nil {
			return ValidateSummary{}, goerr.Wrap(err, "resolve measurement", goerr.V("measurement", m.Name))
		}
	}
	return ValidateSummary{
		Dataset:      ds.Name,
		Beamline:     seq.Name(),
		Measurements: len(ds.Measurements),
		Fittable:     seq.FittableParameters(),
	}, nil
}

// Presets lists the built-in beamlines.
func Presets() ([]PresetItem, error) {
	names := beamline.PresetNames()
	out := make([]PresetItem, 0, len(names))
	for _, name := range names {
		desc, err := beamline.Preset(name, beam.DefaultReference())
		if err != nil {
			return nil, err
		}
		seq, err := beamline.NewSequence(desc)
		if err != nil {
			return nil, err
		}
		item := PresetItem{Name: name, Fittable: seq.FittableParameters()}
		for _, e := range seq.Elements() {
			item.Elements = append(item.Elements, e.Name+":"+string(e.Kind))
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", fault.Config(nil, "use either run id or latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", fault.Config(nil, "run id or latest is required")
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fault.Config(nil, "no runs available")
	}
	return entries[0].RunID, nil
}

// latestCheckpoint prefers the store and falls back to checkpoint files, so
// runs recorded by another process with a memory store stay reachable.
func (c *Client) latestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, error) {
	if err := c.Init(ctx); err != nil {
		return model.Checkpoint{}, err
	}
	cp, ok, err := c.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if ok {
		return cp, nil
	}
	cp, ok, err = stats.CheckpointFiles{BaseDir: c.runsDir}.Latest(runID)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if !ok {
		return model.Checkpoint{}, fault.Config(nil, "run has no checkpoint", goerr.V("run_id", runID))
	}
	return cp, nil
}

func sampleCheckpoint(cp model.Checkpoint, n int, seed uint64, workers int) (*beam.Ensemble, error) {
	m, err := generator.FromSnapshot(cp.Model)
	if err != nil {
		return nil, fault.Config(err, "load model from checkpoint", goerr.V("run_id", cp.RunID))
	}
	ens, _, err := m.Sample(rand.New(rand.NewPCG(seed, 0)), n, workers)
	return ens, err
}

func loadSequence(preset, path string) (*beamline.Sequence, error) {
	if preset != "" && path != "" {
		return nil, fault.Config(nil, "use either a beamline preset or a beamline file")
	}
	var desc beamline.Description
	var err error
	if path != "" {
		desc, err = beamline.LoadDescription(path)
	} else {
		desc, err = beamline.Preset(preset, beam.DefaultReference())
	}
	if err != nil {
		return nil, err
	}
	return beamline.NewSequence(desc)
}

func expandStd(std []float64) ([beam.Dims]float64, error) {
	var out [beam.Dims]float64
	switch len(std) {
	case 0:
		for i := range out {
			out[i] = 1e-3
		}
	case 1:
		for i := range out {
			out[i] = std[0]
		}
	case beam.Dims:
		copy(out[:], std)
	default:
		return out, fault.Config(nil, "beam std needs 1 or 6 entries", goerr.V("len", len(std)))
	}
	for _, s := range out {
		if !(s > 0) {
			return out, fault.Config(nil, "beam std must be > 0", goerr.V("std", std))
		}
	}
	return out, nil
}

func storeKindOf(store storage.Store) string {
	switch store.(type) {
	case *storage.SQLiteStore:
		return "sqlite"
	default:
		return "memory"
	}
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
