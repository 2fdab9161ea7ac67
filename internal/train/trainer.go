package train

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"phasespace/internal/beam"
	"phasespace/internal/beamline"
	"phasespace/internal/dataset"
	"phasespace/internal/fault"
	"phasespace/internal/generator"
	"phasespace/internal/model"
	"phasespace/internal/objective"
	"phasespace/internal/optim"
	"phasespace/internal/screen"
)

const (
	CheckpointSchemaVersion = 1
	CheckpointCodecVersion  = 1

	// rngStream is the second PCG word; the seed is the first.
	rngStream = 0x70686173
)

var iterationScope = ctxlog.NewScope("phasespace_iteration", ctxlog.EnabledBy("PHASESPACE_LOGGING_ITERATIONS"))

// CheckpointSink persists checkpoints. A save either fully succeeds or leaves
// the previous checkpoint in place.
type CheckpointSink interface {
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
}

// DumpSink receives periodic samples of the current distribution.
type DumpSink interface {
	SaveDistribution(ctx context.Context, runID string, iteration int, ens *beam.Ensemble) error
}

type Options struct {
	RunID     string
	Generator generator.Config
	Sequence  *beamline.Sequence
	Projector *screen.Projector
	Objective *objective.Objective
	// Dataset images are normalised to the projector intensity by New.
	Dataset     *dataset.Dataset
	Checkpoints CheckpointSink
	Dumps       DumpSink
	Control     <-chan Command
	Resume      *model.Checkpoint
}

// Result describes a finished run. Outcome is the terminal state reached
// before finalisation. Model always holds finite parameters: on divergence
// it is the state after the last completed iteration.
type Result struct {
	RunID          string
	Outcome        State
	Iterations     int
	FinalLoss      float64
	BestLoss       float64
	DivergedAt     int
	LossHistory    []float64
	LastCheckpoint int
	Model          *generator.Model
}

// Trainer owns the model parameters and optimizer state of one run. It is
// not safe for concurrent use; Stop requests go through Options.Control.
type Trainer struct {
	cfg     Config
	runID   string
	model   *generator.Model
	prop    beamline.Propagator
	proj    *screen.Projector
	obj     *objective.Objective
	data    *dataset.Dataset
	weights []float64
	lattice []beamline.Lattice

	checkpoints CheckpointSink
	dumps       DumpSink
	control     <-chan Command

	src     *rand.PCG
	rng     *rand.Rand
	adam    *optim.Adam
	sampler *dataset.Sampler
	latent  []float64

	state          State
	iteration      int
	history        []float64
	lastCheckpoint int
}

func New(cfg Config, opts Options) (*Trainer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		return nil, goerr.New("run id is required")
	}
	if opts.Sequence == nil || opts.Projector == nil || opts.Objective == nil || opts.Dataset == nil {
		return nil, goerr.New("sequence, projector, objective and dataset are required")
	}
	if err := opts.Dataset.Validate(opts.Sequence); err != nil {
		return nil, err
	}
	if !opts.Dataset.Geometry.Same(opts.Projector.Geometry()) {
		return nil, fault.Config(fault.ErrGeometryMismatch, "dataset screen differs from projector screen")
	}
	data, err := opts.Dataset.Normalized(opts.Projector.Intensity())
	if err != nil {
		return nil, err
	}
	lattice := make([]beamline.Lattice, len(data.Measurements))
	for i, m := range data.Measurements {
		if lattice[i], err = opts.Sequence.Resolve(m.Configuration); err != nil {
			return nil, err
		}
	}

	t := &Trainer{
		cfg:         cfg,
		runID:       opts.RunID,
		prop:        beamline.Propagator{Workers: cfg.Workers},
		proj:        opts.Projector,
		obj:         opts.Objective,
		data:        data,
		weights:     data.Weights(),
		lattice:     lattice,
		checkpoints: opts.Checkpoints,
		dumps:       opts.Dumps,
		control:     opts.Control,
		src:         rand.NewPCG(cfg.Seed, rngStream),
		sampler:     dataset.NewSampler(len(data.Measurements)),
		state:       StateInitialized,
	}
	t.rng = rand.New(t.src)

	if opts.Resume != nil {
		if err := t.restore(*opts.Resume); err != nil {
			return nil, fault.Config(err, "resume from checkpoint", goerr.V("run_id", opts.Resume.RunID))
		}
		return t, nil
	}

	if t.model, err = generator.New(opts.Generator, t.rng); err != nil {
		return nil, err
	}
	if t.adam, err = optim.NewAdam(optim.AdamConfig{LearningRate: cfg.LearningRate, GradClip: cfg.GradClip}, t.model.NumParams()); err != nil {
		return nil, err
	}
	if cfg.FixedLatent {
		t.latent = generator.DrawLatent(t.rng, cfg.Particles)
	}
	return t, nil
}

func (t *Trainer) restore(cp model.Checkpoint) error {
	if cp.SchemaVersion != CheckpointSchemaVersion || cp.CodecVersion != CheckpointCodecVersion {
		return goerr.New("checkpoint version mismatch",
			goerr.V("schema", cp.SchemaVersion), goerr.V("codec", cp.CodecVersion))
	}
	m, err := generator.FromSnapshot(cp.Model)
	if err != nil {
		return err
	}
	adam, err := optim.NewAdam(optim.AdamConfig{LearningRate: t.cfg.LearningRate, GradClip: t.cfg.GradClip}, m.NumParams())
	if err != nil {
		return err
	}
	if err := adam.Restore(cp.Optimizer); err != nil {
		return err
	}
	if err := t.sampler.Restore(cp.Sampler); err != nil {
		return err
	}
	if len(cp.RNG) > 0 {
		if err := t.src.UnmarshalBinary(cp.RNG); err != nil {
			return goerr.Wrap(err, "restore random state")
		}
	}
	if t.cfg.FixedLatent {
		if len(cp.Latent) != t.cfg.Particles*beam.Dims {
			return goerr.New("checkpoint has no fixed latent batch for this particle count")
		}
		t.latent = append([]float64(nil), cp.Latent...)
	}
	t.model = m
	t.adam = adam
	t.iteration = cp.Iteration
	t.history = append([]float64(nil), cp.LossHistory...)
	t.lastCheckpoint = cp.Iteration
	return nil
}

func (t *Trainer) State() State            { return t.state }
func (t *Trainer) Iteration() int          { return t.iteration }
func (t *Trainer) Model() *generator.Model { return t.model }
func (t *Trainer) LossHistory() []float64  { return append([]float64(nil), t.history...) }

// Run trains until the iteration budget is spent, the loss plateaus, the
// loss or a parameter stops being finite, or a stop is requested. Stop
// requests and context cancellation are honoured between iterations.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	if t.state != StateInitialized {
		return Result{}, goerr.New("trainer already ran", goerr.V("state", t.state))
	}
	logger := ctxlog.From(ctx)
	t.state = StateTraining
	logger.Info("training started",
		"run_id", t.runID,
		"iteration", t.iteration,
		"budget", t.cfg.Iterations,
		"measurements", len(t.data.Measurements),
		"parameters", t.model.NumParams(),
		"objective", t.obj.Name(),
	)

	outcome := StateBudgetExhausted
	for t.iteration < t.cfg.Iterations {
		if t.stopRequested(ctx) {
			outcome = StateStopped
			break
		}
		it := t.iteration + 1
		lr := t.cfg.Schedule.Rate(t.cfg.LearningRate, t.iteration)
		loss, norm, err := t.step(ctx, lr)
		if err != nil {
			if fault.IsNumerical(err) {
				return t.diverged(ctx, it, loss, err)
			}
			return Result{}, goerr.Wrap(err, "training iteration", goerr.V("iteration", it))
		}
		t.iteration = it
		t.history = append(t.history, loss)

		ctxlog.From(ctx, iterationScope).Debug("iteration", "iteration", it, "loss", loss, "grad_norm", norm, "lr", lr)
		if t.cfg.LogEvery > 0 && it%t.cfg.LogEvery == 0 {
			logger.Info("training progress", "iteration", it, "loss", loss, "lr", lr)
		}
		if t.cfg.CheckpointEvery > 0 && it%t.cfg.CheckpointEvery == 0 {
			if err := t.saveCheckpoint(ctx, StateTraining); err != nil {
				return Result{}, err
			}
		}
		if t.dumps != nil && t.cfg.DumpEvery > 0 && it%t.cfg.DumpEvery == 0 {
			if err := t.dump(ctx, it); err != nil {
				return Result{}, err
			}
		}
		if t.converged() {
			outcome = StateConverged
			break
		}
	}
	t.state = outcome

	// Persist even when the run was cancelled.
	if err := t.saveCheckpoint(context.WithoutCancel(ctx), outcome); err != nil {
		return Result{}, err
	}
	t.state = StateFinalized
	logger.Info("training finished", "run_id", t.runID, "outcome", outcome, "iterations", t.iteration)
	return t.result(outcome, 0), nil
}

func (t *Trainer) diverged(ctx context.Context, it int, loss float64, cause error) (Result, error) {
	t.state = StateDiverged
	ctxlog.From(ctx).Error("training diverged", "run_id", t.runID, "iteration", it, "loss", loss)
	res := t.result(StateDiverged, it)
	return res, goerr.Wrap(cause, "training diverged", goerr.V("iteration", it), goerr.V("run_id", t.runID))
}

func (t *Trainer) result(outcome State, divergedAt int) Result {
	res := Result{
		RunID:          t.runID,
		Outcome:        outcome,
		Iterations:     t.iteration,
		DivergedAt:     divergedAt,
		LossHistory:    t.LossHistory(),
		LastCheckpoint: t.lastCheckpoint,
		Model:          t.model,
		BestLoss:       math.NaN(),
		FinalLoss:      math.NaN(),
	}
	for i, l := range t.history {
		if i == 0 || l < res.BestLoss {
			res.BestLoss = l
		}
		res.FinalLoss = l
	}
	return res
}

func (t *Trainer) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	for {
		select {
		case cmd := <-t.control:
			if cmd == CommandStop {
				return true
			}
		default:
			return false
		}
	}
}

func (t *Trainer) converged() bool {
	w := t.cfg.ConvergenceWindow
	if w <= 0 || len(t.history) < 2*w {
		return false
	}
	recent := mean(t.history[len(t.history)-w:])
	previous := mean(t.history[len(t.history)-2*w : len(t.history)-w])
	if previous == 0 {
		return true
	}
	return (previous-recent)/math.Abs(previous) < t.cfg.ConvergenceThreshold
}

func mean(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}

type measurementPass struct {
	ensemble *beam.Ensemble
	trace    *beamline.Trace
	image    screen.Image
	tape     *screen.Tape
}

// step runs one forward/backward pass over a mini-batch and applies one
// optimizer update. It returns the batch loss before the update and the
// gradient norm.
func (t *Trainer) step(ctx context.Context, lr float64) (float64, float64, error) {
	batch := t.sampler.Next(t.rng, t.cfg.BatchSize)

	var (
		ens  *beam.Ensemble
		tape *generator.Tape
		err  error
	)
	if t.latent != nil {
		ens, tape, err = t.model.Transform(t.latent, t.cfg.Workers)
	} else {
		ens, tape, err = t.model.Sample(t.rng, t.cfg.Particles, t.cfg.Workers)
	}
	if err != nil {
		return 0, 0, err
	}

	passes := make([]measurementPass, len(batch))
	eg, _ := errgroup.WithContext(ctx)
	for slot, idx := range batch {
		eg.Go(func() error {
			out, trace, err := t.prop.Track(ens, t.lattice[idx])
			if err != nil {
				return goerr.Wrap(err, "propagate", goerr.V("measurement", t.data.Measurements[idx].Name))
			}
			img, ptape, err := t.proj.Project(out)
			if err != nil {
				return goerr.Wrap(err, "project", goerr.V("measurement", t.data.Measurements[idx].Name))
			}
			passes[slot] = measurementPass{ensemble: out, trace: trace, image: img, tape: ptape}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, 0, err
	}

	sim := make([]screen.Image, len(batch))
	meas := make([]screen.Image, len(batch))
	var weights []float64
	if t.weights != nil {
		weights = make([]float64, len(batch))
	}
	for slot, idx := range batch {
		sim[slot] = passes[slot].image
		meas[slot] = t.data.Measurements[idx].Image
		if weights != nil {
			weights[slot] = t.weights[idx]
		}
	}
	loss, gradImages, err := t.obj.Evaluate(sim, meas, weights)
	if err != nil {
		return 0, 0, err
	}
	reg, regGrad, err := t.obj.Regularize(ens)
	if err != nil {
		return 0, 0, goerr.Wrap(err, "entropy term")
	}
	loss += reg
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, 0, fault.Divergence("loss is not finite", goerr.V("loss", loss))
	}

	grads := make([]*beam.Ensemble, len(batch))
	eg, _ = errgroup.WithContext(ctx)
	for slot := range batch {
		eg.Go(func() error {
			g, err := t.proj.Backward(passes[slot].tape, gradImages[slot])
			if err != nil {
				return err
			}
			grads[slot], err = passes[slot].trace.Backward(g)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, 0, err
	}
	total := beam.NewEnsemble(ens.N)
	if regGrad != nil {
		copy(total.Coords, regGrad.Coords)
	}
	for _, g := range grads {
		for k, v := range g.Coords {
			total.Coords[k] += v
		}
	}

	t.model.ZeroGrad()
	if err := t.model.Backward(tape, total, t.cfg.Workers); err != nil {
		return 0, 0, err
	}
	params := t.model.Params()
	saved := make([][]float64, len(params))
	for i, p := range params {
		saved[i] = append([]float64(nil), p...)
	}
	optState := t.adam.Snapshot()
	norm, err := t.adam.Step(params, t.model.Grads(), lr)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(norm) || math.IsInf(norm, 0) || !t.model.ParamsFinite() {
		// Roll back so the model handed out on divergence is the last finite one.
		for i, p := range params {
			copy(p, saved[i])
		}
		if rerr := t.adam.Restore(optState); rerr != nil {
			return loss, norm, goerr.Wrap(rerr, "roll back optimizer state")
		}
		return loss, norm, fault.Divergence("parameters are not finite", goerr.V("grad_norm", norm))
	}
	return loss, norm, nil
}

// Checkpoint captures the current resumable state.
func (t *Trainer) Checkpoint(state State) (model.Checkpoint, error) {
	rngState, err := t.src.MarshalBinary()
	if err != nil {
		return model.Checkpoint{}, goerr.Wrap(err, "encode random state")
	}
	return model.Checkpoint{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: CheckpointSchemaVersion,
			CodecVersion:  CheckpointCodecVersion,
		},
		RunID:        t.runID,
		Iteration:    t.iteration,
		State:        string(state),
		Model:        t.model.Snapshot(),
		Optimizer:    t.adam.Snapshot(),
		LossHistory:  t.LossHistory(),
		RNG:          rngState,
		Sampler:      t.sampler.Snapshot(),
		Latent:       append([]float64(nil), t.latent...),
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (t *Trainer) saveCheckpoint(ctx context.Context, state State) error {
	if t.checkpoints == nil {
		return nil
	}
	cp, err := t.Checkpoint(state)
	if err != nil {
		return err
	}
	if err := t.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return fault.IO(err, "save checkpoint", goerr.V("run_id", t.runID), goerr.V("iteration", t.iteration))
	}
	t.lastCheckpoint = t.iteration
	return nil
}

// dump samples the current model with a generator derived from the run seed
// and iteration so the training stream is not advanced.
func (t *Trainer) dump(ctx context.Context, it int) error {
	rng := rand.New(rand.NewPCG(t.cfg.Seed^uint64(it), rngStream+1))
	ens, _, err := t.model.Sample(rng, t.cfg.DumpParticles, t.cfg.Workers)
	if err != nil {
		return err
	}
	if err := t.dumps.SaveDistribution(ctx, t.runID, it, ens); err != nil {
		return fault.IO(err, "save distribution dump", goerr.V("iteration", it))
	}
	return nil
}
