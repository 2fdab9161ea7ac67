package train

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"

	"phasespace/internal/beam"
	"phasespace/internal/beamline"
	"phasespace/internal/dataset"
	"phasespace/internal/fault"
	"phasespace/internal/generator"
	"phasespace/internal/model"
	"phasespace/internal/objective"
	"phasespace/internal/screen"
)

type memorySink struct {
	mu          sync.Mutex
	checkpoints []model.Checkpoint
	onSave      func(cp model.Checkpoint)
}

func (s *memorySink) SaveCheckpoint(_ context.Context, cp model.Checkpoint) error {
	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, cp)
	hook := s.onSave
	s.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (s *memorySink) last() model.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[len(s.checkpoints)-1]
}

func (s *memorySink) at(iteration int) (model.Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.checkpoints {
		if cp.Iteration == iteration {
			return cp, true
		}
	}
	return model.Checkpoint{}, false
}

type dumpRecorder struct {
	iterations []int
	sizes      []int
}

func (d *dumpRecorder) SaveDistribution(_ context.Context, _ string, iteration int, ens *beam.Ensemble) error {
	d.iterations = append(d.iterations, iteration)
	d.sizes = append(d.sizes, ens.N)
	return nil
}

var truthStd = [beam.Dims]float64{1e-3, 1e-3, 1e-3, 1e-3, 1e-3, 1e-3}

func fixture(t *testing.T, sink CheckpointSink) Options {
	t.Helper()
	seq, err := beamline.NewSequence(beamline.QuadDrift(beam.DefaultReference(), beamline.QuadDriftOptions{}))
	gt.NoError(t, err)
	proj, err := screen.NewProjector(screen.Geometry{NX: 20, NY: 20, Width: 8e-3, Height: 8e-3}, screen.ProjectorConfig{Workers: 2})
	gt.NoError(t, err)
	truth, err := beam.DiagonalGaussian(truthStd).Sample(rand.New(rand.NewPCG(11, 11)), 4000)
	gt.NoError(t, err)
	configs, err := dataset.Scan("Q0.k1", []float64{-10, -5, 0, 5, 10})
	gt.NoError(t, err)
	ds, err := dataset.Synthesize("fixture", truth, seq, beamline.Propagator{Workers: 2}, proj, configs)
	gt.NoError(t, err)
	obj, err := objective.New("mse")
	gt.NoError(t, err)
	return Options{
		RunID:       "run-test",
		Generator:   generator.Config{Hidden: []int{10}},
		Sequence:    seq,
		Projector:   proj,
		Objective:   obj,
		Dataset:     ds,
		Checkpoints: sink,
	}
}

func smallConfig() Config {
	return Config{
		Iterations:   4,
		BatchSize:    3,
		Particles:    300,
		LearningRate: 0.01,
		Seed:         7,
		Workers:      2,
	}
}

func TestEveryParameterReceivesFiniteGradient(t *testing.T) {
	tr, err := New(smallConfig(), fixture(t, nil))
	gt.NoError(t, err)
	loss, norm, err := tr.step(context.Background(), 0.01)
	gt.NoError(t, err)
	gt.False(t, math.IsNaN(loss))
	gt.N(t, norm).Greater(0)

	for i, g := range tr.Model().Grads() {
		var sq float64
		for _, v := range g {
			gt.False(t, math.IsNaN(v) || math.IsInf(v, 0))
			sq += v * v
		}
		if sq == 0 {
			t.Fatalf("parameter tensor %d received no gradient", i)
		}
	}
}

func TestRunExhaustsBudget(t *testing.T) {
	sink := &memorySink{}
	cfg := smallConfig()
	cfg.CheckpointEvery = 2
	tr, err := New(cfg, fixture(t, sink))
	gt.NoError(t, err)
	gt.Equal(t, tr.State(), StateInitialized)

	res, err := tr.Run(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, res.Outcome, StateBudgetExhausted)
	gt.Equal(t, tr.State(), StateFinalized)
	gt.Equal(t, res.Iterations, 4)
	gt.A(t, res.LossHistory).Length(4)
	gt.Equal(t, res.FinalLoss, res.LossHistory[3])
	gt.N(t, res.FinalLoss).GreaterOrEqual(res.BestLoss)

	// periodic at 2 and 4, then the final one
	gt.A(t, sink.checkpoints).Length(3)
	gt.Equal(t, sink.last().State, string(StateBudgetExhausted))
	gt.Equal(t, sink.last().Iteration, 4)

	_, err = tr.Run(context.Background())
	gt.Error(t, err)
}

func TestRunIsDeterministicForSeed(t *testing.T) {
	run := func() Result {
		tr, err := New(smallConfig(), fixture(t, nil))
		gt.NoError(t, err)
		res, err := tr.Run(context.Background())
		gt.NoError(t, err)
		return res
	}
	a, b := run(), run()
	gt.Equal(t, a.LossHistory, b.LossHistory)
	gt.Equal(t, a.Model.Snapshot(), b.Model.Snapshot())

	cfg := smallConfig()
	cfg.Seed = 8
	tr, err := New(cfg, fixture(t, nil))
	gt.NoError(t, err)
	c, err := tr.Run(context.Background())
	gt.NoError(t, err)
	gt.NotEqual(t, a.LossHistory, c.LossHistory)
}

func TestDivergenceKeepsPriorCheckpoint(t *testing.T) {
	sink := &memorySink{}
	cfg := smallConfig()
	cfg.LearningRate = 1e12
	cfg.CheckpointEvery = 1
	cfg.Iterations = 10
	tr, err := New(cfg, fixture(t, sink))
	gt.NoError(t, err)

	res, err := tr.Run(context.Background())
	gt.Error(t, err)
	gt.True(t, fault.IsNumerical(err))
	gt.True(t, errors.Is(err, fault.ErrDiverged))
	gt.Equal(t, res.Outcome, StateDiverged)
	gt.Equal(t, tr.State(), StateDiverged)
	gt.Equal(t, res.DivergedAt, 2)
	gt.Equal(t, res.Iterations, 1)
	gt.A(t, res.LossHistory).Length(1)

	gt.A(t, sink.checkpoints).Length(1)
	cp := sink.last()
	gt.Equal(t, cp.Iteration, 1)
	restored, err := generator.FromSnapshot(cp.Model)
	gt.NoError(t, err)
	gt.True(t, restored.ParamsFinite())
	gt.True(t, res.Model.ParamsFinite())
	gt.Equal(t, res.Model.Snapshot().Layers, cp.Model.Layers)
}

func init() {
	objective.MustRegister("nonfinite_gradient", func(_, _, grad []float64) float64 {
		for k := range grad {
			grad[k] = math.Inf(1)
		}
		return 1
	})
}

func TestNonFiniteUpdateLeavesModelFinite(t *testing.T) {
	opts := fixture(t, nil)
	obj, err := objective.New("nonfinite_gradient")
	gt.NoError(t, err)
	opts.Objective = obj
	tr, err := New(smallConfig(), opts)
	gt.NoError(t, err)
	before := tr.Model().Snapshot()

	res, err := tr.Run(context.Background())
	gt.True(t, fault.IsNumerical(err))
	gt.Equal(t, res.Outcome, StateDiverged)
	gt.Equal(t, res.DivergedAt, 1)
	gt.True(t, res.Model.ParamsFinite())
	gt.Equal(t, res.Model.Snapshot().Layers, before.Layers)
}

func TestStopRequestEndsRunBetweenIterations(t *testing.T) {
	control := make(chan Command, 1)
	sink := &memorySink{}
	sink.onSave = func(cp model.Checkpoint) {
		if cp.Iteration == 2 && cp.State == string(StateTraining) {
			control <- CommandStop
		}
	}
	cfg := smallConfig()
	cfg.Iterations = 50
	cfg.CheckpointEvery = 1
	opts := fixture(t, sink)
	opts.Control = control
	tr, err := New(cfg, opts)
	gt.NoError(t, err)

	res, err := tr.Run(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, res.Outcome, StateStopped)
	gt.Equal(t, res.Iterations, 2)
	gt.Equal(t, sink.last().State, string(StateStopped))
	gt.Equal(t, sink.last().Iteration, 2)
}

func TestCancelledContextStillWritesFinalCheckpoint(t *testing.T) {
	sink := &memorySink{}
	tr, err := New(smallConfig(), fixture(t, sink))
	gt.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := tr.Run(ctx)
	gt.NoError(t, err)
	gt.Equal(t, res.Outcome, StateStopped)
	gt.Equal(t, res.Iterations, 0)
	gt.A(t, sink.checkpoints).Length(1)
	gt.True(t, math.IsNaN(res.FinalLoss))
}

func TestConvergenceOnPlateau(t *testing.T) {
	cfg := smallConfig()
	cfg.Iterations = 100
	cfg.ConvergenceWindow = 2
	cfg.ConvergenceThreshold = 1e9
	tr, err := New(cfg, fixture(t, nil))
	gt.NoError(t, err)
	res, err := tr.Run(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, res.Outcome, StateConverged)
	gt.Equal(t, res.Iterations, 4)
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	for _, fixed := range []bool{false, true} {
		sink := &memorySink{}
		cfg := smallConfig()
		cfg.Iterations = 6
		cfg.CheckpointEvery = 3
		cfg.FixedLatent = fixed
		full, err := New(cfg, fixture(t, sink))
		gt.NoError(t, err)
		want, err := full.Run(context.Background())
		gt.NoError(t, err)

		cp, ok := sink.at(3)
		gt.True(t, ok)
		opts := fixture(t, nil)
		opts.Resume = &cp
		resumed, err := New(cfg, opts)
		gt.NoError(t, err)
		gt.Equal(t, resumed.Iteration(), 3)
		got, err := resumed.Run(context.Background())
		gt.NoError(t, err)

		gt.Equal(t, got.LossHistory, want.LossHistory)
		gt.Equal(t, got.Model.Snapshot(), want.Model.Snapshot())
	}
}

func TestResumeRejectsVersionMismatch(t *testing.T) {
	sink := &memorySink{}
	tr, err := New(smallConfig(), fixture(t, sink))
	gt.NoError(t, err)
	_, err = tr.Run(context.Background())
	gt.NoError(t, err)

	cp := sink.last()
	cp.SchemaVersion = 99
	opts := fixture(t, nil)
	opts.Resume = &cp
	_, err = New(smallConfig(), opts)
	gt.True(t, fault.IsConfiguration(err))
}

func TestDistributionDumps(t *testing.T) {
	dumps := &dumpRecorder{}
	cfg := smallConfig()
	cfg.DumpEvery = 2
	cfg.DumpParticles = 50
	opts := fixture(t, nil)
	opts.Dumps = dumps
	tr, err := New(cfg, opts)
	gt.NoError(t, err)
	_, err = tr.Run(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, dumps.iterations, []int{2, 4})
	gt.Equal(t, dumps.sizes, []int{50, 50})
}

func TestConfigurationErrorsBeforeTraining(t *testing.T) {
	opts := fixture(t, nil)
	cfg := smallConfig()
	cfg.LearningRate = -1
	_, err := New(cfg, opts)
	gt.True(t, fault.IsConfiguration(err))

	opts = fixture(t, nil)
	opts.Dataset.Measurements[0].Configuration.Values = map[string]float64{"D0.length": 2}
	_, err = New(smallConfig(), opts)
	gt.True(t, fault.IsConfiguration(err))

	opts = fixture(t, nil)
	other, err := screen.NewProjector(screen.Geometry{NX: 10, NY: 20, Width: 8e-3, Height: 8e-3}, screen.ProjectorConfig{})
	gt.NoError(t, err)
	opts.Projector = other
	_, err = New(smallConfig(), opts)
	gt.True(t, errors.Is(err, fault.ErrGeometryMismatch))
}

// The quad scan constrains the transverse planes. After training, the mean
// of each of (x, px, y, py) must lie within 0.3 sigma of the truth, and every
// covariance entry of that block, normalised by sigma_i sigma_j, within 0.3 of
// the ground truth (identity after normalisation).
func TestRecoversTransverseMoments(t *testing.T) {
	if testing.Short() {
		t.Skip("reconstruction round trip is slow")
	}
	const tolerance = 0.3
	opts := fixture(t, nil)
	cfg := Config{
		Iterations:   600,
		BatchSize:    5,
		Particles:    2000,
		LearningRate: 0.01,
		Seed:         3,
		Workers:      4,
	}
	tr, err := New(cfg, opts)
	gt.NoError(t, err)

	res, err := tr.Run(context.Background())
	gt.NoError(t, err)
	first := mean(res.LossHistory[:10])
	last := mean(res.LossHistory[len(res.LossHistory)-10:])
	gt.True(t, last < first)

	mom := sampledMoments(t, res.Model)
	transverse := []int{beam.X, beam.PX, beam.Y, beam.PY}
	for _, i := range transverse {
		if d := math.Abs(mom.Mean[i]) / truthStd[i]; d > tolerance {
			t.Fatalf("%s mean %g is %.2f sigma from truth", beam.CoordinateName(i), mom.Mean[i], d)
		}
		for _, j := range transverse {
			want := 0.0
			if i == j {
				want = truthStd[i] * truthStd[j]
			}
			d := math.Abs(mom.Covariance[i][j]-want) / (truthStd[i] * truthStd[j])
			if d > tolerance {
				t.Fatalf("cov(%s,%s)=%g want %g (normalised error %.2f)",
					beam.CoordinateName(i), beam.CoordinateName(j), mom.Covariance[i][j], want, d)
			}
		}
	}
}

func sampledMoments(t *testing.T, m *generator.Model) beam.Moments {
	t.Helper()
	ens, _, err := m.Sample(rand.New(rand.NewPCG(99, 99)), 5000, 2)
	gt.NoError(t, err)
	mom, err := beam.ComputeMoments(ens)
	gt.NoError(t, err)
	return mom
}

func TestMENTStepSubtractsBeamEntropy(t *testing.T) {
	cfg := smallConfig()
	cfg.FixedLatent = true

	opts := fixture(t, nil)
	ment, err := objective.New(objective.MENT, objective.WithLambda(1))
	gt.NoError(t, err)
	opts.Objective = ment
	tr, err := New(cfg, opts)
	gt.NoError(t, err)
	ens, _, err := tr.model.Transform(tr.latent, 1)
	gt.NoError(t, err)
	h, _, err := objective.GaussianEntropy(ens)
	gt.NoError(t, err)

	plain := fixture(t, nil)
	plain.Objective, err = objective.New("mae")
	gt.NoError(t, err)
	ref, err := New(cfg, plain)
	gt.NoError(t, err)

	lossMENT, norm, err := tr.step(context.Background(), 0.01)
	gt.NoError(t, err)
	gt.False(t, math.IsNaN(norm))
	lossMAE, _, err := ref.step(context.Background(), 0.01)
	gt.NoError(t, err)
	if d := math.Abs(lossMENT - (lossMAE - h)); d > 1e-9*math.Max(1, math.Abs(h)) {
		t.Fatalf("ment loss %g, want mae %g minus entropy %g", lossMENT, lossMAE, h)
	}
}
