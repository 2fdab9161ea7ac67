// Package optim holds the parameter update rule and learning-rate schedules
// used by the training loop.
package optim

import (
	"math"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/fault"
	"phasespace/internal/model"
)

const (
	DefaultBeta1   = 0.9
	DefaultBeta2   = 0.999
	DefaultEpsilon = 1e-8
)

type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	// GradClip bounds the global gradient norm; 0 disables clipping.
	GradClip float64
}

// Adam keeps first and second moments flattened in parameter order.
type Adam struct {
	cfg  AdamConfig
	step int
	m, v []float64
}

func NewAdam(cfg AdamConfig, numParams int) (*Adam, error) {
	if cfg.Beta1 == 0 {
		cfg.Beta1 = DefaultBeta1
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = DefaultBeta2
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if !(cfg.LearningRate > 0) || math.IsInf(cfg.LearningRate, 0) {
		return nil, fault.Config(nil, "learning rate must be > 0", goerr.V("learning_rate", cfg.LearningRate))
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, fault.Config(nil, "adam betas must be in [0, 1)", goerr.V("beta1", cfg.Beta1), goerr.V("beta2", cfg.Beta2))
	}
	if cfg.GradClip < 0 {
		return nil, fault.Config(nil, "gradient clip must be >= 0", goerr.V("grad_clip", cfg.GradClip))
	}
	return &Adam{cfg: cfg, m: make([]float64, numParams), v: make([]float64, numParams)}, nil
}

func (a *Adam) Steps() int                { return a.step }
func (a *Adam) BaseLearningRate() float64 { return a.cfg.LearningRate }

// Step applies one update with learning rate lr to params using grads.
// Both are in the same canonical order and must total the optimizer size.
// It returns the global gradient norm before clipping.
func (a *Adam) Step(params, grads [][]float64, lr float64) (float64, error) {
	total := 0
	for i, p := range params {
		if len(grads[i]) != len(p) {
			return 0, goerr.New("gradient shape does not match parameter", goerr.V("tensor", i))
		}
		total += len(p)
	}
	if len(grads) != len(params) || total != len(a.m) {
		return 0, goerr.New("parameter count does not match optimizer state",
			goerr.V("params", total), goerr.V("state", len(a.m)))
	}

	norm := GlobalNorm(grads)
	scale := 1.0
	if a.cfg.GradClip > 0 && norm > a.cfg.GradClip {
		scale = a.cfg.GradClip / norm
	}

	a.step++
	b1, b2, eps := a.cfg.Beta1, a.cfg.Beta2, a.cfg.Epsilon
	b1Corr := 1 - math.Pow(b1, float64(a.step))
	b2Corr := 1 - math.Pow(b2, float64(a.step))

	pos := 0
	for i, p := range params {
		g := grads[i]
		for j := range p {
			gj := g[j] * scale
			a.m[pos] = b1*a.m[pos] + (1-b1)*gj
			a.v[pos] = b2*a.v[pos] + (1-b2)*gj*gj
			mhat := a.m[pos] / b1Corr
			vhat := a.v[pos] / b2Corr
			p[j] -= lr * mhat / (math.Sqrt(vhat) + eps)
			pos++
		}
	}
	return norm, nil
}

func GlobalNorm(grads [][]float64) float64 {
	var s float64
	for _, g := range grads {
		for _, v := range g {
			s += v * v
		}
	}
	return math.Sqrt(s)
}

func (a *Adam) Snapshot() model.OptimizerSnapshot {
	return model.OptimizerSnapshot{
		Name:         "adam",
		Step:         a.step,
		LearningRate: a.cfg.LearningRate,
		Beta1:        a.cfg.Beta1,
		Beta2:        a.cfg.Beta2,
		Epsilon:      a.cfg.Epsilon,
		M:            append([]float64(nil), a.m...),
		V:            append([]float64(nil), a.v...),
	}
}

// Restore loads moments and the step counter. Hyperparameters stay as
// configured so a resumed run may change them.
func (a *Adam) Restore(s model.OptimizerSnapshot) error {
	if s.Name != "" && s.Name != "adam" {
		return goerr.New("optimizer snapshot is not adam", goerr.V("name", s.Name))
	}
	if len(s.M) != len(a.m) || len(s.V) != len(a.v) {
		return goerr.New("optimizer snapshot size mismatch", goerr.V("snapshot", len(s.M)), goerr.V("state", len(a.m)))
	}
	if s.Step < 0 {
		return goerr.New("optimizer snapshot step is negative", goerr.V("step", s.Step))
	}
	copy(a.m, s.M)
	copy(a.v, s.V)
	a.step = s.Step
	return nil
}
