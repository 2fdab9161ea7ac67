// Package objective scores simulated screen images against measurements.
package objective

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/fault"
	"phasespace/internal/screen"
)

const Default = "mse"

// MENT is the maximum-entropy objective: Lambda times the mean absolute image
// discrepancy minus the Gaussian entropy of the generated beam.
const (
	MENT          = "ment"
	DefaultLambda = 1e11
)

// poissonFloor keeps log(s) finite where the simulation is empty.
const poissonFloor = 1e-12

var (
	ErrLossExists   = errors.New("loss already registered")
	ErrLossNotFound = errors.New("loss not found")
)

// PixelLoss returns the per-image mean discrepancy and writes d(loss)/d(sim)
// into grad, which has the length of sim.
type PixelLoss func(sim, meas, grad []float64) float64

var lossRegistry = struct {
	mu sync.RWMutex
	m  map[string]PixelLoss
}{
	m: make(map[string]PixelLoss),
}

func init() {
	initializeBuiltInLosses()
}

func initializeBuiltInLosses() {
	MustRegister("mse", meanSquared)
	MustRegister("mae", meanAbsolute)
	MustRegister("poisson", poissonNLL)
	MustRegister(MENT, meanAbsolute)
}

func Register(name string, fn PixelLoss) error {
	if name == "" || fn == nil {
		return goerr.New("loss name and function are required")
	}
	lossRegistry.mu.Lock()
	defer lossRegistry.mu.Unlock()
	if _, exists := lossRegistry.m[name]; exists {
		return goerr.Wrap(ErrLossExists, "register loss", goerr.V("name", name))
	}
	lossRegistry.m[name] = fn
	return nil
}

func MustRegister(name string, fn PixelLoss) {
	if err := Register(name, fn); err != nil {
		panic(err)
	}
}

func List() []string {
	lossRegistry.mu.RLock()
	defer lossRegistry.mu.RUnlock()
	names := make([]string, 0, len(lossRegistry.m))
	for name := range lossRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetLossRegistryForTests() {
	lossRegistry.mu.Lock()
	lossRegistry.m = make(map[string]PixelLoss)
	lossRegistry.mu.Unlock()
	initializeBuiltInLosses()
}

// Objective is a named noise model. Image terms are scaled by Lambda; the
// ment objective also subtracts the beam entropy.
type Objective struct {
	name    string
	loss    PixelLoss
	lambda  float64
	entropy bool
}

type Option func(*Objective)

// WithLambda sets the weight of the image terms. Zero keeps the default:
// DefaultLambda for ment, 1 otherwise.
func WithLambda(lambda float64) Option {
	return func(o *Objective) {
		if lambda != 0 {
			o.lambda = lambda
		}
	}
}

// New resolves a registered loss. An empty name selects mse.
func New(name string, opts ...Option) (*Objective, error) {
	if name == "" {
		name = Default
	}
	lossRegistry.mu.RLock()
	fn, ok := lossRegistry.m[name]
	lossRegistry.mu.RUnlock()
	if !ok {
		return nil, fault.Config(ErrLossNotFound, "unknown objective", goerr.V("name", name), goerr.V("available", List()))
	}
	o := &Objective{name: name, loss: fn, lambda: 1}
	if name == MENT {
		o.lambda = DefaultLambda
		o.entropy = true
	}
	for _, opt := range opts {
		opt(o)
	}
	if !(o.lambda > 0) || math.IsInf(o.lambda, 0) {
		return nil, fault.Config(nil, "objective lambda must be > 0", goerr.V("lambda", o.lambda))
	}
	return o, nil
}

func (o *Objective) Name() string      { return o.name }
func (o *Objective) Lambda() float64   { return o.lambda }
func (o *Objective) UsesEntropy() bool { return o.entropy }

// Evaluate sums lambda * weights[k] * loss(sim[k], meas[k]) over the batch and returns
// d(total)/d(sim[k]) per image. A nil weights slice means weight 1 for all.
// Non-finite simulated pixels produce a non-finite total.
func (o *Objective) Evaluate(sim, meas []screen.Image, weights []float64) (float64, [][]float64, error) {
	if len(sim) != len(meas) {
		return 0, nil, goerr.New("simulated and measured batch sizes differ",
			goerr.V("simulated", len(sim)), goerr.V("measured", len(meas)))
	}
	if weights != nil && len(weights) != len(sim) {
		return 0, nil, goerr.New("weight count does not match batch", goerr.V("weights", len(weights)))
	}
	var total float64
	grads := make([][]float64, len(sim))
	for k := range sim {
		if len(sim[k].Pixels) != len(meas[k].Pixels) || sim[k].NX != meas[k].NX {
			return 0, nil, fault.Config(fault.ErrGeometryMismatch, "simulated and measured image shapes differ", goerr.V("index", k))
		}
		w := o.lambda
		if weights != nil {
			w *= weights[k]
		}
		g := make([]float64, len(sim[k].Pixels))
		total += w * o.loss(sim[k].Pixels, meas[k].Pixels, g)
		for i := range g {
			g[i] *= w
		}
		grads[k] = g
	}
	return total, grads, nil
}

func meanSquared(sim, meas, grad []float64) float64 {
	n := float64(len(sim))
	var s float64
	for i, v := range sim {
		d := v - meas[i]
		s += d * d
		grad[i] = 2 * d / n
	}
	return s / n
}

func meanAbsolute(sim, meas, grad []float64) float64 {
	n := float64(len(sim))
	var s float64
	for i, v := range sim {
		d := v - meas[i]
		s += math.Abs(d)
		switch {
		case d > 0:
			grad[i] = 1 / n
		case d < 0:
			grad[i] = -1 / n
		default:
			grad[i] = 0
		}
	}
	return s / n
}

// poissonNLL is the shot-noise negative log-likelihood up to a constant in
// the measurement.
func poissonNLL(sim, meas, grad []float64) float64 {
	n := float64(len(sim))
	var s float64
	for i, v := range sim {
		m := meas[i]
		s += v - m*math.Log(v+poissonFloor)
		grad[i] = (1 - m/(v+poissonFloor)) / n
	}
	return s / n
}
