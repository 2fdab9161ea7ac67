// Package generator implements the learnable beam distribution: a neural
// map applied to standard normal latent samples.
package generator

import (
	"math"
	"math/rand/v2"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/beam"
	"phasespace/internal/fault"
	"phasespace/internal/model"
	"phasespace/internal/nn"
)

// Config describes the transform. Zero values take the defaults of two
// hidden tanh layers of width 20 and a 1e-3 output scale.
type Config struct {
	Hidden      []int
	Activation  string
	OutputScale []float64
}

func (c Config) withDefaults() Config {
	if len(c.Hidden) == 0 {
		c.Hidden = []int{20, 20}
	}
	if c.Activation == "" {
		c.Activation = "tanh"
	}
	if len(c.OutputScale) == 0 {
		c.OutputScale = []float64{1e-3}
	}
	return c
}

func (c Config) scale() ([beam.Dims]float64, error) {
	var out [beam.Dims]float64
	switch len(c.OutputScale) {
	case 1:
		for i := range out {
			out[i] = c.OutputScale[0]
		}
	case beam.Dims:
		copy(out[:], c.OutputScale)
	default:
		return out, fault.Config(nil, "output scale needs 1 or 6 entries", goerr.V("len", len(c.OutputScale)))
	}
	for _, s := range out {
		if !(s > 0) || math.IsInf(s, 0) {
			return out, fault.Config(nil, "output scale must be > 0", goerr.V("scale", c.OutputScale))
		}
	}
	return out, nil
}

// Model maps latent draws z ~ N(0, I) to particle coordinates
// scale * mlp(z).
type Model struct {
	cfg   Config
	net   *nn.MLP
	scale [beam.Dims]float64
}

// New initialises a model with weights drawn from rng.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	cfg = cfg.withDefaults()
	scale, err := cfg.scale()
	if err != nil {
		return nil, err
	}
	net, err := nn.NewMLP(layerSizes(cfg.Hidden), cfg.Activation, rng)
	if err != nil {
		return nil, fault.Config(err, "build generative network")
	}
	return &Model{cfg: cfg, net: net, scale: scale}, nil
}

// FromSnapshot rebuilds a model from a checkpoint.
func FromSnapshot(s model.ModelSnapshot) (*Model, error) {
	arch := s.Architecture
	if arch.Inputs != beam.Dims || arch.Outputs != beam.Dims {
		return nil, goerr.New("snapshot is not a 6D generator",
			goerr.V("inputs", arch.Inputs), goerr.V("outputs", arch.Outputs))
	}
	cfg := Config{Hidden: arch.Hidden, Activation: arch.Activation, OutputScale: arch.OutputScale}.withDefaults()
	scale, err := cfg.scale()
	if err != nil {
		return nil, err
	}
	weights := make([][]float64, len(s.Layers))
	biases := make([][]float64, len(s.Layers))
	for i, l := range s.Layers {
		weights[i], biases[i] = l.Weights, l.Biases
	}
	net, err := nn.NewMLPFromWeights(layerSizes(cfg.Hidden), cfg.Activation, weights, biases)
	if err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, net: net, scale: scale}, nil
}

func layerSizes(hidden []int) []int {
	sizes := append([]int{beam.Dims}, hidden...)
	return append(sizes, beam.Dims)
}

// Snapshot copies the parameters.
func (m *Model) Snapshot() model.ModelSnapshot {
	s := model.ModelSnapshot{
		Architecture: model.Architecture{
			Inputs:      beam.Dims,
			Hidden:      append([]int(nil), m.cfg.Hidden...),
			Outputs:     beam.Dims,
			Activation:  m.cfg.Activation,
			OutputScale: append([]float64(nil), m.scale[:]...),
		},
	}
	for _, l := range m.net.Layers {
		s.Layers = append(s.Layers, model.LayerParams{
			In: l.In, Out: l.Out,
			Weights: append([]float64(nil), l.W...),
			Biases:  append([]float64(nil), l.B...),
		})
	}
	return s
}

func (m *Model) Params() [][]float64 { return m.net.Params() }
func (m *Model) Grads() [][]float64  { return m.net.Grads() }
func (m *Model) NumParams() int      { return m.net.NumParams() }
func (m *Model) ZeroGrad()           { m.net.ZeroGrad() }

// ParamsFinite reports whether every parameter is finite.
func (m *Model) ParamsFinite() bool {
	for _, p := range m.net.Params() {
		for _, v := range p {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Tape records a sampling pass for Backward.
type Tape struct {
	latent []float64
	cache  *nn.Cache
}

// Latent returns the latent draws used by the pass.
func (t *Tape) Latent() []float64 { return t.latent }

// DrawLatent draws n x 6 standard normal values from rng.
func DrawLatent(rng *rand.Rand, n int) []float64 {
	z := make([]float64, n*beam.Dims)
	for i := range z {
		z[i] = rng.NormFloat64()
	}
	return z
}

// Sample draws n particles. rng is the only source of randomness.
func (m *Model) Sample(rng *rand.Rand, n, workers int) (*beam.Ensemble, *Tape, error) {
	if rng == nil {
		return nil, nil, goerr.New("random source is required")
	}
	if n <= 0 {
		return nil, nil, fault.Config(nil, "particle count must be > 0", goerr.V("n", n))
	}
	return m.Transform(DrawLatent(rng, n), workers)
}

// Transform maps given latent draws to particles.
func (m *Model) Transform(latent []float64, workers int) (*beam.Ensemble, *Tape, error) {
	if len(latent) == 0 || len(latent)%beam.Dims != 0 {
		return nil, nil, goerr.New("latent batch must be a non-empty multiple of 6", goerr.V("len", len(latent)))
	}
	n := len(latent) / beam.Dims
	out, cache, err := m.net.Forward(latent, n, workers)
	if err != nil {
		return nil, nil, err
	}
	for i := 0; i < n; i++ {
		row := out[i*beam.Dims : (i+1)*beam.Dims]
		for c := range row {
			row[c] *= m.scale[c]
		}
	}
	return &beam.Ensemble{N: n, Coords: out}, &Tape{latent: latent, cache: cache}, nil
}

// Backward accumulates parameter gradients from dL/d(particles).
func (m *Model) Backward(tape *Tape, grad *beam.Ensemble, workers int) error {
	if tape == nil || grad == nil || grad.N != tape.cache.Len() {
		return goerr.New("gradient does not match sampled ensemble")
	}
	scaled := make([]float64, len(grad.Coords))
	for i := 0; i < grad.N; i++ {
		for c := 0; c < beam.Dims; c++ {
			scaled[i*beam.Dims+c] = grad.Coords[i*beam.Dims+c] * m.scale[c]
		}
	}
	return m.net.Backward(tape.cache, scaled, workers)
}
