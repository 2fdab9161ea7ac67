package nn

import (
	"math"
	"math/rand/v2"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/parallel"
)

// Dense is a fully connected layer. W is row-major Out x In.
type Dense struct {
	In, Out int
	W, B    []float64
	GradW   []float64
	GradB   []float64
}

func newDense(in, out int) *Dense {
	return &Dense{
		In: in, Out: out,
		W: make([]float64, in*out), B: make([]float64, out),
		GradW: make([]float64, in*out), GradB: make([]float64, out),
	}
}

// MLP applies the activation after every layer except the last.
type MLP struct {
	Layers     []*Dense
	activation Activation
}

// NewMLP builds a network with layer widths sizes[0] -> ... -> sizes[len-1].
// Weights and biases are drawn from U(-1/sqrt(in), 1/sqrt(in)).
func NewMLP(sizes []int, activation string, rng *rand.Rand) (*MLP, error) {
	m, err := newEmptyMLP(sizes, activation)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, goerr.New("random source is required")
	}
	for _, l := range m.Layers {
		bound := 1 / math.Sqrt(float64(l.In))
		for i := range l.W {
			l.W[i] = bound * (2*rng.Float64() - 1)
		}
		for i := range l.B {
			l.B[i] = bound * (2*rng.Float64() - 1)
		}
	}
	return m, nil
}

// NewMLPFromWeights rebuilds a network from stored parameters.
func NewMLPFromWeights(sizes []int, activation string, weights, biases [][]float64) (*MLP, error) {
	m, err := newEmptyMLP(sizes, activation)
	if err != nil {
		return nil, err
	}
	if len(weights) != len(m.Layers) || len(biases) != len(m.Layers) {
		return nil, goerr.New("stored layer count does not match architecture",
			goerr.V("layers", len(m.Layers)), goerr.V("weights", len(weights)), goerr.V("biases", len(biases)))
	}
	for i, l := range m.Layers {
		if len(weights[i]) != len(l.W) || len(biases[i]) != len(l.B) {
			return nil, goerr.New("stored layer shape does not match architecture", goerr.V("layer", i))
		}
		copy(l.W, weights[i])
		copy(l.B, biases[i])
	}
	return m, nil
}

func newEmptyMLP(sizes []int, activation string) (*MLP, error) {
	if len(sizes) < 2 {
		return nil, goerr.New("network needs at least input and output sizes", goerr.V("sizes", sizes))
	}
	for _, s := range sizes {
		if s <= 0 {
			return nil, goerr.New("layer sizes must be > 0", goerr.V("sizes", sizes))
		}
	}
	act, err := GetActivation(activation)
	if err != nil {
		return nil, err
	}
	m := &MLP{activation: act}
	for i := 0; i+1 < len(sizes); i++ {
		m.Layers = append(m.Layers, newDense(sizes[i], sizes[i+1]))
	}
	return m, nil
}

func (m *MLP) Activation() string { return m.activation.Name }
func (m *MLP) InputSize() int     { return m.Layers[0].In }
func (m *MLP) OutputSize() int    { return m.Layers[len(m.Layers)-1].Out }

// Sizes returns the layer widths including input and output.
func (m *MLP) Sizes() []int {
	sizes := []int{m.Layers[0].In}
	for _, l := range m.Layers {
		sizes = append(sizes, l.Out)
	}
	return sizes
}

// Params returns the parameter tensors in canonical order W0, B0, W1, B1...
// The slices alias the network.
func (m *MLP) Params() [][]float64 {
	out := make([][]float64, 0, 2*len(m.Layers))
	for _, l := range m.Layers {
		out = append(out, l.W, l.B)
	}
	return out
}

// Grads mirrors Params.
func (m *MLP) Grads() [][]float64 {
	out := make([][]float64, 0, 2*len(m.Layers))
	for _, l := range m.Layers {
		out = append(out, l.GradW, l.GradB)
	}
	return out
}

func (m *MLP) NumParams() int {
	n := 0
	for _, l := range m.Layers {
		n += len(l.W) + len(l.B)
	}
	return n
}

func (m *MLP) ZeroGrad() {
	for _, g := range m.Grads() {
		clear(g)
	}
}

// Cache holds per-layer inputs and pre-activations of a batched forward pass.
type Cache struct {
	n      int
	inputs [][]float64
	pre    [][]float64
}

func (c *Cache) Len() int { return c.n }

// Forward evaluates n samples stored row-major in input.
func (m *MLP) Forward(input []float64, n, workers int) ([]float64, *Cache, error) {
	if n <= 0 || len(input) != n*m.InputSize() {
		return nil, nil, goerr.New("input does not match batch size", goerr.V("n", n), goerr.V("len", len(input)))
	}
	cache := &Cache{n: n, inputs: make([][]float64, len(m.Layers)), pre: make([][]float64, len(m.Layers))}
	cache.inputs[0] = input
	for li, l := range m.Layers {
		cache.pre[li] = make([]float64, n*l.Out)
		if li+1 < len(m.Layers) {
			cache.inputs[li+1] = make([]float64, n*l.Out)
		}
	}
	output := make([]float64, n*m.OutputSize())
	last := len(m.Layers) - 1

	err := parallel.For(n, workers, func(_ int, r parallel.Range) error {
		for i := r.Lo; i < r.Hi; i++ {
			for li, l := range m.Layers {
				x := cache.inputs[li][i*l.In : (i+1)*l.In]
				z := cache.pre[li][i*l.Out : (i+1)*l.Out]
				for o := 0; o < l.Out; o++ {
					row := l.W[o*l.In : (o+1)*l.In]
					s := l.B[o]
					for k, xv := range x {
						s += row[k] * xv
					}
					z[o] = s
				}
				if li == last {
					copy(output[i*l.Out:(i+1)*l.Out], z)
					continue
				}
				y := cache.inputs[li+1][i*l.Out : (i+1)*l.Out]
				for o, zv := range z {
					y[o] = m.activation.Func(zv)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return output, cache, nil
}

// Backward accumulates dL/dW and dL/dB into the layer gradients given
// dL/d(output). Per-shard buffers are summed in shard order, so the result
// does not depend on goroutine scheduling.
func (m *MLP) Backward(cache *Cache, gradOut []float64, workers int) error {
	if cache == nil || len(gradOut) != cache.n*m.OutputSize() {
		return goerr.New("output gradient does not match cached batch")
	}
	shards := parallel.Shards(cache.n, workers)
	local := make([][]float64, len(shards))
	total := m.NumParams()

	err := parallel.For(cache.n, workers, func(shard int, r parallel.Range) error {
		buf := make([]float64, total)
		local[shard] = buf
		width := 0
		for _, l := range m.Layers {
			width = max(width, l.Out, l.In)
		}
		delta := make([]float64, width)
		prev := make([]float64, width)
		for i := r.Lo; i < r.Hi; i++ {
			lastOut := m.OutputSize()
			copy(delta[:lastOut], gradOut[i*lastOut:(i+1)*lastOut])
			offset := total
			for li := len(m.Layers) - 1; li >= 0; li-- {
				l := m.Layers[li]
				offset -= len(l.W) + len(l.B)
				gw := buf[offset : offset+len(l.W)]
				gb := buf[offset+len(l.W) : offset+len(l.W)+len(l.B)]
				x := cache.inputs[li][i*l.In : (i+1)*l.In]
				for o := 0; o < l.Out; o++ {
					d := delta[o]
					if d == 0 {
						continue
					}
					gb[o] += d
					row := gw[o*l.In : (o+1)*l.In]
					for k, xv := range x {
						row[k] += d * xv
					}
				}
				if li == 0 {
					break
				}
				clear(prev[:l.In])
				for o := 0; o < l.Out; o++ {
					d := delta[o]
					if d == 0 {
						continue
					}
					row := l.W[o*l.In : (o+1)*l.In]
					for k := range row {
						prev[k] += row[k] * d
					}
				}
				below := m.Layers[li-1]
				z := cache.pre[li-1][i*below.Out : (i+1)*below.Out]
				for k := 0; k < l.In; k++ {
					delta[k] = prev[k] * m.activation.Derivative(z[k], x[k])
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	grads := m.Grads()
	for _, buf := range local {
		pos := 0
		for _, g := range grads {
			for k := range g {
				g[k] += buf[pos+k]
			}
			pos += len(g)
		}
	}
	return nil
}
