package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/m-mizutani/gt"
)

func randomInputs(seed uint64, n, width int) []float64 {
	rng := rand.New(rand.NewPCG(seed, 99))
	out := make([]float64, n*width)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

func TestMLPGradientMatchesFiniteDifferences(t *testing.T) {
	m, err := NewMLP([]int{3, 5, 4, 2}, "tanh", rand.New(rand.NewPCG(1, 2)))
	gt.NoError(t, err)
	gt.Equal(t, m.Sizes(), []int{3, 5, 4, 2})
	gt.Equal(t, m.NumParams(), 3*5+5+5*4+4+4*2+2)

	const n = 7
	input := randomInputs(3, n, 3)
	weights := randomInputs(4, n, 2)

	loss := func() float64 {
		out, _, err := m.Forward(input, n, 1)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		var s float64
		for i, v := range out {
			s += v * weights[i]
		}
		return s
	}

	_, cache, err := m.Forward(input, n, 2)
	gt.NoError(t, err)
	m.ZeroGrad()
	gt.NoError(t, m.Backward(cache, weights, 2))

	params, grads := m.Params(), m.Grads()
	const h = 1e-6
	for pi, p := range params {
		for k := range p {
			orig := p[k]
			p[k] = orig + h
			up := loss()
			p[k] = orig - h
			down := loss()
			p[k] = orig
			fd := (up - down) / (2 * h)
			if math.Abs(fd-grads[pi][k]) > 1e-6*math.Max(1, math.Abs(fd)) {
				t.Fatalf("tensor %d index %d: grad=%g fd=%g", pi, k, grads[pi][k], fd)
			}
		}
	}
}

func TestMLPBackwardIndependentOfWorkers(t *testing.T) {
	build := func() *MLP {
		m, err := NewMLP([]int{6, 20, 20, 6}, "tanh", rand.New(rand.NewPCG(7, 7)))
		if err != nil {
			t.Fatalf("new mlp: %v", err)
		}
		return m
	}
	input := randomInputs(8, 257, 6)
	gradOut := randomInputs(9, 257, 6)

	grads := func(workers int) [][]float64 {
		m := build()
		_, cache, err := m.Forward(input, 257, workers)
		gt.NoError(t, err)
		gt.NoError(t, m.Backward(cache, gradOut, workers))
		return m.Grads()
	}
	a, b := grads(3), grads(3)
	gt.Equal(t, a, b)

	c := grads(1)
	for i := range a {
		for k := range a[i] {
			if math.Abs(a[i][k]-c[i][k]) > 1e-9 {
				t.Fatalf("tensor %d index %d differs across worker counts: %g vs %g", i, k, a[i][k], c[i][k])
			}
		}
	}
}

func TestNewMLPFromWeightsRoundTrip(t *testing.T) {
	m, err := NewMLP([]int{2, 3, 2}, "relu", rand.New(rand.NewPCG(5, 5)))
	gt.NoError(t, err)
	ws := [][]float64{m.Layers[0].W, m.Layers[1].W}
	bs := [][]float64{m.Layers[0].B, m.Layers[1].B}

	clone, err := NewMLPFromWeights(m.Sizes(), m.Activation(), ws, bs)
	gt.NoError(t, err)
	input := []float64{0.3, -1.2}
	a, _, err := m.Forward(input, 1, 1)
	gt.NoError(t, err)
	b, _, err := clone.Forward(input, 1, 1)
	gt.NoError(t, err)
	gt.Equal(t, a, b)

	_, err = NewMLPFromWeights([]int{2, 4, 2}, "relu", ws, bs)
	gt.Error(t, err)
	_, err = NewMLP([]int{2}, "tanh", rand.New(rand.NewPCG(1, 1)))
	gt.Error(t, err)
	_, err = NewMLP([]int{2, 2}, "nope", rand.New(rand.NewPCG(1, 1)))
	gt.Error(t, err)
}
