package generator

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/m-mizutani/gt"

	"phasespace/internal/beam"
	"phasespace/internal/fault"
)

func TestSampleIsDeterministicForSeed(t *testing.T) {
	m, err := New(Config{}, rand.New(rand.NewPCG(1, 1)))
	gt.NoError(t, err)

	a, _, err := m.Sample(rand.New(rand.NewPCG(42, 0)), 300, 1)
	gt.NoError(t, err)
	b, _, err := m.Sample(rand.New(rand.NewPCG(42, 0)), 300, 4)
	gt.NoError(t, err)
	gt.Equal(t, a.Coords, b.Coords)
	gt.Equal(t, a.N, 300)

	c, _, err := m.Sample(rand.New(rand.NewPCG(43, 0)), 300, 1)
	gt.NoError(t, err)
	gt.NotEqual(t, a.Coords, c.Coords)
}

func TestOutputScaleBoundsCoordinates(t *testing.T) {
	m, err := New(Config{OutputScale: []float64{1e-3, 1e-3, 1e-3, 1e-3, 1e-2, 1e-4}}, rand.New(rand.NewPCG(2, 2)))
	gt.NoError(t, err)
	ens, _, err := m.Sample(rand.New(rand.NewPCG(3, 3)), 1000, 2)
	gt.NoError(t, err)
	mom, err := beam.ComputeMoments(ens)
	gt.NoError(t, err)
	gt.True(t, mom.Std[beam.Z] > mom.Std[beam.PZ])

	_, err = New(Config{OutputScale: []float64{1, 2}}, rand.New(rand.NewPCG(2, 2)))
	gt.True(t, fault.IsConfiguration(err))
	_, err = New(Config{OutputScale: []float64{-1}}, rand.New(rand.NewPCG(2, 2)))
	gt.True(t, fault.IsConfiguration(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	m, err := New(Config{Hidden: []int{8}, Activation: "softplus"}, rand.New(rand.NewPCG(4, 4)))
	gt.NoError(t, err)
	snap := m.Snapshot()
	gt.Equal(t, snap.Architecture.Hidden, []int{8})
	gt.A(t, snap.Layers).Length(2)

	restored, err := FromSnapshot(snap)
	gt.NoError(t, err)
	latent := DrawLatent(rand.New(rand.NewPCG(5, 5)), 10)
	a, _, err := m.Transform(latent, 1)
	gt.NoError(t, err)
	b, _, err := restored.Transform(latent, 1)
	gt.NoError(t, err)
	gt.Equal(t, a.Coords, b.Coords)

	snap.Architecture.Inputs = 4
	_, err = FromSnapshot(snap)
	gt.Error(t, err)
}

func TestBackwardIncludesOutputScale(t *testing.T) {
	m, err := New(Config{Hidden: []int{5}, OutputScale: []float64{2e-3}}, rand.New(rand.NewPCG(6, 6)))
	gt.NoError(t, err)
	latent := DrawLatent(rand.New(rand.NewPCG(7, 7)), 4)
	weights := beam.NewEnsemble(4)
	for i := range weights.Coords {
		weights.Coords[i] = float64(i%5) - 2
	}
	loss := func() float64 {
		e, _, err := m.Transform(latent, 1)
		if err != nil {
			t.Fatalf("transform: %v", err)
		}
		var s float64
		for i, v := range e.Coords {
			s += v * weights.Coords[i]
		}
		return s
	}

	_, tape, err := m.Transform(latent, 1)
	gt.NoError(t, err)
	m.ZeroGrad()
	gt.NoError(t, m.Backward(tape, weights, 1))

	p := m.Params()[0]
	g := m.Grads()[0]
	const h = 1e-6
	for k := range p {
		orig := p[k]
		p[k] = orig + h
		up := loss()
		p[k] = orig - h
		down := loss()
		p[k] = orig
		fd := (up - down) / (2 * h)
		if math.Abs(fd-g[k]) > 1e-8 {
			t.Fatalf("weight %d grad=%g fd=%g", k, g[k], fd)
		}
	}
	gt.True(t, m.ParamsFinite())
}
