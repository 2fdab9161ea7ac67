package screen

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/m-mizutani/gt"

	"phasespace/internal/beam"
	"phasespace/internal/fault"
)

func testGeometry() Geometry {
	return Geometry{NX: 40, NY: 30, Width: 8e-3, Height: 6e-3}
}

func gaussianEnsemble(seed uint64, n int, sigma float64) *beam.Ensemble {
	rng := rand.New(rand.NewPCG(seed, 1))
	e := beam.NewEnsemble(n)
	for i := range e.Coords {
		e.Coords[i] = sigma * rng.NormFloat64()
	}
	return e
}

func TestGeometryValidation(t *testing.T) {
	gt.NoError(t, testGeometry().Validate())
	bad := testGeometry()
	bad.NX = 0
	gt.True(t, fault.IsConfiguration(bad.Validate()))
	bad = testGeometry()
	bad.Height = -1
	gt.True(t, fault.IsConfiguration(bad.Validate()))

	g := testGeometry()
	other := g
	gt.True(t, g.Same(other))
	other.Width *= 1.01
	gt.False(t, g.Same(other))

	centers := g.BinCentersX()
	gt.A(t, centers).Length(40)
	if math.Abs(centers[0]-(-4e-3+1e-4)) > 1e-15 {
		t.Fatalf("unexpected first centre: %g", centers[0])
	}
}

func TestProjectionSumsToIntensity(t *testing.T) {
	for _, intensity := range []float64{1, 250} {
		p, err := NewProjector(testGeometry(), ProjectorConfig{Intensity: intensity, Workers: 3})
		gt.NoError(t, err)
		img, _, err := p.Project(gaussianEnsemble(1, 2000, 1e-3))
		gt.NoError(t, err)
		if math.Abs(img.Sum()-intensity) > 1e-9*intensity {
			t.Fatalf("image sum %g want %g", img.Sum(), intensity)
		}
		gt.True(t, img.Finite())
	}
}

func TestSingleParticleLandsInItsBin(t *testing.T) {
	g := testGeometry()
	p, err := NewProjector(g, ProjectorConfig{Bandwidth: 1e-5})
	gt.NoError(t, err)
	ens := beam.FromRows([][beam.Dims]float64{{1.1e-3, 0, -0.9e-3, 0, 0, 0}})
	img, _, err := p.Project(ens)
	gt.NoError(t, err)

	ix := int((1.1e-3 - g.Left()) / g.PixelWidth())
	iy := int((-0.9e-3 - g.Bottom()) / g.PixelHeight())
	if img.At(ix, iy) < 0.99 {
		t.Fatalf("expected mass in bin (%d,%d), got %g", ix, iy, img.At(ix, iy))
	}
}

func TestProjectionApproachesHardHistogram(t *testing.T) {
	g := Geometry{NX: 10, NY: 10, Width: 1e-3, Height: 1e-3}
	rng := rand.New(rand.NewPCG(8, 8))
	const n = 2000
	ens := beam.NewEnsemble(n)
	hard := make([]float64, g.Pixels())
	for i := 0; i < n; i++ {
		x := g.Left() + g.Width*rng.Float64()
		y := g.Bottom() + g.Height*rng.Float64()
		ens.Particle(i)[beam.X] = x
		ens.Particle(i)[beam.Y] = y
		ix := int((x - g.Left()) / g.PixelWidth())
		iy := int((y - g.Bottom()) / g.PixelHeight())
		hard[iy*g.NX+ix] += 1.0 / n
	}

	prev := math.Inf(1)
	for _, frac := range []float64{0.5, 0.1, 0.01, 0.001} {
		p, err := NewProjector(g, ProjectorConfig{Bandwidth: frac * g.PixelWidth(), Workers: 2})
		gt.NoError(t, err)
		img, _, err := p.Project(ens)
		gt.NoError(t, err)
		var l1 float64
		for k, v := range img.Pixels {
			l1 += math.Abs(v - hard[k])
		}
		if l1 >= prev {
			t.Fatalf("bandwidth %g px: L1 distance %g did not shrink from %g", frac, l1, prev)
		}
		prev = l1
	}
	if prev > 0.02 {
		t.Fatalf("L1 distance at the smallest bandwidth is %g", prev)
	}
}

func TestParticleMassIndependentOfPositionInPixel(t *testing.T) {
	g := Geometry{NX: 20, NY: 20, Width: 2e-3, Height: 2e-3}
	p, err := NewProjector(g, ProjectorConfig{Bandwidth: 0.05 * g.PixelWidth()})
	gt.NoError(t, err)
	// One particle at a bin centre, one near a bin edge: each keeps half the image.
	ens := beam.FromRows([][beam.Dims]float64{
		{0.05e-3, 0, 0.05e-3, 0, 0, 0},
		{-0.499e-3, 0, -0.401e-3, 0, 0, 0},
	})
	img, _, err := p.Project(ens)
	gt.NoError(t, err)
	var upper float64
	for iy := 10; iy < g.NY; iy++ {
		for ix := 0; ix < g.NX; ix++ {
			upper += img.At(ix, iy)
		}
	}
	if math.Abs(upper-0.5) > 1e-9 {
		t.Fatalf("centred particle carries %g of the image, want 0.5", upper)
	}
}

func TestOffScreenEnsembleYieldsNaN(t *testing.T) {
	p, err := NewProjector(testGeometry(), ProjectorConfig{})
	gt.NoError(t, err)
	ens := beam.FromRows([][beam.Dims]float64{{1, 0, 1, 0, 0, 0}})
	img, tape, err := p.Project(ens)
	gt.NoError(t, err)
	gt.False(t, img.Finite())

	grad, err := p.Backward(tape, make([]float64, testGeometry().Pixels()))
	gt.NoError(t, err)
	gt.Equal(t, grad.Coords, make([]float64, beam.Dims))
}

func TestProjectionGradientMatchesFiniteDifferences(t *testing.T) {
	g := Geometry{NX: 10, NY: 8, Width: 1e-3, Height: 1e-3}
	p, err := NewProjector(g, ProjectorConfig{Bandwidth: 0.25e-3, Workers: 2})
	gt.NoError(t, err)

	ens := gaussianEnsemble(3, 12, 0.1e-3)
	weights := make([]float64, g.Pixels())
	rng := rand.New(rand.NewPCG(4, 4))
	for i := range weights {
		weights[i] = rng.NormFloat64()
	}
	loss := func(e *beam.Ensemble) float64 {
		img, _, err := p.Project(e)
		if err != nil {
			t.Fatalf("project: %v", err)
		}
		var s float64
		for i, v := range img.Pixels {
			s += v * weights[i]
		}
		return s
	}

	_, tape, err := p.Project(ens)
	gt.NoError(t, err)
	grad, err := p.Backward(tape, weights)
	gt.NoError(t, err)

	const h = 1e-9
	for i := 0; i < ens.N; i++ {
		for _, c := range []int{beam.X, beam.Y} {
			plus, minus := ens.Clone(), ens.Clone()
			plus.Particle(i)[c] += h
			minus.Particle(i)[c] -= h
			fd := (loss(plus) - loss(minus)) / (2 * h)
			got := grad.At(i, c)
			if math.Abs(fd-got) > 1e-4*math.Max(1, math.Abs(fd)) {
				t.Fatalf("particle %d %s: grad=%g fd=%g", i, beam.CoordinateName(c), got, fd)
			}
		}
		gt.Equal(t, grad.At(i, beam.PX), 0.0)
	}
}

func TestNormalizeClipsNegativePixels(t *testing.T) {
	img := Image{NX: 2, NY: 1, Pixels: []float64{-1, 4}}
	out, err := Normalize(img, 1)
	gt.NoError(t, err)
	gt.Equal(t, out.Pixels, []float64{0, 1})

	_, err = Normalize(Image{NX: 1, NY: 1, Pixels: []float64{0}}, 1)
	gt.True(t, fault.IsConfiguration(err))
}
