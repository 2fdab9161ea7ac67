package beam

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/m-mizutani/gt"
)

func TestCoordinateNames(t *testing.T) {
	idx, ok := CoordinateIndex("pz")
	gt.True(t, ok)
	gt.Equal(t, idx, PZ)
	gt.Equal(t, CoordinateName(Y), "y")
	_, ok = CoordinateIndex("t")
	gt.False(t, ok)
}

func TestReferenceKinematics(t *testing.T) {
	ref := Reference{P0C: 3 * ElectronMass, Mass: ElectronMass}
	gt.NoError(t, ref.Validate())
	if math.Abs(ref.Energy()-math.Sqrt(10)*ElectronMass) > 1e-6 {
		t.Fatalf("unexpected energy: %f", ref.Energy())
	}
	if math.Abs(ref.SlipFactor()-1.0/9.0) > 1e-12 {
		t.Fatalf("unexpected slip factor: %f", ref.SlipFactor())
	}
	gt.Error(t, Reference{P0C: 0, Mass: ElectronMass}.Validate())
}

func TestGaussianSampleMatchesMoments(t *testing.T) {
	g := DiagonalGaussian([Dims]float64{1e-3, 2e-3, 1.5e-3, 1e-3, 1e-3, 5e-4})
	g.Mean[X] = 2e-4
	g.Covariance[X][PX] = 0.5e-6
	g.Covariance[PX][X] = 0.5e-6

	rng := rand.New(rand.NewPCG(1, 2))
	ens, err := g.Sample(rng, 20000)
	gt.NoError(t, err)
	gt.True(t, ens.Finite())

	m, err := ComputeMoments(ens)
	gt.NoError(t, err)
	if math.Abs(m.Mean[X]-2e-4) > 5e-5 {
		t.Fatalf("unexpected mean x: %g", m.Mean[X])
	}
	for c := 0; c < Dims; c++ {
		want := math.Sqrt(g.Covariance[c][c])
		if math.Abs(m.Std[c]-want)/want > 0.05 {
			t.Fatalf("coordinate %s std=%g want %g", CoordinateName(c), m.Std[c], want)
		}
	}
	if math.Abs(m.Covariance[X][PX]-0.5e-6)/0.5e-6 > 0.1 {
		t.Fatalf("unexpected x-px covariance: %g", m.Covariance[X][PX])
	}
	gt.True(t, m.Emittance(X, PX) > 0)
}

func TestGaussianRejectsIndefiniteCovariance(t *testing.T) {
	g := DiagonalGaussian([Dims]float64{1, 1, 1, 1, 1, 1})
	g.Covariance[Z][Z] = -1
	_, err := g.Sample(rand.New(rand.NewPCG(1, 1)), 10)
	gt.Error(t, err)
}

func TestEnsembleValidate(t *testing.T) {
	e := NewEnsemble(3)
	gt.NoError(t, e.Validate())
	e.Coords = e.Coords[:5]
	gt.Error(t, e.Validate())

	rows := FromRows([][Dims]float64{{1, 2, 3, 4, 5, 6}})
	gt.Equal(t, rows.At(0, PZ), 6.0)
	clone := rows.Clone()
	clone.Coords[0] = 9
	gt.Equal(t, rows.At(0, X), 1.0)
}
