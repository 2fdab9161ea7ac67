package objective

import (
	"errors"
	"math"
	"testing"

	"github.com/m-mizutani/gt"

	"phasespace/internal/fault"
	"phasespace/internal/screen"
)

func img(px ...float64) screen.Image {
	return screen.Image{NX: len(px), NY: 1, Pixels: px}
}

func TestDefaultObjectiveIsMSE(t *testing.T) {
	o, err := New("")
	gt.NoError(t, err)
	gt.Equal(t, o.Name(), "mse")
	gt.Equal(t, List(), []string{"mae", "ment", "mse", "poisson"})
}

func TestUnknownObjectiveIsConfigurationError(t *testing.T) {
	_, err := New("chi2")
	gt.True(t, fault.IsConfiguration(err))
	gt.True(t, errors.Is(err, ErrLossNotFound))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Cleanup(resetLossRegistryForTests)
	err := Register("mse", meanSquared)
	gt.True(t, errors.Is(err, ErrLossExists))
	gt.NoError(t, Register("zero", func(sim, _, grad []float64) float64 {
		clear(grad)
		return 0
	}))
	_, err = New("zero")
	gt.NoError(t, err)
}

func TestEvaluateSumsWeightedImages(t *testing.T) {
	o, err := New("mse")
	gt.NoError(t, err)
	sim := []screen.Image{img(1, 0), img(0, 0)}
	meas := []screen.Image{img(0, 0), img(0, 2)}

	loss, grads, err := o.Evaluate(sim, meas, nil)
	gt.NoError(t, err)
	gt.Equal(t, loss, 0.5+2.0)
	gt.Equal(t, grads[0], []float64{1, 0})
	gt.Equal(t, grads[1], []float64{0, -2})

	loss, grads, err = o.Evaluate(sim, meas, []float64{2, 0})
	gt.NoError(t, err)
	gt.Equal(t, loss, 1.0)
	gt.Equal(t, grads[1], []float64{0, 0})
}

func TestEvaluateRejectsMismatchedShapes(t *testing.T) {
	o, err := New("mae")
	gt.NoError(t, err)
	_, _, err = o.Evaluate([]screen.Image{img(1, 2)}, []screen.Image{img(1, 2, 3)}, nil)
	gt.True(t, errors.Is(err, fault.ErrGeometryMismatch))
	_, _, err = o.Evaluate([]screen.Image{img(1)}, nil, nil)
	gt.Error(t, err)
}

func TestLossGradientsMatchFiniteDifferences(t *testing.T) {
	meas := []float64{0.1, 0.4, 0.0, 0.5}
	sim := []float64{0.2, 0.3, 0.05, 0.45}
	for _, name := range List() {
		t.Run(name, func(t *testing.T) {
			o, err := New(name, WithLambda(1))
			gt.NoError(t, err)
			_, grads, err := o.Evaluate([]screen.Image{img(sim...)}, []screen.Image{img(meas...)}, nil)
			gt.NoError(t, err)

			const h = 1e-7
			for i := range sim {
				plus := append([]float64(nil), sim...)
				minus := append([]float64(nil), sim...)
				plus[i] += h
				minus[i] -= h
				up, _, _ := o.Evaluate([]screen.Image{img(plus...)}, []screen.Image{img(meas...)}, nil)
				down, _, _ := o.Evaluate([]screen.Image{img(minus...)}, []screen.Image{img(meas...)}, nil)
				fd := (up - down) / (2 * h)
				if math.Abs(fd-grads[0][i]) > 1e-6 {
					t.Fatalf("pixel %d grad=%g fd=%g", i, grads[0][i], fd)
				}
			}
		})
	}
}

func TestNaNImageGivesNonFiniteLoss(t *testing.T) {
	for _, name := range List() {
		o, err := New(name)
		gt.NoError(t, err)
		loss, _, err := o.Evaluate([]screen.Image{img(math.NaN(), math.NaN())}, []screen.Image{img(0.5, 0.5)}, nil)
		gt.NoError(t, err)
		gt.True(t, math.IsNaN(loss))
	}
}
