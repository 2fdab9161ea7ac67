package beam

import (
	"math"
	"math/rand/v2"

	"github.com/m-mizutani/goerr/v2"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Moments are the first and second moments of an ensemble.
type Moments struct {
	Mean       [Dims]float64       `json:"mean"`
	Std        [Dims]float64       `json:"std"`
	Covariance [Dims][Dims]float64 `json:"covariance"`
}

// ComputeMoments returns the sample mean, standard deviation and covariance.
func ComputeMoments(e *Ensemble) (Moments, error) {
	if err := e.Validate(); err != nil {
		return Moments{}, err
	}
	if e.N < 2 {
		return Moments{}, goerr.New("moments need at least two particles", goerr.V("n", e.N))
	}
	var m Moments
	for c := 0; c < Dims; c++ {
		m.Mean[c], m.Std[c] = stat.MeanStdDev(e.Column(c), nil)
	}
	data := mat.NewDense(e.N, Dims, e.Coords)
	cov := mat.NewSymDense(Dims, nil)
	stat.CovarianceMatrix(cov, data, nil)
	for i := 0; i < Dims; i++ {
		for j := 0; j < Dims; j++ {
			m.Covariance[i][j] = cov.At(i, j)
		}
	}
	return m, nil
}

// Emittance is the rms emittance of the (pos, mom) plane.
func (m Moments) Emittance(pos, mom int) float64 {
	det := m.Covariance[pos][pos]*m.Covariance[mom][mom] - m.Covariance[pos][mom]*m.Covariance[mom][pos]
	if det <= 0 {
		return 0
	}
	return math.Sqrt(det)
}

// Gaussian is a multivariate normal beam description.
type Gaussian struct {
	Mean       [Dims]float64       `json:"mean"`
	Covariance [Dims][Dims]float64 `json:"covariance"`
}

// DiagonalGaussian builds a centred Gaussian with independent coordinates.
func DiagonalGaussian(std [Dims]float64) Gaussian {
	var g Gaussian
	for i, s := range std {
		g.Covariance[i][i] = s * s
	}
	return g
}

// Sample draws n particles using a Cholesky factor of the covariance.
func (g Gaussian) Sample(rng *rand.Rand, n int) (*Ensemble, error) {
	if rng == nil {
		return nil, goerr.New("random source is required")
	}
	if n <= 0 {
		return nil, goerr.New("particle count must be > 0", goerr.V("n", n))
	}
	data := make([]float64, 0, Dims*Dims)
	for i := 0; i < Dims; i++ {
		data = append(data, g.Covariance[i][:]...)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(Dims, data)); !ok {
		return nil, goerr.New("covariance is not positive definite")
	}
	var lower mat.TriDense
	chol.LTo(&lower)

	out := NewEnsemble(n)
	var z [Dims]float64
	for p := 0; p < n; p++ {
		for i := range z {
			z[i] = rng.NormFloat64()
		}
		row := out.Particle(p)
		for i := 0; i < Dims; i++ {
			v := g.Mean[i]
			for j := 0; j <= i; j++ {
				v += lower.At(i, j) * z[j]
			}
			row[i] = v
		}
	}
	return out, nil
}
