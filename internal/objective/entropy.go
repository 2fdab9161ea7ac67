package objective

import (
	"math"

	"github.com/m-mizutani/goerr/v2"
	"gonum.org/v1/gonum/mat"

	"phasespace/internal/beam"
)

// gaussianEntropyConst is 6/2 * log(2 pi e).
var gaussianEntropyConst = 0.5 * beam.Dims * math.Log(2*math.Pi*math.E)

// Regularize returns the entropy term of the objective, -H(ens), and its
// gradient with respect to every particle. H is the entropy of a Gaussian
// with the sample covariance of ens. Objectives without an entropy term
// return zero and a nil gradient. A degenerate covariance gives +Inf, which
// the training loop treats as divergence.
func (o *Objective) Regularize(ens *beam.Ensemble) (float64, *beam.Ensemble, error) {
	if !o.entropy {
		return 0, nil, nil
	}
	h, dh, err := GaussianEntropy(ens)
	if err != nil {
		return 0, nil, err
	}
	for i := range dh.Coords {
		dh.Coords[i] = -dh.Coords[i]
	}
	return -h, dh, nil
}

// GaussianEntropy returns 1/2 log det(2 pi e Sigma) of the sample covariance
// Sigma and its gradient dH/dx_i = Sigma^-1 (x_i - mean) / (N-1).
func GaussianEntropy(ens *beam.Ensemble) (float64, *beam.Ensemble, error) {
	if err := ens.Validate(); err != nil {
		return 0, nil, err
	}
	if ens.N <= beam.Dims {
		return 0, nil, goerr.New("entropy needs more particles than dimensions", goerr.V("n", ens.N))
	}
	var mean [beam.Dims]float64
	for i := 0; i < ens.N; i++ {
		for c, v := range ens.Particle(i) {
			mean[c] += v
		}
	}
	for c := range mean {
		mean[c] /= float64(ens.N)
	}
	centred := mat.NewDense(ens.N, beam.Dims, nil)
	for i := 0; i < ens.N; i++ {
		for c, v := range ens.Particle(i) {
			centred.Set(i, c, v-mean[c])
		}
	}
	cov := mat.NewSymDense(beam.Dims, nil)
	cov.SymOuterK(1/float64(ens.N-1), centred.T())

	grad := beam.NewEnsemble(ens.N)
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return math.Inf(-1), grad, nil
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return math.Inf(-1), grad, nil
	}
	h := gaussianEntropyConst + 0.5*chol.LogDet()

	var g mat.Dense
	g.Mul(centred, &inv)
	scale := 1 / float64(ens.N-1)
	for i := 0; i < ens.N; i++ {
		row := grad.Particle(i)
		for c := range row {
			row[c] = scale * g.At(i, c)
		}
	}
	return h, grad, nil
}
