package beamline

import (
	"github.com/m-mizutani/goerr/v2"
	"gonum.org/v1/gonum/num/dual"

	"phasespace/internal/beam"
	"phasespace/internal/parallel"
)

// Propagator tracks ensembles through a lattice. Workers bounds the number of
// particle shards processed concurrently.
type Propagator struct {
	Workers int
}

// Trace keeps the per-element inputs of one propagation so gradients can be
// pulled back through it.
type Trace struct {
	lattice Lattice
	inputs  []*beam.Ensemble
	workers int
}

// Propagate resolves cfg against seq and tracks ens through the result.
func (p Propagator) Propagate(ens *beam.Ensemble, seq *Sequence, cfg Configuration) (*beam.Ensemble, *Trace, error) {
	lat, err := seq.Resolve(cfg)
	if err != nil {
		return nil, nil, err
	}
	return p.Track(ens, lat)
}

// Track applies every element of lat in order. The input ensemble is not
// modified.
func (p Propagator) Track(ens *beam.Ensemble, lat Lattice) (*beam.Ensemble, *Trace, error) {
	if err := ens.Validate(); err != nil {
		return nil, nil, err
	}
	if lat.Len() == 0 {
		return nil, nil, goerr.New("lattice has no elements")
	}
	trace := &Trace{lattice: lat, inputs: make([]*beam.Ensemble, lat.Len()), workers: p.Workers}
	for i := range trace.inputs {
		trace.inputs[i] = beam.NewEnsemble(ens.N)
	}
	out := beam.NewEnsemble(ens.N)

	err := parallel.For(ens.N, p.Workers, func(_ int, r parallel.Range) error {
		var c coords
		for i := r.Lo; i < r.Hi; i++ {
			row := ens.Particle(i)
			for d := range c {
				c[d] = dual.Number{Real: row[d]}
			}
			for k, transfer := range lat.transfers {
				saved := trace.inputs[k].Particle(i)
				for d := range c {
					saved[d] = c[d].Real
				}
				c = transfer(c, lat.Values[k], lat.Reference)
			}
			dst := out.Particle(i)
			for d := range c {
				dst[d] = c[d].Real
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, trace, nil
}

// Backward returns dL/d(input) given dL/d(output). Each element's Jacobian is
// rebuilt column by column with forward-mode dual numbers at the cached input.
func (t *Trace) Backward(gradOut *beam.Ensemble) (*beam.Ensemble, error) {
	if err := gradOut.Validate(); err != nil {
		return nil, err
	}
	if len(t.inputs) == 0 || gradOut.N != t.inputs[0].N {
		return nil, goerr.New("gradient does not match traced ensemble", goerr.V("n", gradOut.N))
	}
	lat := t.lattice
	gradIn := beam.NewEnsemble(gradOut.N)

	err := parallel.For(gradOut.N, t.workers, func(_ int, r parallel.Range) error {
		var g, next [beam.Dims]float64
		var seed coords
		for i := r.Lo; i < r.Hi; i++ {
			copy(g[:], gradOut.Particle(i))
			for k := lat.Len() - 1; k >= 0; k-- {
				in := t.inputs[k].Particle(i)
				for j := 0; j < beam.Dims; j++ {
					for d := range seed {
						seed[d] = dual.Number{Real: in[d]}
					}
					seed[j].Emag = 1
					col := lat.transfers[k](seed, lat.Values[k], lat.Reference)
					var acc float64
					for d := range col {
						acc += col[d].Emag * g[d]
					}
					next[j] = acc
				}
				g = next
			}
			copy(gradIn.Particle(i), g[:])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gradIn, nil
}

// Jacobian returns d(out)/d(in) of element k evaluated at particle i of the
// traced input, rows indexed by output coordinate.
func (t *Trace) Jacobian(k, i int) [beam.Dims][beam.Dims]float64 {
	var jac [beam.Dims][beam.Dims]float64
	in := t.inputs[k].Particle(i)
	var seed coords
	for j := 0; j < beam.Dims; j++ {
		for d := range seed {
			seed[d] = dual.Number{Real: in[d]}
		}
		seed[j].Emag = 1
		col := t.lattice.transfers[k](seed, t.lattice.Values[k], t.lattice.Reference)
		for d := range col {
			jac[d][j] = col[d].Emag
		}
	}
	return jac
}
