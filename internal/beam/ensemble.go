// Package beam holds particle ensembles and the reference particle they are
// expressed against.
package beam

import (
	"math"

	"github.com/m-mizutani/goerr/v2"
)

// Dims is the phase-space dimension.
const Dims = 6

// Coordinate indices, Bmad-style canonical coordinates.
const (
	X = iota
	PX
	Y
	PY
	Z
	PZ
)

var coordinateNames = [Dims]string{"x", "px", "y", "py", "z", "pz"}

// CoordinateName returns the conventional label of coordinate c.
func CoordinateName(c int) string {
	if c < 0 || c >= Dims {
		return ""
	}
	return coordinateNames[c]
}

// CoordinateIndex resolves a label such as "x" or "pz".
func CoordinateIndex(name string) (int, bool) {
	for i, n := range coordinateNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Ensemble is N particles stored row-major, six coordinates per row.
type Ensemble struct {
	N      int
	Coords []float64
}

func NewEnsemble(n int) *Ensemble {
	return &Ensemble{N: n, Coords: make([]float64, n*Dims)}
}

// FromRows copies particle rows into a new ensemble.
func FromRows(rows [][Dims]float64) *Ensemble {
	e := NewEnsemble(len(rows))
	for i, r := range rows {
		copy(e.Coords[i*Dims:(i+1)*Dims], r[:])
	}
	return e
}

// Particle returns the coordinate slice of particle i; it aliases the
// ensemble storage.
func (e *Ensemble) Particle(i int) []float64 {
	return e.Coords[i*Dims : (i+1)*Dims]
}

func (e *Ensemble) At(i, c int) float64 {
	return e.Coords[i*Dims+c]
}

func (e *Ensemble) Clone() *Ensemble {
	out := &Ensemble{N: e.N, Coords: make([]float64, len(e.Coords))}
	copy(out.Coords, e.Coords)
	return out
}

// Column extracts one coordinate for all particles.
func (e *Ensemble) Column(c int) []float64 {
	out := make([]float64, e.N)
	for i := 0; i < e.N; i++ {
		out[i] = e.Coords[i*Dims+c]
	}
	return out
}

// Finite reports whether every coordinate is finite.
func (e *Ensemble) Finite() bool {
	for _, v := range e.Coords {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Validate checks the storage length matches N.
func (e *Ensemble) Validate() error {
	if e == nil {
		return goerr.New("ensemble is nil")
	}
	if e.N < 0 || len(e.Coords) != e.N*Dims {
		return goerr.New("ensemble storage does not match particle count",
			goerr.V("n", e.N), goerr.V("len", len(e.Coords)))
	}
	return nil
}
