package beam

import (
	"math"

	"github.com/m-mizutani/goerr/v2"
)

const (
	// ElectronMass in eV.
	ElectronMass = 0.51099895000e6
	// SpeedOfLight in m/s.
	SpeedOfLight = 299792458.0
)

// Reference is the design particle coordinates are measured against.
type Reference struct {
	P0C  float64 `json:"p0c"`
	Mass float64 `json:"mass"`
}

// DefaultReference is a 10 MeV/c electron.
func DefaultReference() Reference {
	return Reference{P0C: 10e6, Mass: ElectronMass}
}

func (r Reference) Validate() error {
	if !(r.P0C > 0) || math.IsInf(r.P0C, 0) {
		return goerr.New("reference momentum must be > 0", goerr.V("p0c", r.P0C))
	}
	if !(r.Mass > 0) || math.IsInf(r.Mass, 0) {
		return goerr.New("reference mass must be > 0", goerr.V("mass", r.Mass))
	}
	return nil
}

// Energy is the total energy in eV.
func (r Reference) Energy() float64 {
	return math.Hypot(r.P0C, r.Mass)
}

func (r Reference) Beta() float64 {
	return r.P0C / r.Energy()
}

func (r Reference) Gamma() float64 {
	return r.Energy() / r.Mass
}

// SlipFactor is 1/(beta0^2 gamma0^2), the velocity term of the longitudinal
// drift.
func (r Reference) SlipFactor() float64 {
	m := r.Mass / r.P0C
	return m * m
}
