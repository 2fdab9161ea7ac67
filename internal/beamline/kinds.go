package beamline

import (
	"math"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"gonum.org/v1/gonum/num/dual"

	"phasespace/internal/beam"
)

// transferFunc maps one particle through an element. Coordinates are dual
// numbers so the same code yields values and directional derivatives.
type transferFunc func(in [beam.Dims]dual.Number, v Values, ref beam.Reference) [beam.Dims]dual.Number

type kindSpec struct {
	kind     Kind
	params   []string
	defaults map[string]float64
	check    func(Values) error
	transfer transferFunc
}

func (s kindSpec) accepts(name string) bool {
	for _, p := range s.params {
		if p == name {
			return true
		}
	}
	return false
}

func (s kindSpec) resolve(params, overrides map[string]float64) Values {
	var v Values
	for _, name := range s.params {
		v.set(name, s.defaults[name])
		if value, ok := params[name]; ok {
			v.set(name, value)
		}
		if value, ok := overrides[name]; ok {
			v.set(name, value)
		}
	}
	return v
}

// kinds is the closed set of element variants. Adding a variant means adding
// an entry here and its transfer function; the propagator never switches on
// kind.
var kinds = map[Kind]kindSpec{
	KindDrift: {
		kind:     KindDrift,
		params:   []string{ParamLength},
		check:    checkLength,
		transfer: transferDrift,
	},
	KindQuadrupole: {
		kind:     KindQuadrupole,
		params:   []string{ParamLength, ParamK1},
		check:    checkLength,
		transfer: transferQuadrupole,
	},
	KindDipole: {
		kind:   KindDipole,
		params: []string{ParamLength, ParamAngle, ParamE1, ParamE2},
		check: func(v Values) error {
			if err := checkLength(v); err != nil {
				return err
			}
			if v.Angle != 0 && v.Length == 0 {
				return goerr.New("bending element needs a non-zero length")
			}
			return nil
		},
		transfer: transferDipole,
	},
	KindCavity: {
		kind:     KindCavity,
		params:   []string{ParamLength, ParamVoltage, ParamFrequency, ParamPhase, ParamOrder},
		defaults: map[string]float64{ParamOrder: 1},
		check: func(v Values) error {
			if err := checkLength(v); err != nil {
				return err
			}
			if v.Frequency < 0 {
				return goerr.New("frequency must be >= 0", goerr.V("frequency", v.Frequency))
			}
			if v.Order != 0 && v.Order != 1 {
				return goerr.New("cavity model order must be 0 or 1", goerr.V("order", v.Order))
			}
			return nil
		},
		transfer: transferCavity,
	},
	KindCrabCavity: {
		kind:     KindCrabCavity,
		params:   []string{ParamLength, ParamVoltage, ParamFrequency, ParamPhase, ParamTilt},
		defaults: map[string]float64{ParamTilt: math.Pi / 2},
		check: func(v Values) error {
			if err := checkLength(v); err != nil {
				return err
			}
			if v.Frequency < 0 {
				return goerr.New("frequency must be >= 0", goerr.V("frequency", v.Frequency))
			}
			return nil
		},
		transfer: transferCrabCavity,
	},
	KindSextupole: {
		kind:     KindSextupole,
		params:   []string{ParamLength, ParamK2, ParamSlices},
		defaults: map[string]float64{ParamSlices: 4},
		check: func(v Values) error {
			if err := checkLength(v); err != nil {
				return err
			}
			if v.Slices < 1 || v.Slices != math.Trunc(v.Slices) {
				return goerr.New("slices must be a positive integer", goerr.V("slices", v.Slices))
			}
			return nil
		},
		transfer: transferSextupole,
	},
	KindSpectrometer: {
		kind:   KindSpectrometer,
		params: []string{ParamLength, ParamAngle, ParamE1, ParamScreen},
		check: func(v Values) error {
			if err := checkLength(v); err != nil {
				return err
			}
			if math.Abs(v.Angle) >= math.Pi/2 {
				return goerr.New("spectrometer angle must be within +-pi/2", goerr.V("angle", v.Angle))
			}
			if v.Angle != 0 && v.Length == 0 {
				return goerr.New("bending element needs a non-zero length")
			}
			if d := spectrometerDrift(v); d < 0 {
				return goerr.New("screen lies inside the spectrometer dipole",
					goerr.V("screen_distance", v.Screen), goerr.V("drift", d))
			}
			return nil
		},
		transfer: transferSpectrometer,
	},
}

func checkLength(v Values) error {
	if v.Length < 0 {
		return goerr.New("length must be >= 0", goerr.V("length", v.Length))
	}
	return nil
}

func lookupKind(k Kind) (kindSpec, bool) {
	spec, ok := kinds[k]
	return spec, ok
}

// Kinds lists the supported element kinds.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KindParameters lists the parameters an element kind accepts.
func KindParameters(k Kind) ([]string, bool) {
	spec, ok := kinds[k]
	if !ok {
		return nil, false
	}
	return append([]string(nil), spec.params...), true
}
