// Package beamline describes transport lines as ordered element sequences and
// tracks particle ensembles through them.
package beamline

import (
	"math"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/fault"
)

// Kind tags an element variant.
type Kind string

const (
	KindDrift      Kind = "drift"
	KindQuadrupole Kind = "quadrupole"
	KindDipole     Kind = "dipole"
	KindCavity     Kind = "cavity"
	KindCrabCavity Kind = "crab_cavity"
	KindSextupole  Kind = "sextupole"
	// KindSpectrometer is a dipole given by its chord length together with
	// the drift from its centre to the screen.
	KindSpectrometer Kind = "spectrometer"
)

// Parameter names shared by element kinds.
const (
	ParamLength    = "length"
	ParamK1        = "k1"
	ParamK2        = "k2"
	ParamAngle     = "angle"
	ParamE1        = "e1"
	ParamE2        = "e2"
	ParamVoltage   = "voltage"
	ParamFrequency = "frequency"
	ParamPhase     = "phase"
	ParamTilt      = "tilt"
	ParamOrder     = "order"
	ParamSlices    = "slices"
	ParamScreen    = "screen_distance"
)

// Element is one device of the transport line. Params omitted here take the
// kind's defaults.
type Element struct {
	Name     string             `json:"name"`
	Kind     Kind               `json:"kind"`
	Params   map[string]float64 `json:"params,omitempty"`
	Fittable []string           `json:"fittable,omitempty"`
}

// Values is the resolved parameter set of one element.
type Values struct {
	Length    float64
	K1        float64
	K2        float64
	Angle     float64
	E1        float64
	E2        float64
	Voltage   float64
	Frequency float64
	Phase     float64
	Tilt      float64
	Order     float64
	Slices    float64
	Screen    float64
}

var valueFields = map[string]func(*Values) *float64{
	ParamLength:    func(v *Values) *float64 { return &v.Length },
	ParamK1:        func(v *Values) *float64 { return &v.K1 },
	ParamK2:        func(v *Values) *float64 { return &v.K2 },
	ParamAngle:     func(v *Values) *float64 { return &v.Angle },
	ParamE1:        func(v *Values) *float64 { return &v.E1 },
	ParamE2:        func(v *Values) *float64 { return &v.E2 },
	ParamVoltage:   func(v *Values) *float64 { return &v.Voltage },
	ParamFrequency: func(v *Values) *float64 { return &v.Frequency },
	ParamPhase:     func(v *Values) *float64 { return &v.Phase },
	ParamTilt:      func(v *Values) *float64 { return &v.Tilt },
	ParamOrder:     func(v *Values) *float64 { return &v.Order },
	ParamSlices:    func(v *Values) *float64 { return &v.Slices },
	ParamScreen:    func(v *Values) *float64 { return &v.Screen },
}

func (v *Values) set(name string, value float64) {
	*valueFields[name](v) = value
}

// Get returns the named parameter.
func (v Values) Get(name string) (float64, bool) {
	field, ok := valueFields[name]
	if !ok {
		return 0, false
	}
	return *field(&v), true
}

// Configuration assigns values to fittable parameters, keyed by
// "element.parameter".
type Configuration struct {
	Name   string             `json:"name"`
	Values map[string]float64 `json:"values"`
}

// ParameterKey joins an element name and a parameter name.
func ParameterKey(element, param string) string {
	return element + "." + param
}

// SplitParameterKey splits at the last dot so element names may contain
// dots themselves.
func SplitParameterKey(key string) (element, param string, ok bool) {
	idx := strings.LastIndex(key, ".")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// Keys returns the override keys in sorted order.
func (c Configuration) Keys() []string {
	keys := make([]string, 0, len(c.Values))
	for k := range c.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validateElement(e Element) error {
	if e.Name == "" {
		return fault.Config(nil, "element name is required", goerr.V("kind", e.Kind))
	}
	spec, ok := lookupKind(e.Kind)
	if !ok {
		return fault.Config(fault.ErrUnknownElementKind, "element kind is not supported",
			goerr.V("element", e.Name), goerr.V("kind", e.Kind))
	}
	for name, value := range e.Params {
		if !spec.accepts(name) {
			return fault.Config(fault.ErrUnknownParameter, "element does not take this parameter",
				goerr.V("element", e.Name), goerr.V("kind", e.Kind), goerr.V("param", name))
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return fault.Config(nil, "element parameter must be finite",
				goerr.V("element", e.Name), goerr.V("param", name))
		}
	}
	for _, name := range e.Fittable {
		if !spec.accepts(name) {
			return fault.Config(fault.ErrUnknownParameter, "fittable parameter is not defined for element kind",
				goerr.V("element", e.Name), goerr.V("kind", e.Kind), goerr.V("param", name))
		}
	}
	values := spec.resolve(e.Params, nil)
	if err := spec.check(values); err != nil {
		return fault.Config(err, "invalid element parameters", goerr.V("element", e.Name))
	}
	return nil
}
