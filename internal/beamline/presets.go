package beamline

import (
	"math"
	"sort"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/beam"
	"phasespace/internal/fault"
)

// QuadDriftOptions configures the single-quadrupole scan line.
type QuadDriftOptions struct {
	DriftLength float64
	QuadLength  float64
}

// QuadDrift is a quadrupole followed by a drift to the screen; the quad k1
// is fittable.
func QuadDrift(ref beam.Reference, opts QuadDriftOptions) Description {
	if opts.DriftLength == 0 {
		opts.DriftLength = 1.0
	}
	if opts.QuadLength == 0 {
		opts.QuadLength = 0.1
	}
	return Description{
		Name:      "quad_drift",
		Reference: ref,
		Elements: []Element{
			{Name: "Q0", Kind: KindQuadrupole, Params: map[string]float64{ParamLength: opts.QuadLength}, Fittable: []string{ParamK1}},
			{Name: "D0", Kind: KindDrift, Params: map[string]float64{ParamLength: opts.DriftLength}},
		},
	}
}

// SextupoleDrift mirrors QuadDrift with a sliced sextupole.
func SextupoleDrift(ref beam.Reference, opts QuadDriftOptions) Description {
	desc := QuadDrift(ref, opts)
	desc.Name = "sextupole_drift"
	desc.Elements[0] = Element{
		Name: "S0", Kind: KindSextupole,
		Params:   map[string]float64{ParamLength: opts.QuadLength, ParamSlices: 5},
		Fittable: []string{ParamK2},
	}
	if desc.Elements[0].Params[ParamLength] == 0 {
		desc.Elements[0].Params[ParamLength] = 0.1
	}
	return desc
}

// QuadTDCBendOptions holds the geometry of a quadrupole, transverse
// deflecting cavity and spectrometer dipole line. Zero values take the AWA
// zone 5 defaults.
type QuadTDCBendOptions struct {
	QuadLength    float64
	TDCLength     float64
	TDCFrequency  float64
	TDCPhase      float64
	BendLength    float64
	BendAngle     float64
	QuadToTDC     float64
	TDCToBend     float64
	BendToScreen  float64
	DipoleEnabled bool
}

func (o QuadTDCBendOptions) withDefaults() QuadTDCBendOptions {
	if o.QuadLength == 0 {
		o.QuadLength = 0.11
	}
	if o.TDCLength == 0 {
		o.TDCLength = 0.01
	}
	if o.TDCFrequency == 0 {
		o.TDCFrequency = 1.3e9
	}
	if o.BendLength == 0 {
		o.BendLength = 0.3018
	}
	if o.BendAngle == 0 {
		o.BendAngle = -20.0 * math.Pi / 180.0
	}
	if o.QuadToTDC == 0 {
		o.QuadToTDC = 0.790702
	}
	if o.TDCToBend == 0 {
		o.TDCToBend = 0.631698
	}
	if o.BendToScreen == 0 {
		o.BendToScreen = 0.889
	}
	return o
}

// QuadTDCBend builds the quad / TDC / spectrometer diagnostic line. Drift
// lengths are centre-to-centre distances corrected for element lengths; the
// spectrometer derives its arc, exit face and screen drift from the resolved
// bend angle, so switching the dipole on through a configuration yields the
// same line as DipoleEnabled. Quad k1, TDC voltage and phase, and the bend
// angle are fittable.
func QuadTDCBend(ref beam.Reference, opts QuadTDCBendOptions) Description {
	o := opts.withDefaults()

	theta := 0.0
	if o.DipoleEnabled {
		theta = o.BendAngle
	}
	d1 := o.QuadToTDC - o.QuadLength/2 - o.TDCLength/2
	d2 := o.TDCToBend - o.TDCLength/2 - o.BendLength/2

	name := "quad_tdc_bend"
	if o.DipoleEnabled {
		name = "quad_tdc_bend_on"
	}
	return Description{
		Name:      name,
		Reference: ref,
		Elements: []Element{
			{Name: "Q", Kind: KindQuadrupole, Params: map[string]float64{ParamLength: o.QuadLength}, Fittable: []string{ParamK1}},
			{Name: "D1", Kind: KindDrift, Params: map[string]float64{ParamLength: d1}},
			{Name: "TDC", Kind: KindCrabCavity, Params: map[string]float64{
				ParamLength:    o.TDCLength,
				ParamFrequency: o.TDCFrequency,
				ParamPhase:     o.TDCPhase,
				ParamTilt:      math.Pi / 2,
			}, Fittable: []string{ParamVoltage, ParamPhase}},
			{Name: "D2", Kind: KindDrift, Params: map[string]float64{ParamLength: d2}},
			{Name: "BEND", Kind: KindSpectrometer, Params: map[string]float64{
				ParamLength: o.BendLength,
				ParamAngle:  theta,
				ParamScreen: o.BendToScreen,
			}, Fittable: []string{ParamAngle}},
		},
	}
}

// PresetNames lists the built-in sequences.
func PresetNames() []string {
	names := []string{"quad_drift", "sextupole_drift", "quad_tdc_bend", "quad_tdc_bend_on"}
	sort.Strings(names)
	return names
}

// Preset returns a built-in description by name with default geometry.
func Preset(name string, ref beam.Reference) (Description, error) {
	switch name {
	case "quad_drift":
		return QuadDrift(ref, QuadDriftOptions{}), nil
	case "sextupole_drift":
		return SextupoleDrift(ref, QuadDriftOptions{}), nil
	case "quad_tdc_bend":
		return QuadTDCBend(ref, QuadTDCBendOptions{}), nil
	case "quad_tdc_bend_on":
		return QuadTDCBend(ref, QuadTDCBendOptions{DipoleEnabled: true}), nil
	default:
		return Description{}, fault.Config(nil, "unknown beamline preset", goerr.V("preset", name))
	}
}
