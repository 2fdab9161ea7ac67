package dataset

import (
	"strconv"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/beam"
	"phasespace/internal/beamline"
	"phasespace/internal/fault"
	"phasespace/internal/screen"
)

// Scan returns one configuration per value of a single element parameter
// key ("element.param"), named after the key and index.
func Scan(key string, values []float64) ([]beamline.Configuration, error) {
	if _, _, ok := beamline.SplitParameterKey(key); !ok {
		return nil, fault.Config(nil, "scan key must be element.param", goerr.V("key", key))
	}
	out := make([]beamline.Configuration, len(values))
	for i, v := range values {
		out[i] = beamline.Configuration{
			Name:   key + "_" + strconv.Itoa(i),
			Values: map[string]float64{key: v},
		}
	}
	return out, nil
}

// Synthesize renders ens through seq under every configuration, producing a
// dataset a reconstruction can be checked against.
func Synthesize(name string, ens *beam.Ensemble, seq *beamline.Sequence, prop beamline.Propagator, proj *screen.Projector, configs []beamline.Configuration) (*Dataset, error) {
	if len(configs) == 0 {
		return nil, fault.Config(nil, "at least one configuration is required")
	}
	ds := &Dataset{Name: name, Geometry: proj.Geometry()}
	for i, cfg := range configs {
		out, _, err := prop.Propagate(ens, seq, cfg)
		if err != nil {
			return nil, err
		}
		img, _, err := proj.Project(out)
		if err != nil {
			return nil, err
		}
		if !img.Finite() {
			return nil, fault.Config(nil, "no particle reaches the screen", goerr.V("configuration", cfg.Name))
		}
		label := cfg.Name
		if label == "" {
			label = "m" + strconv.Itoa(i)
		}
		ds.Measurements = append(ds.Measurements, Measurement{Name: label, Configuration: cfg, Image: img})
	}
	if err := ds.Validate(seq); err != nil {
		return nil, err
	}
	return ds, nil
}
