package beamline

import (
	"encoding/json"
	"math"
	"os"
	"sort"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/beam"
	"phasespace/internal/fault"
)

// Sequence is an immutable ordered transport line.
type Sequence struct {
	name      string
	reference beam.Reference
	elements  []Element
	index     map[string]int
}

// Description is the declarative form of a sequence.
type Description struct {
	Name      string         `json:"name"`
	Reference beam.Reference `json:"reference"`
	Elements  []Element      `json:"elements"`
}

// NewSequence validates every element before returning. Unknown kinds and
// parameters are configuration errors.
func NewSequence(desc Description) (*Sequence, error) {
	if err := desc.Reference.Validate(); err != nil {
		return nil, fault.Config(err, "invalid reference particle")
	}
	if len(desc.Elements) == 0 {
		return nil, fault.Config(nil, "element sequence is empty")
	}
	seq := &Sequence{
		name:      desc.Name,
		reference: desc.Reference,
		elements:  make([]Element, 0, len(desc.Elements)),
		index:     make(map[string]int, len(desc.Elements)),
	}
	for _, e := range desc.Elements {
		if err := validateElement(e); err != nil {
			return nil, err
		}
		if _, dup := seq.index[e.Name]; dup {
			return nil, fault.Config(nil, "duplicate element name", goerr.V("element", e.Name))
		}
		seq.index[e.Name] = len(seq.elements)
		seq.elements = append(seq.elements, cloneElement(e))
	}
	return seq, nil
}

// LoadDescription reads a JSON sequence description.
func LoadDescription(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, fault.IO(err, "read beamline description", goerr.V("path", path))
	}
	var desc Description
	if err := json.Unmarshal(data, &desc); err != nil {
		return Description{}, fault.Config(err, "decode beamline description", goerr.V("path", path))
	}
	if desc.Reference.Mass == 0 {
		desc.Reference.Mass = beam.ElectronMass
	}
	return desc, nil
}

func cloneElement(e Element) Element {
	out := Element{Name: e.Name, Kind: e.Kind, Params: make(map[string]float64, len(e.Params))}
	for k, v := range e.Params {
		out.Params[k] = v
	}
	out.Fittable = append([]string(nil), e.Fittable...)
	return out
}

func (s *Sequence) Name() string              { return s.name }
func (s *Sequence) Reference() beam.Reference { return s.reference }
func (s *Sequence) Len() int                  { return len(s.elements) }

// Elements returns copies of the elements in order.
func (s *Sequence) Elements() []Element {
	out := make([]Element, len(s.elements))
	for i, e := range s.elements {
		out[i] = cloneElement(e)
	}
	return out
}

// Description returns the declarative form of the sequence.
func (s *Sequence) Description() Description {
	return Description{Name: s.name, Reference: s.reference, Elements: s.Elements()}
}

// FittableParameters lists "element.param" keys that configurations may set.
func (s *Sequence) FittableParameters() []string {
	var keys []string
	for _, e := range s.elements {
		for _, p := range e.Fittable {
			keys = append(keys, ParameterKey(e.Name, p))
		}
	}
	sort.Strings(keys)
	return keys
}

// ValidateConfiguration checks every override names an element in the
// sequence and one of its fittable parameters, and that the overridden
// element stays physically valid.
func (s *Sequence) ValidateConfiguration(cfg Configuration) error {
	_, err := s.Resolve(cfg)
	return err
}

// Lattice is a sequence with a configuration applied, ready to track.
type Lattice struct {
	Reference beam.Reference
	Names     []string
	Kinds     []Kind
	Values    []Values
	transfers []transferFunc
}

func (l Lattice) Len() int { return len(l.transfers) }

// Resolve applies cfg on top of element defaults.
func (s *Sequence) Resolve(cfg Configuration) (Lattice, error) {
	overrides := make(map[string]map[string]float64)
	for _, key := range cfg.Keys() {
		value := cfg.Values[key]
		name, param, ok := SplitParameterKey(key)
		if !ok {
			return Lattice{}, fault.Config(fault.ErrUnknownParameter, "override key must be element.parameter",
				goerr.V("configuration", cfg.Name), goerr.V("key", key))
		}
		idx, ok := s.index[name]
		if !ok {
			return Lattice{}, fault.Config(fault.ErrUnknownParameter, "override references an element not in the sequence",
				goerr.V("configuration", cfg.Name), goerr.V("element", name))
		}
		e := s.elements[idx]
		if !contains(e.Fittable, param) {
			return Lattice{}, fault.Config(fault.ErrNotFittable, "override references a parameter that is not fittable",
				goerr.V("configuration", cfg.Name), goerr.V("element", name), goerr.V("param", param))
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return Lattice{}, fault.Config(nil, "override value must be finite",
				goerr.V("configuration", cfg.Name), goerr.V("key", key))
		}
		if overrides[name] == nil {
			overrides[name] = make(map[string]float64)
		}
		overrides[name][param] = value
	}

	lat := Lattice{
		Reference: s.reference,
		Names:     make([]string, len(s.elements)),
		Kinds:     make([]Kind, len(s.elements)),
		Values:    make([]Values, len(s.elements)),
		transfers: make([]transferFunc, len(s.elements)),
	}
	for i, e := range s.elements {
		spec := kinds[e.Kind]
		values := spec.resolve(e.Params, overrides[e.Name])
		if len(overrides[e.Name]) > 0 {
			if err := spec.check(values); err != nil {
				return Lattice{}, fault.Config(err, "override makes element invalid",
					goerr.V("configuration", cfg.Name), goerr.V("element", e.Name))
			}
		}
		lat.Names[i] = e.Name
		lat.Kinds[i] = e.Kind
		lat.Values[i] = values
		lat.transfers[i] = spec.transfer
	}
	return lat, nil
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
