package nn

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

const (
	SupportedSchemaVersion = 1
	SupportedCodecVersion  = 1
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
	ErrActivationVersion  = errors.New("activation version mismatch")
)

type ActivationFunc func(x float64) float64

// DerivativeFunc returns f'(x); y is f(x), passed so saturating functions
// avoid recomputation.
type DerivativeFunc func(x, y float64) float64

type ActivationSpec struct {
	Name          string
	Func          ActivationFunc
	Derivative    DerivativeFunc
	SchemaVersion int
	CodecVersion  int
}

// Activation is a resolved activation with its derivative.
type Activation struct {
	Name       string
	Func       ActivationFunc
	Derivative DerivativeFunc
}

type registeredActivation struct {
	fn            ActivationFunc
	deriv         DerivativeFunc
	schemaVersion int
	codecVersion  int
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]registeredActivation
}{
	m: make(map[string]registeredActivation),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation("identity", func(x float64) float64 { return x }, func(_, _ float64) float64 { return 1 })
	MustRegisterActivation("tanh", math.Tanh, tanhDerivative)
	MustRegisterActivation("relu", relu, reluDerivative)
	MustRegisterActivation("sigmoid", sigmoid, sigmoidDerivative)
	MustRegisterActivation("softplus", softplus, softplusDerivative)
	MustRegisterActivation("elu", elu, eluDerivative)
}

func RegisterActivation(name string, fn ActivationFunc, deriv DerivativeFunc) error {
	return RegisterActivationWithSpec(ActivationSpec{
		Name:          name,
		Func:          fn,
		Derivative:    deriv,
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
	})
}

func MustRegisterActivation(name string, fn ActivationFunc, deriv DerivativeFunc) {
	if err := RegisterActivation(name, fn, deriv); err != nil {
		panic(err)
	}
}

func RegisterActivationWithSpec(spec ActivationSpec) error {
	if spec.Name == "" {
		return goerr.New("activation name is required")
	}
	if spec.Func == nil || spec.Derivative == nil {
		return goerr.New("activation function and derivative are required", goerr.V("name", spec.Name))
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return goerr.Wrap(ErrActivationVersion, "register activation",
			goerr.V("schema", spec.SchemaVersion), goerr.V("codec", spec.CodecVersion))
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[spec.Name]; exists {
		return goerr.Wrap(ErrActivationExists, "register activation", goerr.V("name", spec.Name))
	}

	activationRegistry.m[spec.Name] = registeredActivation{
		fn:            spec.Func,
		deriv:         spec.Derivative,
		schemaVersion: spec.SchemaVersion,
		codecVersion:  spec.CodecVersion,
	}
	return nil
}

func GetActivation(name string) (Activation, error) {
	activationRegistry.mu.RLock()
	entry, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return Activation{}, goerr.Wrap(ErrActivationNotFound, "get activation", goerr.V("name", name))
	}
	if entry.schemaVersion != SupportedSchemaVersion || entry.codecVersion != SupportedCodecVersion {
		return Activation{}, goerr.Wrap(ErrActivationVersion, "get activation", goerr.V("name", name))
	}
	return Activation{Name: name, Func: entry.fn, Derivative: entry.deriv}, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]registeredActivation)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}
