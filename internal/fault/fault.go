// Package fault holds the error taxonomy shared by every phasespace package.
//
// Errors are created with goerr and carry one of the tags below so callers
// (the CLI in particular) can map a failure to an exit status without
// inspecting messages.
package fault

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// Configuration marks problems detected before training starts: unknown
	// element kinds, bad overrides, inconsistent datasets, invalid settings.
	Configuration = goerr.NewTag("configuration")
	// Numerical marks a non-finite loss or parameter during training.
	Numerical = goerr.NewTag("numerical_divergence")
	// Resource marks checkpoint, dataset, or store I/O failures.
	Resource = goerr.NewTag("resource")
)

var (
	ErrUnknownElementKind = errors.New("unknown element kind")
	ErrUnknownParameter   = errors.New("unknown element parameter")
	ErrNotFittable        = errors.New("parameter is not fittable")
	ErrGeometryMismatch   = errors.New("screen geometry mismatch")
	ErrDiverged           = errors.New("training diverged")
)

// Config wraps err as a configuration error. A nil err yields a new error
// with msg as its message.
func Config(err error, msg string, opts ...goerr.Option) error {
	return wrap(err, msg, append(opts, goerr.Tag(Configuration)))
}

// IO wraps err as a resource error.
func IO(err error, msg string, opts ...goerr.Option) error {
	return wrap(err, msg, append(opts, goerr.Tag(Resource)))
}

// Divergence wraps ErrDiverged with the numerical tag.
func Divergence(msg string, opts ...goerr.Option) error {
	return wrap(ErrDiverged, msg, append(opts, goerr.Tag(Numerical)))
}

func wrap(err error, msg string, opts []goerr.Option) error {
	if err == nil {
		return goerr.New(msg, opts...)
	}
	return goerr.Wrap(err, msg, opts...)
}

// IsConfiguration reports whether any error in err's chain carries the
// configuration tag.
func IsConfiguration(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if goerr.HasTag(e, Configuration) {
			return true
		}
	}
	return false
}

func IsNumerical(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if goerr.HasTag(e, Numerical) {
			return true
		}
	}
	return false
}

func IsResource(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if goerr.HasTag(e, Resource) {
			return true
		}
	}
	return false
}
