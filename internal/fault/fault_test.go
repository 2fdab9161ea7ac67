package fault

import (
	"errors"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

func TestTagsSurviveWrapping(t *testing.T) {
	base := Config(ErrUnknownElementKind, "element kind not registered", goerr.V("kind", "wiggler"))
	wrapped := goerr.Wrap(base, "build sequence")

	gt.True(t, IsConfiguration(wrapped))
	gt.False(t, IsNumerical(wrapped))
	gt.False(t, IsResource(wrapped))
	gt.True(t, errors.Is(wrapped, ErrUnknownElementKind))
}

func TestDivergenceCarriesSentinel(t *testing.T) {
	err := Divergence("loss is not finite", goerr.V("iteration", 12))
	gt.True(t, IsNumerical(err))
	gt.True(t, errors.Is(err, ErrDiverged))
}

func TestNilCauseCreatesNewError(t *testing.T) {
	err := IO(nil, "checkpoint directory is required")
	gt.True(t, IsResource(err))
	gt.S(t, err.Error()).Contains("checkpoint directory is required")
}
