package optim

import (
	"math"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/fault"
)

// Schedule maps the base learning rate to the rate used at a step (0-based).
type Schedule interface {
	Name() string
	Rate(base float64, step int) float64
}

type FixedSchedule struct{}

func (FixedSchedule) Name() string { return "fixed" }

func (FixedSchedule) Rate(base float64, _ int) float64 { return base }

// ExponentialSchedule multiplies the rate by Gamma after every step.
type ExponentialSchedule struct {
	Gamma float64
}

func (ExponentialSchedule) Name() string { return "exponential" }

func (s ExponentialSchedule) Rate(base float64, step int) float64 {
	if step <= 0 {
		return base
	}
	return base * math.Pow(s.Gamma, float64(step))
}

// StepSchedule multiplies the rate by Gamma every Every steps.
type StepSchedule struct {
	Every int
	Gamma float64
}

func (StepSchedule) Name() string { return "step" }

func (s StepSchedule) Rate(base float64, step int) float64 {
	if s.Every <= 0 || step <= 0 {
		return base
	}
	return base * math.Pow(s.Gamma, float64(step/s.Every))
}

// ScheduleFromConfig builds a schedule by name. gamma <= 0 selects the
// default decay of 0.999 per step (exponential) or 0.5 per period (step).
func ScheduleFromConfig(name string, gamma float64, every int) (Schedule, error) {
	switch NormalizeScheduleName(name) {
	case "fixed":
		return FixedSchedule{}, nil
	case "exponential":
		if gamma <= 0 {
			gamma = 0.999
		}
		if gamma > 1 {
			return nil, fault.Config(nil, "exponential decay gamma must be in (0, 1]", goerr.V("gamma", gamma))
		}
		return ExponentialSchedule{Gamma: gamma}, nil
	case "step":
		if gamma <= 0 {
			gamma = 0.5
		}
		if gamma > 1 {
			return nil, fault.Config(nil, "step decay gamma must be in (0, 1]", goerr.V("gamma", gamma))
		}
		if every <= 0 {
			return nil, fault.Config(nil, "step decay needs a period > 0", goerr.V("every", every))
		}
		return StepSchedule{Every: every, Gamma: gamma}, nil
	default:
		return nil, fault.Config(nil, "unsupported learning rate schedule", goerr.V("name", name))
	}
}

func NormalizeScheduleName(name string) string {
	switch name {
	case "", "fixed", "const", "constant":
		return "fixed"
	case "exponential", "exp":
		return "exponential"
	case "step":
		return "step"
	default:
		return name
	}
}
