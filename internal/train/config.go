// Package train fits a generative beam model to a measurement set.
package train

import (
	"math"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/fault"
	"phasespace/internal/optim"
)

type Config struct {
	Iterations   int
	BatchSize    int
	Particles    int
	LearningRate float64
	Schedule     optim.Schedule
	GradClip     float64

	CheckpointEvery int
	LogEvery        int

	// ConvergenceWindow > 0 enables the plateau check: the run converges when
	// the mean loss of the last window improves on the window before it by
	// less than ConvergenceThreshold (relative).
	ConvergenceWindow    int
	ConvergenceThreshold float64

	Seed        uint64
	Workers     int
	FixedLatent bool

	DumpEvery     int
	DumpParticles int
}

const (
	DefaultIterations   = 1000
	DefaultBatchSize    = 10
	DefaultParticles    = 10000
	DefaultLearningRate = 0.01
	DefaultLogEvery     = 100
)

func (c Config) withDefaults() Config {
	if c.Iterations == 0 {
		c.Iterations = DefaultIterations
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Particles == 0 {
		c.Particles = DefaultParticles
	}
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.Schedule == nil {
		c.Schedule = optim.FixedSchedule{}
	}
	if c.LogEvery == 0 {
		c.LogEvery = DefaultLogEvery
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.DumpEvery > 0 && c.DumpParticles == 0 {
		c.DumpParticles = c.Particles
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Iterations < 0:
		return fault.Config(nil, "iterations must be > 0", goerr.V("iterations", c.Iterations))
	case c.BatchSize < 0:
		return fault.Config(nil, "batch size must be > 0", goerr.V("batch_size", c.BatchSize))
	case c.Particles < 0:
		return fault.Config(nil, "particle count must be > 0", goerr.V("particles", c.Particles))
	case !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0):
		return fault.Config(nil, "learning rate must be > 0", goerr.V("learning_rate", c.LearningRate))
	case c.CheckpointEvery < 0 || c.LogEvery < 0 || c.DumpEvery < 0 || c.DumpParticles < 0:
		return fault.Config(nil, "cadences must be >= 0")
	case c.ConvergenceWindow < 0 || c.ConvergenceThreshold < 0:
		return fault.Config(nil, "convergence window and threshold must be >= 0")
	}
	return nil
}
