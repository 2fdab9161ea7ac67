package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CurvePoint is one averaged window of a loss history. Iteration is the last
// iteration the window covers, counting from 1.
type CurvePoint struct {
	Iteration int     `json:"iteration"`
	Mean      float64 `json:"mean"`
	Min       float64 `json:"min"`
}

// Downsample averages history over consecutive windows of step iterations.
// The last window may be shorter. A step below 1 is treated as 1.
func Downsample(history []float64, step int) []CurvePoint {
	if step < 1 {
		step = 1
	}
	out := make([]CurvePoint, 0, (len(history)+step-1)/step)
	for lo := 0; lo < len(history); lo += step {
		hi := min(lo+step, len(history))
		window := history[lo:hi]
		out = append(out, CurvePoint{
			Iteration: hi,
			Mean:      stat.Mean(window, nil),
			Min:       floats.Min(window),
		})
	}
	return out
}

// Best returns the lowest loss and its 1-based iteration, or NaN and 0 when
// history is empty.
func Best(history []float64) (float64, int) {
	if len(history) == 0 {
		return math.NaN(), 0
	}
	i := floats.MinIdx(history)
	return history[i], i + 1
}
