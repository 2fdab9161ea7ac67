package stats

import (
	"math"
	"testing"

	"github.com/m-mizutani/gt"
)

func TestDownsample(t *testing.T) {
	points := Downsample([]float64{4, 2, 3, 1, 5}, 2)
	gt.Equal(t, points, []CurvePoint{
		{Iteration: 2, Mean: 3, Min: 2},
		{Iteration: 4, Mean: 2, Min: 1},
		{Iteration: 5, Mean: 5, Min: 5},
	})

	gt.A(t, Downsample(nil, 10)).Length(0)
	gt.A(t, Downsample([]float64{1, 2}, 0)).Length(2)
}

func TestBest(t *testing.T) {
	loss, it := Best([]float64{3, 1, 2, 1})
	gt.Equal(t, loss, 1.0)
	gt.Equal(t, it, 2)

	loss, it = Best(nil)
	gt.True(t, math.IsNaN(loss))
	gt.Equal(t, it, 0)
}
