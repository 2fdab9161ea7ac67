// Package screen renders particle ensembles into differentiable diagnostic
// images.
package screen

import (
	"math"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/fault"
)

// Geometry is the bin layout and physical field of view of a screen.
// Pixels are indexed [iy*NX + ix], iy growing with y.
type Geometry struct {
	NX      int     `json:"bins_x"`
	NY      int     `json:"bins_y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
}

func (g Geometry) Validate() error {
	if g.NX <= 0 || g.NY <= 0 {
		return fault.Config(nil, "screen bin counts must be > 0", goerr.V("bins_x", g.NX), goerr.V("bins_y", g.NY))
	}
	if !(g.Width > 0) || !(g.Height > 0) || math.IsInf(g.Width, 0) || math.IsInf(g.Height, 0) {
		return fault.Config(nil, "screen field of view must be > 0", goerr.V("width", g.Width), goerr.V("height", g.Height))
	}
	if math.IsNaN(g.CenterX) || math.IsNaN(g.CenterY) {
		return fault.Config(nil, "screen centre must be finite")
	}
	return nil
}

// Same reports whether two geometries describe the same screen.
func (g Geometry) Same(o Geometry) bool {
	near := func(a, b, scale float64) bool {
		return math.Abs(a-b) <= 1e-9*scale
	}
	return g.NX == o.NX && g.NY == o.NY &&
		near(g.Width, o.Width, g.Width) && near(g.Height, o.Height, g.Height) &&
		near(g.CenterX, o.CenterX, g.Width) && near(g.CenterY, o.CenterY, g.Height)
}

func (g Geometry) Pixels() int          { return g.NX * g.NY }
func (g Geometry) PixelWidth() float64  { return g.Width / float64(g.NX) }
func (g Geometry) PixelHeight() float64 { return g.Height / float64(g.NY) }
func (g Geometry) Left() float64        { return g.CenterX - g.Width/2 }
func (g Geometry) Bottom() float64      { return g.CenterY - g.Height/2 }

// BinCentersX returns the x coordinate of each column centre.
func (g Geometry) BinCentersX() []float64 {
	out := make([]float64, g.NX)
	dx := g.PixelWidth()
	for i := range out {
		out[i] = g.Left() + (float64(i)+0.5)*dx
	}
	return out
}

// BinCentersY returns the y coordinate of each row centre.
func (g Geometry) BinCentersY() []float64 {
	out := make([]float64, g.NY)
	dy := g.PixelHeight()
	for i := range out {
		out[i] = g.Bottom() + (float64(i)+0.5)*dy
	}
	return out
}

// Image is a 2D intensity map on a Geometry.
type Image struct {
	NX     int       `json:"bins_x"`
	NY     int       `json:"bins_y"`
	Pixels []float64 `json:"pixels"`
}

func NewImage(g Geometry) Image {
	return Image{NX: g.NX, NY: g.NY, Pixels: make([]float64, g.Pixels())}
}

func (img Image) At(ix, iy int) float64 {
	return img.Pixels[iy*img.NX+ix]
}

func (img Image) Sum() float64 {
	var s float64
	for _, v := range img.Pixels {
		s += v
	}
	return s
}

// Finite reports whether every pixel is finite.
func (img Image) Finite() bool {
	for _, v := range img.Pixels {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Normalize scales a copy of img to the given total intensity. Negative
// pixels, typically background-subtraction residue, are clipped to zero.
func Normalize(img Image, total float64) (Image, error) {
	out := Image{NX: img.NX, NY: img.NY, Pixels: make([]float64, len(img.Pixels))}
	var s float64
	for i, v := range img.Pixels {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Image{}, fault.Config(nil, "image contains non-finite pixels", goerr.V("index", i))
		}
		if v > 0 {
			out.Pixels[i] = v
			s += v
		}
	}
	if s == 0 {
		return Image{}, fault.Config(nil, "image has no intensity")
	}
	for i := range out.Pixels {
		out.Pixels[i] *= total / s
	}
	return out, nil
}
