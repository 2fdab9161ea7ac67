package screen

import (
	"math"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/beam"
	"phasespace/internal/fault"
	"phasespace/internal/parallel"
)

// kernelRadius is the Gaussian truncation in bandwidths.
const kernelRadius = 5.0

// Projector renders ensembles with a Gaussian kernel integrated over each
// bin, so every particle carries unit mass wherever it sits inside a pixel
// and the image tends to the hard histogram as the bandwidth shrinks.
// Bandwidth defaults to the smaller pixel size; Intensity is the total the
// rendered image is scaled to and defaults to 1.
type Projector struct {
	geometry  Geometry
	bandwidth float64
	intensity float64
	workers   int
}

type ProjectorConfig struct {
	Bandwidth float64
	Intensity float64
	Workers   int
}

func NewProjector(g Geometry, cfg ProjectorConfig) (*Projector, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if cfg.Bandwidth == 0 {
		cfg.Bandwidth = math.Min(g.PixelWidth(), g.PixelHeight())
	}
	if !(cfg.Bandwidth > 0) || math.IsInf(cfg.Bandwidth, 0) {
		return nil, fault.Config(nil, "kernel bandwidth must be > 0", goerr.V("bandwidth", cfg.Bandwidth))
	}
	if cfg.Intensity == 0 {
		cfg.Intensity = 1
	}
	if !(cfg.Intensity > 0) {
		return nil, fault.Config(nil, "total intensity must be > 0", goerr.V("intensity", cfg.Intensity))
	}
	return &Projector{
		geometry:  g,
		bandwidth: cfg.Bandwidth,
		intensity: cfg.Intensity,
		workers:   cfg.Workers,
	}, nil
}

func (p *Projector) Geometry() Geometry { return p.geometry }
func (p *Projector) Bandwidth() float64 { return p.bandwidth }
func (p *Projector) Intensity() float64 { return p.intensity }

// Tape keeps what Backward needs from one projection.
type Tape struct {
	ens   *beam.Ensemble
	sum   float64
	image Image
}

// window returns the bin index range [lo, hi) overlapping the kernel
// support around v.
func window(v, origin, pitch, bw float64, n int) (int, int) {
	r := kernelRadius * bw
	lo := int(math.Floor((v - r - origin) / pitch))
	hi := int(math.Floor((v+r-origin)/pitch)) + 1
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}

// binMass fills mass[k] with the kernel mass of bins lo..hi-1 for a particle
// at v and, when dmass is non-nil, its derivative with respect to v.
func binMass(v, origin, pitch, bw float64, lo, hi int, mass, dmass []float64) {
	invBw := 1 / bw
	edge := func(k int) (float64, float64) {
		u := (origin + float64(k)*pitch - v) * invBw
		return 0.5 * math.Erfc(-u/math.Sqrt2), math.Exp(-u*u/2) / math.Sqrt(2*math.Pi) * invBw
	}
	cdfLo, pdfLo := edge(lo)
	for k := lo; k < hi; k++ {
		cdfHi, pdfHi := edge(k + 1)
		mass[k] = cdfHi - cdfLo
		if dmass != nil {
			dmass[k] = pdfLo - pdfHi
		}
		cdfLo, pdfLo = cdfHi, pdfHi
	}
}

func (p *Projector) inRange(x, y float64) bool {
	g := p.geometry
	margin := kernelRadius * p.bandwidth
	return x > g.Left()-margin && x < g.Left()+g.Width+margin &&
		y > g.Bottom()-margin && y < g.Bottom()+g.Height+margin
}

// Project renders the (x, y) coordinates of ens. When no particle reaches the
// screen, or a coordinate is not finite, the image is NaN so the failure
// surfaces as a non-finite loss.
func (p *Projector) Project(ens *beam.Ensemble) (Image, *Tape, error) {
	if err := ens.Validate(); err != nil {
		return Image{}, nil, err
	}
	if ens.N == 0 {
		return Image{}, nil, goerr.New("cannot project an empty ensemble")
	}
	g := p.geometry
	shards := parallel.Shards(ens.N, p.workers)
	partial := make([][]float64, len(shards))
	invalid := make([]bool, len(shards))

	err := parallel.For(ens.N, p.workers, func(shard int, r parallel.Range) error {
		hist := make([]float64, g.Pixels())
		mx := make([]float64, g.NX)
		my := make([]float64, g.NY)
		partial[shard] = hist
		for i := r.Lo; i < r.Hi; i++ {
			x, y := ens.At(i, beam.X), ens.At(i, beam.Y)
			if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
				invalid[shard] = true
				continue
			}
			if !p.inRange(x, y) {
				continue
			}
			xlo, xhi := window(x, g.Left(), g.PixelWidth(), p.bandwidth, g.NX)
			ylo, yhi := window(y, g.Bottom(), g.PixelHeight(), p.bandwidth, g.NY)
			if xlo >= xhi || ylo >= yhi {
				continue
			}
			binMass(x, g.Left(), g.PixelWidth(), p.bandwidth, xlo, xhi, mx, nil)
			binMass(y, g.Bottom(), g.PixelHeight(), p.bandwidth, ylo, yhi, my, nil)
			for iy := ylo; iy < yhi; iy++ {
				ky := my[iy]
				row := hist[iy*g.NX : (iy+1)*g.NX]
				for ix := xlo; ix < xhi; ix++ {
					row[ix] += ky * mx[ix]
				}
			}
		}
		return nil
	})
	if err != nil {
		return Image{}, nil, err
	}

	img := NewImage(g)
	bad := false
	for s, hist := range partial {
		bad = bad || invalid[s]
		for k, v := range hist {
			img.Pixels[k] += v
		}
	}
	sum := img.Sum()
	if bad || sum == 0 {
		for k := range img.Pixels {
			img.Pixels[k] = math.NaN()
		}
		return img, &Tape{ens: ens, sum: 0, image: img}, nil
	}
	scale := p.intensity / sum
	for k := range img.Pixels {
		img.Pixels[k] *= scale
	}
	return img, &Tape{ens: ens, sum: sum, image: img}, nil
}

// Backward returns dL/d(particles) given dL/d(pixels) of the normalised
// image. Only x and y receive gradient.
func (p *Projector) Backward(tape *Tape, gradImage []float64) (*beam.Ensemble, error) {
	g := p.geometry
	if tape == nil || len(gradImage) != g.Pixels() {
		return nil, goerr.New("image gradient does not match screen", goerr.V("len", len(gradImage)))
	}
	grad := beam.NewEnsemble(tape.ens.N)
	if tape.sum == 0 {
		return grad, nil
	}

	// Through the normalisation: dL/dH = (I/S)(gI - sum(gI * img)/I).
	var c float64
	for k, v := range gradImage {
		c += v * tape.image.Pixels[k]
	}
	c /= p.intensity
	gh := make([]float64, len(gradImage))
	for k, v := range gradImage {
		gh[k] = (p.intensity / tape.sum) * (v - c)
	}

	ens := tape.ens
	err := parallel.For(ens.N, p.workers, func(_ int, r parallel.Range) error {
		mx, dmx := make([]float64, g.NX), make([]float64, g.NX)
		my, dmy := make([]float64, g.NY), make([]float64, g.NY)
		for i := r.Lo; i < r.Hi; i++ {
			x, y := ens.At(i, beam.X), ens.At(i, beam.Y)
			if !p.inRange(x, y) {
				continue
			}
			xlo, xhi := window(x, g.Left(), g.PixelWidth(), p.bandwidth, g.NX)
			ylo, yhi := window(y, g.Bottom(), g.PixelHeight(), p.bandwidth, g.NY)
			if xlo >= xhi || ylo >= yhi {
				continue
			}
			binMass(x, g.Left(), g.PixelWidth(), p.bandwidth, xlo, xhi, mx, dmx)
			binMass(y, g.Bottom(), g.PixelHeight(), p.bandwidth, ylo, yhi, my, dmy)
			var gx, gy float64
			for iy := ylo; iy < yhi; iy++ {
				row := gh[iy*g.NX : (iy+1)*g.NX]
				var s, sd float64
				for ix := xlo; ix < xhi; ix++ {
					s += row[ix] * mx[ix]
					sd += row[ix] * dmx[ix]
				}
				gx += my[iy] * sd
				gy += dmy[iy] * s
			}
			grad.Particle(i)[beam.X] = gx
			grad.Particle(i)[beam.Y] = gy
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grad, nil
}
