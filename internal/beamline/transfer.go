package beamline

import (
	"math"

	"gonum.org/v1/gonum/num/dual"

	"phasespace/internal/beam"
)

type coords = [beam.Dims]dual.Number

func constant(v float64) dual.Number { return dual.Number{Real: v} }

func addConst(x dual.Number, c float64) dual.Number {
	return dual.Number{Real: x.Real + c, Emag: x.Emag}
}

func div(a, b dual.Number) dual.Number { return dual.Mul(a, dual.Inv(b)) }

// transferDrift is the paraxial drift with chromatic slope and the
// path-length and velocity terms of the longitudinal coordinate.
func transferDrift(in coords, v Values, ref beam.Reference) coords {
	return drift(in, v.Length, ref)
}

func drift(in coords, length float64, ref beam.Reference) coords {
	out := in
	if length == 0 {
		return out
	}
	invP := dual.Inv(addConst(in[beam.PZ], 1))
	xp := dual.Mul(in[beam.PX], invP)
	yp := dual.Mul(in[beam.PY], invP)
	out[beam.X] = dual.Add(in[beam.X], dual.Scale(length, xp))
	out[beam.Y] = dual.Add(in[beam.Y], dual.Scale(length, yp))
	slope2 := dual.Add(dual.Mul(xp, xp), dual.Mul(yp, yp))
	dz := dual.Sub(dual.Scale(length*ref.SlipFactor(), in[beam.PZ]), dual.Scale(length/2, slope2))
	out[beam.Z] = dual.Add(in[beam.Z], dz)
	return out
}

// transferQuadrupole is the thick-lens solution with strength scaled by the
// particle momentum, focusing in x for k1 > 0.
func transferQuadrupole(in coords, v Values, ref beam.Reference) coords {
	if v.K1 == 0 {
		return drift(in, v.Length, ref)
	}
	out := in
	if v.Length == 0 {
		return out
	}
	p := addConst(in[beam.PZ], 1)
	kk := dual.Scale(v.K1, dual.Inv(p))
	out[beam.X], out[beam.PX] = thickPlane(in[beam.X], in[beam.PX], kk, p, v.Length)
	out[beam.Y], out[beam.PY] = thickPlane(in[beam.Y], in[beam.PY], dual.Scale(-1, kk), p, v.Length)
	out[beam.Z] = dual.Add(in[beam.Z], dual.Scale(v.Length*ref.SlipFactor(), in[beam.PZ]))
	return out
}

// thickPlane solves x'' = -kk x over length l. kk must be non-zero.
func thickPlane(x, px, kk, p dual.Number, l float64) (dual.Number, dual.Number) {
	var c, s dual.Number
	if kk.Real > 0 {
		w := dual.Sqrt(kk)
		c = dual.Cos(dual.Scale(l, w))
		s = div(dual.Sin(dual.Scale(l, w)), w)
	} else {
		w := dual.Sqrt(dual.Scale(-1, kk))
		c = dual.Cosh(dual.Scale(l, w))
		s = div(dual.Sinh(dual.Scale(l, w)), w)
	}
	cp := dual.Scale(-1, dual.Mul(kk, s))
	xp := div(px, p)
	x1 := dual.Add(dual.Mul(c, x), dual.Mul(s, xp))
	xp1 := dual.Add(dual.Mul(cp, x), dual.Mul(c, xp))
	return x1, dual.Mul(xp1, p)
}

// transferDipole is a sector bend with linear hard-edge fringes, first-order
// dispersion and the momentum-dependent path length.
func transferDipole(in coords, v Values, ref beam.Reference) coords {
	if v.Angle == 0 {
		return drift(in, v.Length, ref)
	}
	theta := v.Angle
	g := theta / v.Length
	rho := 1 / g
	cs, sn := math.Cos(theta), math.Sin(theta)

	delta := in[beam.PZ]
	p := addConst(delta, 1)
	x, y := in[beam.X], in[beam.Y]
	xp := div(in[beam.PX], p)
	yp := div(in[beam.PY], p)

	if v.E1 != 0 {
		h := math.Tan(v.E1) * g
		xp = dual.Add(xp, dual.Scale(h, x))
		yp = dual.Sub(yp, dual.Scale(h, y))
	}

	x1 := dual.Add(dual.Add(dual.Scale(cs, x), dual.Scale(rho*sn, xp)), dual.Scale(rho*(1-cs), delta))
	xp1 := dual.Add(dual.Add(dual.Scale(-sn/rho, x), dual.Scale(cs, xp)), dual.Scale(sn, delta))
	y1 := dual.Add(y, dual.Scale(v.Length, yp))
	dz := dual.Add(dual.Scale(-sn, x), dual.Scale(-rho*(1-cs), xp))
	dz = dual.Add(dz, dual.Scale(-rho*(theta-sn)+v.Length*ref.SlipFactor(), delta))

	if v.E2 != 0 {
		h := math.Tan(v.E2) * g
		xp1 = dual.Add(xp1, dual.Scale(h, x1))
		yp = dual.Sub(yp, dual.Scale(h, y1))
	}

	out := in
	out[beam.X] = x1
	out[beam.PX] = dual.Mul(xp1, p)
	out[beam.Y] = y1
	out[beam.PY] = dual.Mul(yp, p)
	out[beam.Z] = dual.Add(in[beam.Z], dz)
	return out
}

// spectrometerArc is the arc length of a dipole whose chord is v.Length.
func spectrometerArc(v Values) float64 {
	if v.Angle == 0 {
		return v.Length
	}
	return v.Length * v.Angle / math.Sin(v.Angle)
}

// spectrometerDrift is the distance from the dipole exit to the screen when
// the screen sits v.Screen from the dipole centre along the bent axis.
func spectrometerDrift(v Values) float64 {
	return v.Screen - v.Length/2/math.Cos(v.Angle)
}

// transferSpectrometer bends by v.Angle over the arc spanning the chord,
// with the exit face normal to the chord (e2 = angle), then drifts to the
// screen. Angle 0 is the straight-through line of the same footprint.
func transferSpectrometer(in coords, v Values, ref beam.Reference) coords {
	bend := Values{Length: spectrometerArc(v), Angle: v.Angle, E1: v.E1, E2: v.Angle}
	return drift(transferDipole(in, bend, ref), spectrometerDrift(v), ref)
}

func rfWavenumber(frequency float64, ref beam.Reference) float64 {
	return 2 * math.Pi * frequency / (ref.Beta() * beam.SpeedOfLight)
}

// transferCavity applies an accelerating kick at the cavity centre between
// two half drifts. The energy change is exact; order 1 adds edge focusing.
func transferCavity(in coords, v Values, ref beam.Reference) coords {
	half := v.Length / 2
	out := drift(in, half, ref)
	if v.Voltage == 0 {
		return drift(out, half, ref)
	}

	k := rfWavenumber(v.Frequency, ref)
	phi := addConst(dual.Scale(-k, out[beam.Z]), v.Phase)
	dE := dual.Scale(v.Voltage, dual.Sin(phi))

	m2 := constant(ref.Mass * ref.Mass)
	pIn := dual.Scale(ref.P0C, addConst(out[beam.PZ], 1))
	eIn := dual.Sqrt(dual.Add(dual.Mul(pIn, pIn), m2))
	eOut := dual.Add(eIn, dE)
	pOut := dual.Sqrt(dual.Sub(dual.Mul(eOut, eOut), m2))
	pzOut := addConst(dual.Scale(1/ref.P0C, pOut), -1)

	if v.Order >= 1 && v.Length > 0 {
		gradient := dual.Scale(1/v.Length, dE)
		// Entrance edge: dx' = -G x / (2E), px = (1+pz) x'.
		inKick := div(dual.Mul(gradient, pIn), dual.Scale(2*ref.P0C, eIn))
		out[beam.PX] = dual.Sub(out[beam.PX], dual.Mul(inKick, out[beam.X]))
		out[beam.PY] = dual.Sub(out[beam.PY], dual.Mul(inKick, out[beam.Y]))
		outKick := div(dual.Mul(gradient, pOut), dual.Scale(2*ref.P0C, eOut))
		out[beam.PX] = dual.Add(out[beam.PX], dual.Mul(outKick, out[beam.X]))
		out[beam.PY] = dual.Add(out[beam.PY], dual.Mul(outKick, out[beam.Y]))
	}
	out[beam.PZ] = pzOut
	return drift(out, half, ref)
}

// transferCrabCavity is a transverse deflecting cavity modelled as a single
// kick at its centre. Tilt selects the deflection plane (pi/2 deflects in y).
func transferCrabCavity(in coords, v Values, ref beam.Reference) coords {
	half := v.Length / 2
	out := drift(in, half, ref)
	if v.Voltage != 0 {
		k := rfWavenumber(v.Frequency, ref)
		vn := v.Voltage / ref.P0C
		ct, st := math.Cos(v.Tilt), math.Sin(v.Tilt)
		phi := addConst(dual.Scale(-k, out[beam.Z]), v.Phase)
		kick := dual.Scale(vn, dual.Sin(phi))
		out[beam.PX] = dual.Add(out[beam.PX], dual.Scale(ct, kick))
		out[beam.PY] = dual.Add(out[beam.PY], dual.Scale(st, kick))
		offset := dual.Add(dual.Scale(ct, out[beam.X]), dual.Scale(st, out[beam.Y]))
		dpz := dual.Scale(-vn*k, dual.Mul(offset, dual.Cos(phi)))
		out[beam.PZ] = dual.Add(out[beam.PZ], dpz)
	}
	return drift(out, half, ref)
}

// transferSextupole alternates half drifts and thin kicks over its slices.
func transferSextupole(in coords, v Values, ref beam.Reference) coords {
	slices := int(v.Slices)
	if slices < 1 {
		slices = 1
	}
	ds := v.Length / float64(slices)
	out := in
	for i := 0; i < slices; i++ {
		out = drift(out, ds/2, ref)
		if v.K2 != 0 {
			kl := v.K2 * ds
			if v.Length == 0 {
				kl = v.K2
			}
			x, y := out[beam.X], out[beam.Y]
			diff := dual.Sub(dual.Mul(x, x), dual.Mul(y, y))
			out[beam.PX] = dual.Sub(out[beam.PX], dual.Scale(kl/2, diff))
			out[beam.PY] = dual.Add(out[beam.PY], dual.Scale(kl, dual.Mul(x, y)))
		}
		out = drift(out, ds/2, ref)
	}
	return out
}
