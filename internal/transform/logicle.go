package transform

import (
	"math"
)

const taylorLength = 16

// logicle is the Parks/Moore biexponential display transform. Display values
// run from 0 at -T·10^-(M+A) decades (approximately) to 1 at T.
type logicle struct {
	T, W, M, A float64

	a, b, c, d, f float64
	w, x0, x1, x2 float64
	xTaylor       float64
	taylor        [taylorLength]float64
}

func newLogicle(T, W, M, A float64) *logicle {
	l := &logicle{T: T, W: W, M: M, A: A}

	l.w = W / (M + A)
	l.x2 = A / (M + A)
	l.x1 = l.x2 + l.w
	l.x0 = l.x2 + 2*l.w
	l.b = (M + A) * math.Ln10
	l.d = solveLogicle(l.b, l.w)

	cOverA := math.Exp(l.x0 * (l.b + l.d))
	mfOverA := math.Exp(l.b*l.x1) - cOverA/math.Exp(l.d*l.x1)
	l.a = T / ((math.Exp(l.b) - mfOverA) - cOverA/math.Exp(l.d))
	l.c = cOverA * l.a
	l.f = -mfOverA * l.a

	// Taylor series around x1, used where the closed form cancels badly.
	l.xTaylor = l.x1 + l.w/4
	posCoef := l.a * math.Exp(l.b*l.x1)
	negCoef := -l.c / math.Exp(l.d*l.x1)
	for i := 0; i < taylorLength; i++ {
		posCoef *= l.b / float64(i+1)
		negCoef *= -l.d / float64(i+1)
		l.taylor[i] = posCoef + negCoef
	}
	l.taylor[1] = 0
	return l
}

// solveLogicle finds d such that 2·ln(d) + w·d = 2·ln(b) using a safeguarded
// Newton iteration with bisection fallback.
func solveLogicle(b, w float64) float64 {
	if w == 0 {
		return b
	}
	tolerance := 2 * b * epsilon

	dLo, dHi := 0.0, b
	d := (dLo + dHi) / 2
	lastDelta := dHi - dLo
	fB := -2*math.Log(b) + w*b
	f := 2*math.Log(d) + w*d + fB
	lastF := math.NaN()

	for i := 0; i < 40; i++ {
		df := 2/d + w
		var delta float64
		if ((d-dHi)*df-f)*((d-dLo)*df-f) >= 0 || math.Abs(1.9*f) > math.Abs(lastDelta*df) {
			delta = (dHi - dLo) / 2
			d = dLo + delta
			if d == dLo {
				return d
			}
		} else {
			delta = f / df
			t := d
			d -= delta
			if d == t {
				return d
			}
		}
		if math.Abs(delta) < tolerance {
			return d
		}
		lastDelta = delta

		f = 2*math.Log(d) + w*d + fB
		if f == 0 || f == lastF {
			return d
		}
		lastF = f
		if f < 0 {
			dLo = d
		} else {
			dHi = d
		}
	}
	return d
}

const epsilon = 2.220446049250313e-16

func (l *logicle) series(scale float64) float64 {
	x := scale - l.x1
	sum := l.taylor[taylorLength-1] * x
	for i := taylorLength - 2; i >= 2; i-- {
		sum = (sum + l.taylor[i]) * x
	}
	return (sum*x + l.taylor[0]) * x
}

// inverse maps a display value to raw data.
func (l *logicle) inverse(scale float64) float64 {
	negative := scale < l.x1
	if negative {
		scale = 2*l.x1 - scale
	}
	var v float64
	if scale < l.xTaylor {
		v = l.series(scale)
	} else {
		v = (l.a*math.Exp(l.b*scale) + l.f) - l.c/math.Exp(l.d*scale)
	}
	if negative {
		return -v
	}
	return v
}

// forward maps raw data to display space with Halley's method.
func (l *logicle) forward(value float64) float64 {
	if value == 0 {
		return l.x1
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		if value > 0 {
			return math.Inf(1)
		}
		return math.Inf(-1)
	}
	negative := value < 0
	if negative {
		value = -value
	}

	var x float64
	if value < l.f {
		x = l.x1 + value/l.taylor[0]
	} else {
		x = math.Log(value/l.a) / l.b
	}

	tolerance := 3 * epsilon
	for i := 0; i < 20; i++ {
		ae2bx := l.a * math.Exp(l.b*x)
		ce2mdx := l.c / math.Exp(l.d*x)
		var y float64
		if x < l.xTaylor {
			y = l.series(x) - value
		} else {
			y = (ae2bx + l.f) - (ce2mdx + value)
		}
		abe2bx := l.b * ae2bx
		cde2mdx := l.d * ce2mdx
		dy := abe2bx + cde2mdx
		ddy := l.b*abe2bx - l.d*cde2mdx

		delta := y / (dy * (1 - y*ddy/(2*dy*dy)))
		x -= delta
		if math.Abs(delta) < tolerance {
			break
		}
	}
	if negative {
		return 2*l.x1 - x
	}
	return x
}
