package ga3

import "math"

const (
	expSeriesTerms = 24
	// exp(logFloor) underflows to the smallest subnormal float64.
	logFloor = -745.0
)

// Exp returns the exponential of m, computed by scaling and squaring a
// truncated Taylor series. It is defined for every multivector.
func (m Multivector) Exp() Multivector {
	n := m.Magnitude()
	if n == 0 {
		return One()
	}

	// Pure scalars stay exact.
	if m.Sub(m.Grade(0)).IsZero() {
		return Scalar(math.Exp(m[IdxScalar]))
	}

	halvings := 0
	for n > 0.5 {
		n /= 2
		halvings++
	}
	x := m.Scale(math.Ldexp(1, -halvings))

	sum := One()
	term := One()
	for k := 1; k <= expSeriesTerms; k++ {
		term = term.GeometricProduct(x).Scale(1 / float64(k))
		sum = sum.Add(term)
		if term.MagnitudeSquared() < 1e-40 {
			break
		}
	}
	for ; halvings > 0; halvings-- {
		sum = sum.GeometricProduct(sum)
	}
	return sum
}

// Log returns a logarithm of m as ln|m| + (V/|V|)*atan2(|V|, s), where s is
// the scalar part of m and V the remaining components. It inverts Exp for
// values of the form s + B with B a simple bivector (scaled rotors) and for
// non-zero scalars; a negative scalar -x maps to ln x + π·e12, since
// exp(π·e12) = -1. A zero multivector maps to a very large negative scalar.
func (m Multivector) Log() Multivector {
	mag := m.Magnitude()
	if mag < Epsilon {
		return Scalar(logFloor)
	}

	out := Scalar(math.Log(mag))
	s := m[IdxScalar]
	v := m
	v[IdxScalar] = 0
	vn := v.Magnitude()
	if vn < Epsilon {
		if s < 0 {
			out[IdxE12] = math.Pi
		}
		return out
	}
	return out.Add(v.Scale(math.Atan2(vn, s) / vn))
}

// GeometricMean returns exp(mean(log(m_i))). The mean of no values is the
// multiplicative identity.
func GeometricMean(values ...Multivector) Multivector {
	if len(values) == 0 {
		return One()
	}
	var acc Multivector
	for _, v := range values {
		acc = acc.Add(v.Log())
	}
	return acc.Scale(1 / float64(len(values))).Exp()
}

// WeightedGeometricMean returns exp(Σ w_i/Σw * log(m_i)). Negative weights
// are treated as zero; when all weights vanish the unweighted mean is used.
func WeightedGeometricMean(values []Multivector, weights []float64) Multivector {
	if len(values) == 0 {
		return One()
	}
	var total float64
	for i := range values {
		if i < len(weights) && weights[i] > 0 {
			total += weights[i]
		}
	}
	if total <= 0 {
		return GeometricMean(values...)
	}

	var acc Multivector
	for i, v := range values {
		if i >= len(weights) || weights[i] <= 0 {
			continue
		}
		acc = acc.Add(v.Log().Scale(weights[i] / total))
	}
	return acc.Exp()
}
