// Package ga3 implements the value domain for replicated state: multivectors
// of the three-dimensional Euclidean geometric algebra Cl(3,0).
//
// Coefficients are stored in basis order
//
//	[scalar, e1, e2, e12, e3, e13, e23, e123]
//
// so that the index of every coefficient is also the bitmask of the basis
// vectors forming its blade. All operations are pure and total.
package ga3

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// Size is the number of coefficients of a Cl(3,0) multivector.
const Size = 8

// Basis indices.
const (
	IdxScalar = 0
	IdxE1     = 1
	IdxE2     = 2
	IdxE12    = 3
	IdxE3     = 4
	IdxE13    = 5
	IdxE23    = 6
	IdxE123   = 7
)

// Epsilon is the tolerance used for degenerate-magnitude checks.
const Epsilon = 1e-12

var basisNames = [Size]string{"", "e1", "e2", "e12", "e3", "e13", "e23", "e123"}

// Multivector 是 Cl(3,0) 中的一个元素，按值传递，不可变。
type Multivector [Size]float64

// productSign[a][b] is the sign of e_a * e_b = ±e_(a^b).
var productSign [Size][Size]float64

func init() {
	for a := 0; a < Size; a++ {
		for b := 0; b < Size; b++ {
			productSign[a][b] = reorderSign(a, b)
		}
	}
}

// reorderSign counts the transpositions needed to bring e_a e_b into
// canonical order. The metric is Euclidean so every e_i^2 = +1.
func reorderSign(a, b int) float64 {
	a >>= 1
	swaps := 0
	for a != 0 {
		swaps += bits.OnesCount(uint(a & b))
		a >>= 1
	}
	if swaps&1 == 0 {
		return 1
	}
	return -1
}

// Zero returns the additive identity.
func Zero() Multivector {
	return Multivector{}
}

// One returns the multiplicative identity.
func One() Multivector {
	return Scalar(1)
}

// Scalar returns a pure grade-0 multivector.
func Scalar(s float64) Multivector {
	return Multivector{IdxScalar: s}
}

// Vector returns a pure grade-1 multivector x*e1 + y*e2 + z*e3.
func Vector(x, y, z float64) Multivector {
	return Multivector{IdxE1: x, IdxE2: y, IdxE3: z}
}

// Bivector returns a pure grade-2 multivector.
func Bivector(e12, e13, e23 float64) Multivector {
	return Multivector{IdxE12: e12, IdxE13: e13, IdxE23: e23}
}

// Pseudoscalar returns t*e123.
func Pseudoscalar(t float64) Multivector {
	return Multivector{IdxE123: t}
}

// FromSlice builds a multivector from at most Size coefficients.
func FromSlice(coeffs []float64) Multivector {
	var m Multivector
	copy(m[:], coeffs)
	return m
}

// Rotor returns the rotor rotating by angle radians in the given plane.
// The plane bivector does not need to be normalized.
func Rotor(angle float64, plane Multivector) Multivector {
	b := plane.Grade(2)
	n := b.Magnitude()
	if n < Epsilon {
		return One()
	}
	return b.Scale(-angle / (2 * n)).Exp()
}

// Coefficients returns a copy of the coefficients as a slice.
func (m Multivector) Coefficients() []float64 {
	out := make([]float64, Size)
	copy(out, m[:])
	return out
}

// ScalarPart returns the grade-0 coefficient.
func (m Multivector) ScalarPart() float64 {
	return m[IdxScalar]
}

// Grade returns the projection of m onto grade k.
func (m Multivector) Grade(k int) Multivector {
	var out Multivector
	for i := 0; i < Size; i++ {
		if bits.OnesCount(uint(i)) == k {
			out[i] = m[i]
		}
	}
	return out
}

func (m Multivector) Add(o Multivector) Multivector {
	for i := range m {
		m[i] += o[i]
	}
	return m
}

func (m Multivector) Sub(o Multivector) Multivector {
	for i := range m {
		m[i] -= o[i]
	}
	return m
}

func (m Multivector) Scale(s float64) Multivector {
	for i := range m {
		m[i] *= s
	}
	return m
}

// GeometricProduct returns m*o.
func (m Multivector) GeometricProduct(o Multivector) Multivector {
	var out Multivector
	for a := 0; a < Size; a++ {
		if m[a] == 0 {
			continue
		}
		for b := 0; b < Size; b++ {
			if o[b] == 0 {
				continue
			}
			out[a^b] += productSign[a][b] * m[a] * o[b]
		}
	}
	return out
}

// Reverse flips the sign of grades 2 and 3.
func (m Multivector) Reverse() Multivector {
	m[IdxE12], m[IdxE13], m[IdxE23] = -m[IdxE12], -m[IdxE13], -m[IdxE23]
	m[IdxE123] = -m[IdxE123]
	return m
}

// Sandwich returns m * x * reverse(m).
func (m Multivector) Sandwich(x Multivector) Multivector {
	return m.GeometricProduct(x).GeometricProduct(m.Reverse())
}

// MagnitudeSquared is the scalar part of m*reverse(m), which in Cl(3,0) is
// the sum of squared coefficients.
func (m Multivector) MagnitudeSquared() float64 {
	var sum float64
	for _, c := range m {
		sum += c * c
	}
	return sum
}

func (m Multivector) Magnitude() float64 {
	return math.Sqrt(m.MagnitudeSquared())
}

// Normalize returns m scaled to unit magnitude, or m itself when it is
// (numerically) zero.
func (m Multivector) Normalize() Multivector {
	n := m.Magnitude()
	if n < Epsilon {
		return m
	}
	return m.Scale(1 / n)
}

// Distance returns the magnitude of m - o.
func (m Multivector) Distance(o Multivector) float64 {
	return m.Sub(o).Magnitude()
}

// ApproxEqual reports whether every coefficient differs by at most tol.
func (m Multivector) ApproxEqual(o Multivector, tol float64) bool {
	for i := range m {
		if math.Abs(m[i]-o[i]) > tol {
			return false
		}
	}
	return true
}

// IsZero reports whether every coefficient is within Epsilon of zero.
func (m Multivector) IsZero() bool {
	return m.ApproxEqual(Multivector{}, Epsilon)
}

// IsFinite reports whether no coefficient is NaN or infinite.
func (m Multivector) IsFinite() bool {
	for _, c := range m {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func (m Multivector) String() string {
	var sb strings.Builder
	wrote := false
	for i, c := range m {
		if c == 0 {
			continue
		}
		if wrote {
			if c < 0 {
				sb.WriteString(" - ")
				c = -c
			} else {
				sb.WriteString(" + ")
			}
		}
		sb.WriteString(fmt.Sprintf("%g", c))
		sb.WriteString(basisNames[i])
		wrote = true
	}
	if !wrote {
		return "0"
	}
	return sb.String()
}
