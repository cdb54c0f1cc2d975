package lattice

import "github.com/shinyes/geo_crdt/pkg/ga3"

const (
	NameGA3 = "ga3"

	// magnitudes closer than this are a tie
	tieTolerance = 1e-10
)

// GA3Lattice orders multivectors by magnitude. The larger magnitude wins a
// join; equal magnitudes resolve to the geometric mean of both values, which
// is symmetric in its arguments. Join is not associative when three or more
// values tie: the result then depends on how the joins are grouped.
type GA3Lattice struct{}

func (GA3Lattice) Name() string { return NameGA3 }

func (GA3Lattice) Join(a, b ga3.Multivector) ga3.Multivector {
	if a.ApproxEqual(b, Tolerance) {
		return a
	}
	ma, mb := a.Magnitude(), b.Magnitude()
	switch {
	case ma-mb > tieTolerance:
		return a
	case mb-ma > tieTolerance:
		return b
	default:
		return ga3.GeometricMean(a, b)
	}
}

func (GA3Lattice) Meet(a, b ga3.Multivector) ga3.Multivector {
	if a.ApproxEqual(b, Tolerance) {
		return a
	}
	ma, mb := a.Magnitude(), b.Magnitude()
	switch {
	case ma-mb > tieTolerance:
		return b
	case mb-ma > tieTolerance:
		return a
	default:
		return ga3.GeometricMean(a, b)
	}
}

func (GA3Lattice) Dominates(a, b ga3.Multivector) bool {
	return a.Magnitude() >= b.Magnitude()-tieTolerance
}

func (GA3Lattice) Divergence(a, b ga3.Multivector) float64 {
	return a.Distance(b)
}
