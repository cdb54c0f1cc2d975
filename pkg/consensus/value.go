package consensus

import (
	"math"

	"github.com/shinyes/geo_crdt/pkg/ga3"
)

// slack absorbs rounding in the threshold comparison
const slack = 1e-9

// Value computes the candidate agreed value for a set of proposals.
//
// The geometric mean is accepted when every proposal is within threshold of
// it, measured as relative magnitude distance. Otherwise proposals are
// combined as exp(Σ wᵢ/Σw · log pᵢ) with wᵢ = |pᵢ|.
func Value(proposals []ga3.Multivector, threshold float64) ga3.Multivector {
	switch len(proposals) {
	case 0:
		return ga3.One()
	case 1:
		return proposals[0]
	}
	mean := ga3.GeometricMean(proposals...)
	if MaxSpread(mean, proposals) <= threshold+slack {
		return mean
	}
	weights := make([]float64, len(proposals))
	for i, p := range proposals {
		weights[i] = p.Magnitude()
	}
	return ga3.WeightedGeometricMean(proposals, weights)
}

// MaxSpread returns the largest relative magnitude distance between mean and
// any proposal.
func MaxSpread(mean ga3.Multivector, proposals []ga3.Multivector) float64 {
	spread := 0.0
	for _, p := range proposals {
		spread = math.Max(spread, relativeDistance(mean, p))
	}
	return spread
}

func relativeDistance(a, b ga3.Multivector) float64 {
	ma, mb := a.Magnitude(), b.Magnitude()
	scale := math.Max(ma, mb)
	if scale < ga3.Epsilon {
		return 0
	}
	return math.Abs(ma-mb) / scale
}
