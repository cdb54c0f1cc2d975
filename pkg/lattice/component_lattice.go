package lattice

import (
	"math"

	"github.com/shinyes/geo_crdt/pkg/ga3"
)

const NameComponent = "component"

// ComponentLattice is the product of eight max/min scalar lattices, one per
// coefficient.
type ComponentLattice struct{}

func (ComponentLattice) Name() string { return NameComponent }

func (ComponentLattice) Join(a, b ga3.Multivector) ga3.Multivector {
	var out ga3.Multivector
	for i := range out {
		out[i] = math.Max(a[i], b[i])
	}
	return out
}

func (ComponentLattice) Meet(a, b ga3.Multivector) ga3.Multivector {
	var out ga3.Multivector
	for i := range out {
		out[i] = math.Min(a[i], b[i])
	}
	return out
}

func (ComponentLattice) Dominates(a, b ga3.Multivector) bool {
	for i := range a {
		if a[i] < b[i] {
			return false
		}
	}
	return true
}

func (ComponentLattice) Divergence(a, b ga3.Multivector) float64 {
	return a.Distance(b)
}
