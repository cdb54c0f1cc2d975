// Package lattice provides join-semilattice structures over multivectors.
// Join must be idempotent, commutative and associative for every
// implementation; CRDT convergence rests on it.
package lattice

import (
	"fmt"

	"github.com/shinyes/geo_crdt/pkg/ga3"
)

// Tolerance under which two values are considered lattice-equal.
const Tolerance = 1e-9

// GeometricLattice is a join-semilattice (with meet) over multivectors.
type GeometricLattice interface {
	// Name identifies the lattice in configuration and logs.
	Name() string

	// Join returns the least upper bound of a and b.
	Join(a, b ga3.Multivector) ga3.Multivector

	// Meet returns the greatest lower bound of a and b.
	Meet(a, b ga3.Multivector) ga3.Multivector

	// Dominates reports whether a is above or equal to b in the order.
	Dominates(a, b ga3.Multivector) bool

	// Divergence is a non-negative symmetric measure, zero iff a and b are
	// lattice-equal.
	Divergence(a, b ga3.Multivector) float64
}

// Equal reports whether a and b are lattice-equal under l.
func Equal(l GeometricLattice, a, b ga3.Multivector) bool {
	return l.Divergence(a, b) <= Tolerance
}

// JoinAll folds Join over values. It returns the zero multivector for no values.
func JoinAll(l GeometricLattice, values ...ga3.Multivector) ga3.Multivector {
	if len(values) == 0 {
		return ga3.Zero()
	}
	acc := values[0]
	for _, v := range values[1:] {
		acc = l.Join(acc, v)
	}
	return acc
}

// ByName returns the lattice registered under name.
func ByName(name string) (GeometricLattice, error) {
	switch name {
	case "", NameGA3:
		return GA3Lattice{}, nil
	case NameComponent:
		return ComponentLattice{}, nil
	default:
		return nil, fmt.Errorf("lattice: unknown lattice %q", name)
	}
}
