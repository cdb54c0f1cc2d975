package lattice

import (
	"math/rand"
	"testing"

	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomMultivector(r *rand.Rand) ga3.Multivector {
	var m ga3.Multivector
	for i := range m {
		m[i] = r.Float64()*20 - 10
	}
	return m
}

func lattices() []GeometricLattice {
	return []GeometricLattice{GA3Lattice{}, ComponentLattice{}}
}

func TestLatticeLaws(t *testing.T) {
	for _, l := range lattices() {
		l := l
		t.Run(l.Name(), func(t *testing.T) {
			r := rand.New(rand.NewSource(42))
			for i := 0; i < 1000; i++ {
				a, b, c := randomMultivector(r), randomMultivector(r), randomMultivector(r)

				require.True(t, Equal(l, l.Join(a, a), a), "idempotence: %v", a)
				require.True(t, Equal(l, l.Join(a, b), l.Join(b, a)), "commutativity: %v %v", a, b)
				require.True(t, Equal(l, l.Join(l.Join(a, b), c), l.Join(a, l.Join(b, c))),
					"associativity: %v %v %v", a, b, c)

				j := l.Join(a, b)
				require.True(t, l.Dominates(j, a), "join must dominate a")
				require.True(t, l.Dominates(j, b), "join must dominate b")

				require.True(t, Equal(l, l.Meet(a, b), l.Meet(b, a)), "meet commutativity")
				require.True(t, l.Dominates(a, l.Meet(a, b)), "a must dominate meet")
			}
		})
	}
}

func TestDivergence(t *testing.T) {
	for _, l := range lattices() {
		r := rand.New(rand.NewSource(3))
		for i := 0; i < 200; i++ {
			a, b := randomMultivector(r), randomMultivector(r)
			d := l.Divergence(a, b)
			assert.GreaterOrEqual(t, d, 0.0)
			assert.InDelta(t, d, l.Divergence(b, a), 1e-12)
			assert.Zero(t, l.Divergence(a, a))
		}
	}
}

func TestGA3Lattice_MagnitudeWins(t *testing.T) {
	l := GA3Lattice{}
	merged := l.Join(ga3.Scalar(15), ga3.Scalar(13))
	assert.InDelta(t, 15.0, merged.Magnitude(), 1e-12)

	// A small-magnitude vector loses to a larger scalar.
	merged = l.Join(ga3.Vector(1, 1, 1), ga3.Scalar(2))
	assert.Equal(t, ga3.Scalar(2), merged)
}

func TestGA3Lattice_TieUsesGeometricMean(t *testing.T) {
	l := GA3Lattice{}
	a := ga3.Rotor(0.4, ga3.Bivector(1, 0, 0)).Scale(3)
	b := ga3.Rotor(-0.8, ga3.Bivector(1, 0, 0)).Scale(3)
	require.InDelta(t, a.Magnitude(), b.Magnitude(), 1e-12)

	joined := l.Join(a, b)
	assert.True(t, joined.ApproxEqual(ga3.GeometricMean(a, b), 1e-12))
	assert.True(t, joined.ApproxEqual(l.Join(b, a), 1e-12))
	// the mean of two rotors in the same plane is the half-angle rotor
	assert.True(t, joined.ApproxEqual(ga3.Rotor(-0.2, ga3.Bivector(1, 0, 0)).Scale(3), 1e-9))
}

func TestGA3Lattice_ThreeWayTieDependsOnGrouping(t *testing.T) {
	l := GA3Lattice{}
	plane := ga3.Bivector(1, 0, 0)
	a := ga3.Rotor(0.4, plane).Scale(3)
	b := ga3.Rotor(-0.8, plane).Scale(3)
	c := ga3.Rotor(1.2, plane).Scale(3)

	left := l.Join(l.Join(a, b), c)
	right := l.Join(a, l.Join(b, c))

	// every pairwise mean keeps magnitude 3, so each join is another tie
	assert.InDelta(t, 3, left.Magnitude(), 1e-9)
	assert.InDelta(t, 3, right.Magnitude(), 1e-9)
	assert.True(t, left.ApproxEqual(ga3.Rotor(0.5, plane).Scale(3), 1e-9))
	assert.True(t, right.ApproxEqual(ga3.Rotor(0.3, plane).Scale(3), 1e-9))
	assert.False(t, left.ApproxEqual(right, 1e-6))

	// commutativity still holds at each step
	assert.True(t, l.Join(c, l.Join(b, a)).ApproxEqual(left, 1e-9))
}

func TestComponentLattice(t *testing.T) {
	l := ComponentLattice{}
	a := ga3.Multivector{1, -2, 3, 0, 0, 0, 0, 5}
	b := ga3.Multivector{0, 4, -1, 0, 0, 0, 0, 6}

	assert.Equal(t, ga3.Multivector{1, 4, 3, 0, 0, 0, 0, 6}, l.Join(a, b))
	assert.Equal(t, ga3.Multivector{0, -2, -1, 0, 0, 0, 0, 5}, l.Meet(a, b))
	assert.False(t, l.Dominates(a, b))
	assert.False(t, l.Dominates(b, a))
	assert.True(t, l.Dominates(l.Join(a, b), a))
}

func TestByName(t *testing.T) {
	l, err := ByName("component")
	require.NoError(t, err)
	assert.Equal(t, NameComponent, l.Name())

	l, err = ByName("")
	require.NoError(t, err)
	assert.Equal(t, NameGA3, l.Name())

	_, err = ByName("bogus")
	assert.Error(t, err)
}

func TestJoinAll(t *testing.T) {
	l := GA3Lattice{}
	got := JoinAll(l, ga3.Scalar(1), ga3.Scalar(-7), ga3.Scalar(3))
	assert.Equal(t, ga3.Scalar(-7), got)
	assert.Equal(t, ga3.Zero(), JoinAll(l))
}
