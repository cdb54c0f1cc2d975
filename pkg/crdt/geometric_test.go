package crdt

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/lattice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, c *GeometricCRDT, transform ga3.Multivector, typ OperationType) delta.StateDelta {
	t.Helper()
	d, ok := c.ApplyOperation(c.CreateOperation(transform, typ))
	require.True(t, ok)
	return d
}

func TestMergeScenario(t *testing.T) {
	a := New(uuid.New(), ga3.Scalar(10))
	b := New(uuid.New(), ga3.Scalar(10))

	apply(t, a, ga3.Scalar(5), Addition)
	apply(t, b, ga3.Scalar(3), Addition)
	require.Equal(t, ga3.Scalar(15), a.State())
	require.Equal(t, ga3.Scalar(13), b.State())

	ab := a.Merge(b)
	ba := b.Merge(a)
	assert.InDelta(t, 15.0, ab.State().Magnitude(), 1e-12)
	assert.True(t, lattice.Equal(ab.Lattice(), ab.State(), ba.State()))

	// 合并后的时钟同时覆盖两个节点
	assert.Equal(t, uint64(1), ab.Clock().Get(a.NodeID()))
	assert.Equal(t, uint64(1), ab.Clock().Get(b.NodeID()))
}

func TestMergeKeepsOperationsWithSameLocalID(t *testing.T) {
	a := New(uuid.New(), ga3.Zero())
	b := New(uuid.New(), ga3.Zero())
	opA := a.CreateOperation(ga3.Scalar(1), Addition)
	opB := b.CreateOperation(ga3.Scalar(2), Addition)
	require.Equal(t, opA.ID, opB.ID, "both nodes start numbering at zero")

	a.ApplyOperation(opA)
	b.ApplyOperation(opB)

	merged := a.Merge(b)
	require.Equal(t, 2, merged.Len())
	got, ok := merged.Operation(opB.Key())
	require.True(t, ok)
	assert.Equal(t, ga3.Scalar(2), got.Transform)
}

func TestMergeIdempotent(t *testing.T) {
	c := New(uuid.New(), ga3.Vector(1, 2, 3))
	apply(t, c, ga3.Bivector(0.5, 0, 0), Addition)
	apply(t, c, ga3.Rotor(0.3, ga3.Bivector(1, 0, 0)), Sandwich)

	m := c.Merge(c)
	assert.True(t, lattice.Equal(c.Lattice(), c.State(), m.State()))
	assert.Equal(t, c.Len(), m.Len())
	assert.True(t, c.Clock().Equal(m.Clock()))
}

func randomMV(r *rand.Rand) ga3.Multivector {
	var m ga3.Multivector
	for i := range m {
		m[i] = r.NormFloat64()
	}
	return m
}

func TestConvergence(t *testing.T) {
	for _, l := range []lattice.GeometricLattice{lattice.GA3Lattice{}, lattice.ComponentLattice{}} {
		t.Run(l.Name(), func(t *testing.T) {
			r := rand.New(rand.NewSource(42))
			const n = 4
			replicas := make([]*GeometricCRDT, n)
			for i := range replicas {
				replicas[i] = New(uuid.New(), ga3.One(), WithLattice(l))
			}
			types := []OperationType{Addition, GeometricProduct, Sandwich}
			for step := 0; step < 40; step++ {
				c := replicas[r.Intn(n)]
				typ := types[r.Intn(len(types))]
				transform := randomMV(r).Scale(0.3)
				if typ == Sandwich {
					transform = ga3.Rotor(r.Float64(), ga3.Bivector(r.NormFloat64(), r.NormFloat64(), r.NormFloat64()))
				}
				apply(t, c, transform, typ)
			}

			// 两两合并直到不再变化
			for changed := true; changed; {
				changed = false
				for i := 0; i < n; i++ {
					for j := 0; j < n; j++ {
						if i != j && replicas[i].MergeFrom(replicas[j]) {
							changed = true
						}
					}
				}
			}

			for i := 1; i < n; i++ {
				assert.True(t, replicas[0].State().ApproxEqual(replicas[i].State(), lattice.Tolerance),
					"replica %d: %v vs %v", i, replicas[i].State(), replicas[0].State())
				assert.True(t, replicas[0].Clock().Equal(replicas[i].Clock()))
				assert.Equal(t, 40, replicas[i].Len())
			}
		})
	}
}

func TestApplyOperationTypes(t *testing.T) {
	c := New(uuid.New(), ga3.Scalar(2))

	apply(t, c, ga3.Scalar(3), GeometricProduct)
	assert.Equal(t, ga3.Scalar(6), c.State())

	apply(t, c, ga3.Scalar(math.Log(0.5)), Exponential)
	assert.InDelta(t, 3.0, c.State().ScalarPart(), 1e-9)

	c2 := New(uuid.New(), ga3.Vector(1, 0, 0))
	d := apply(t, c2, ga3.Rotor(math.Pi/2, ga3.Bivector(1, 0, 0)), Sandwich)
	assert.Equal(t, delta.Multiplicative, d.Encoding)
	assert.InDelta(t, 1.0, c2.State().Magnitude(), 1e-9)
	assert.InDelta(t, 1.0, math.Abs(c2.State()[ga3.IdxE2]), 1e-9)
}

func TestApplyOperationIsIdempotent(t *testing.T) {
	c := New(uuid.New(), ga3.Zero())
	op := c.CreateOperation(ga3.Scalar(1), Addition)
	_, ok := c.ApplyOperation(op)
	require.True(t, ok)
	_, ok = c.ApplyOperation(op)
	assert.False(t, ok)
	assert.Equal(t, ga3.Scalar(1), c.State())
	assert.Equal(t, uint64(1), c.Clock().Get(c.NodeID()))
}

func TestCreateOperationDoesNotMutate(t *testing.T) {
	c := New(uuid.New(), ga3.Scalar(1))
	op1 := c.CreateOperation(ga3.Scalar(1), Addition)
	op2 := c.CreateOperation(ga3.Scalar(1), Addition)
	assert.Equal(t, uint64(0), op1.ID)
	assert.Equal(t, uint64(1), op2.ID)
	assert.Equal(t, ga3.Scalar(1), c.State())
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Clock().Sum())
}

func TestApplyDelta(t *testing.T) {
	a := New(uuid.New(), ga3.Scalar(1))
	b := New(uuid.New(), ga3.Scalar(1))

	d1 := apply(t, a, ga3.Scalar(2), Addition)
	d2 := apply(t, a, ga3.Scalar(2), GeometricProduct)

	_, err := b.ApplyDelta(d2)
	require.ErrorIs(t, err, delta.ErrNotApplicable)

	ok, err := b.ApplyDelta(d1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.ApplyDelta(d2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, a.State().ApproxEqual(b.State(), 1e-12))

	// 重复投递被忽略
	ok, err = b.ApplyDelta(d1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, found := b.Operation(OperationID{Node: a.NodeID(), Seq: 1})
	assert.True(t, found)
	assert.NoError(t, b.Verify())
}

func TestReplayAndVerify(t *testing.T) {
	a := New(uuid.New(), ga3.Scalar(4))
	apply(t, a, ga3.Vector(1, 0, 0), Addition)
	apply(t, a, ga3.Rotor(0.7, ga3.Bivector(0, 0, 1)), Sandwich)
	require.True(t, a.Replay().ApproxEqual(a.State(), 1e-12))
	require.NoError(t, a.Verify())

	b := New(uuid.New(), ga3.Scalar(9))
	a.MergeFrom(b)
	apply(t, a, ga3.Scalar(1), Addition)
	assert.NoError(t, a.Verify(), "replay restarts from the last join")

	a.mu.Lock()
	a.state = a.state.Add(ga3.Scalar(100))
	a.mu.Unlock()
	assert.ErrorIs(t, a.Verify(), ErrIntegrity)
}

func TestCompactLog(t *testing.T) {
	c := New(uuid.New(), ga3.Zero())
	for i := 0; i < 5; i++ {
		apply(t, c, ga3.Scalar(1), Addition)
	}
	assert.Equal(t, 5, c.CompactLog())
	assert.Zero(t, c.Len())
	assert.NoError(t, c.Verify())
	assert.Equal(t, ga3.Scalar(5), c.Replay())
}

func TestSubscribe(t *testing.T) {
	c := New(uuid.New(), ga3.Zero())
	var seen []ga3.Multivector
	cancel := c.Subscribe(func(m ga3.Multivector) { seen = append(seen, m) })

	apply(t, c, ga3.Scalar(1), Addition)
	c.MergeState(ga3.Scalar(7), nil)
	c.MergeState(ga3.Scalar(2), nil) // 未改变状态
	cancel()
	apply(t, c, ga3.Scalar(1), Addition)

	assert.Equal(t, []ga3.Multivector{ga3.Scalar(1), ga3.Scalar(7)}, seen)
}

func TestConcurrentLocalOperations(t *testing.T) {
	c := New(uuid.New(), ga3.Zero())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.ApplyOperation(c.CreateOperation(ga3.Scalar(1), Addition))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, ga3.Scalar(400), c.State())
	assert.Equal(t, uint64(400), c.Clock().Get(c.NodeID()))
	assert.Equal(t, 400, c.Len())
	assert.NoError(t, c.Verify())
}

func TestGeometricJoin(t *testing.T) {
	c := New(uuid.New(), ga3.Scalar(3))
	assert.Equal(t, ga3.Scalar(-5), c.GeometricJoin(ga3.Scalar(-5)))
	assert.Equal(t, ga3.Scalar(3), c.State())
}

func TestSnapshot(t *testing.T) {
	c := New(uuid.New(), ga3.Zero())
	apply(t, c, ga3.Scalar(2), Addition)
	apply(t, c, ga3.Scalar(3), Addition)

	s := c.Snapshot()
	assert.Equal(t, c.NodeID(), s.NodeID)
	assert.Equal(t, ga3.Scalar(5), s.State)
	require.Len(t, s.Operations, 2)
	assert.Equal(t, uint64(0), s.Operations[0].ID)
	assert.Equal(t, uint64(2), s.Clock.Get(c.NodeID()))
}

func TestWithClockContinuesSequence(t *testing.T) {
	id := uuid.New()
	prev := New(id, ga3.Zero())
	for i := 0; i < 3; i++ {
		apply(t, prev, ga3.Scalar(1), Addition)
	}

	restarted := New(id, prev.State(), WithClock(prev.Clock()))
	op := restarted.CreateOperation(ga3.Scalar(1), Addition)
	assert.Equal(t, uint64(3), op.ID)
	d, ok := restarted.ApplyOperation(op)
	require.True(t, ok)
	assert.Equal(t, uint64(4), d.Sequence())
}

func TestApplyDeltaFromSelfAdvancesSequence(t *testing.T) {
	id := uuid.New()
	origin := New(id, ga3.Zero())
	d := apply(t, origin, ga3.Scalar(1), Addition)

	// 丢失本地日志后从对端收回自己的增量
	fresh := New(id, ga3.Zero())
	ok, err := fresh.ApplyDelta(d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), fresh.CreateOperation(ga3.Scalar(1), Addition).ID)
}
