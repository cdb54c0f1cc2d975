package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/lattice"
)

var (
	// ErrIntegrity means the operation log no longer reproduces the state.
	ErrIntegrity = errors.New("crdt: operation log does not reproduce state")
)

const replayTolerance = 1e-9

// GeometricCRDT is one node's replica of a multivector state.
//
// All mutation goes through a single mutex: ticking the clock, transforming
// the state and logging the operation happen as one step.
type GeometricCRDT struct {
	mu      sync.RWMutex
	nodeID  uuid.UUID
	lattice lattice.GeometricLattice

	state   ga3.Multivector
	clock   clock.VectorClock
	ops     map[OperationID]GeometricOperation
	nextSeq uint64

	// state right after the last join or compaction, and the operations
	// applied on top of it since, in application order
	base    ga3.Multivector
	pending []OperationID

	subMu       sync.Mutex
	subscribers map[int]func(ga3.Multivector)
	nextSubID   int
}

// Option configures a GeometricCRDT.
type Option func(*GeometricCRDT)

// WithLattice selects the join used by Merge. The default is GA3Lattice.
func WithLattice(l lattice.GeometricLattice) Option {
	return func(c *GeometricCRDT) {
		if l != nil {
			c.lattice = l
		}
	}
}

// WithClock seeds the vector clock, typically from recovered storage. Local
// sequence numbers continue after this node's entry.
func WithClock(vc clock.VectorClock) Option {
	return func(c *GeometricCRDT) {
		c.clock = vc.Clone()
		c.nextSeq = c.clock.Get(c.nodeID)
	}
}

// New creates a replica with an empty clock and log.
func New(nodeID uuid.UUID, initial ga3.Multivector, opts ...Option) *GeometricCRDT {
	c := &GeometricCRDT{
		nodeID:      nodeID,
		lattice:     lattice.GA3Lattice{},
		state:       initial,
		clock:       clock.New(),
		ops:         make(map[OperationID]GeometricOperation),
		base:        initial,
		subscribers: make(map[int]func(ga3.Multivector)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *GeometricCRDT) NodeID() uuid.UUID {
	return c.nodeID
}

func (c *GeometricCRDT) Lattice() lattice.GeometricLattice {
	return c.lattice
}

// State returns the current value.
func (c *GeometricCRDT) State() ga3.Multivector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Clock returns a copy of the vector clock.
func (c *GeometricCRDT) Clock() clock.VectorClock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clock.Clone()
}

// StateAndClock returns a consistent pair.
func (c *GeometricCRDT) StateAndClock() (ga3.Multivector, clock.VectorClock) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.clock.Clone()
}

// Len returns the number of logged operations.
func (c *GeometricCRDT) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ops)
}

func (c *GeometricCRDT) Operation(id OperationID) (GeometricOperation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, ok := c.ops[id]
	return op, ok
}

// Operations returns the log ordered by (sequence, node).
func (c *GeometricCRDT) Operations() []GeometricOperation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedOps(c.ops)
}

func sortedOps(ops map[OperationID]GeometricOperation) []GeometricOperation {
	out := make([]GeometricOperation, 0, len(ops))
	for _, op := range ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].NodeID.String() < out[j].NodeID.String()
	})
	return out
}

// CreateOperation allocates the next local operation id. The state is not
// touched.
func (c *GeometricCRDT) CreateOperation(transform ga3.Multivector, typ OperationType) GeometricOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := GeometricOperation{
		ID:        c.nextSeq,
		NodeID:    c.nodeID,
		Transform: transform,
		Type:      typ,
	}
	c.nextSeq++
	return op
}

// ApplyOperation ticks this node's clock entry, transforms the state and
// logs op. It returns the delta describing the transition, and false when op
// is already in the log.
func (c *GeometricCRDT) ApplyOperation(op GeometricOperation) (delta.StateDelta, bool) {
	c.mu.Lock()
	if _, seen := c.ops[op.Key()]; seen {
		c.mu.Unlock()
		return delta.StateDelta{}, false
	}

	from := c.clock.Clone()
	before := c.state
	if op.NodeID == c.nodeID {
		c.clock.Tick(c.nodeID)
		if op.ID >= c.nextSeq {
			c.nextSeq = op.ID + 1
		}
	} else if c.clock.Get(op.NodeID) < op.ID+1 {
		c.clock[op.NodeID] = op.ID + 1
	}
	c.state = op.Type.Apply(c.state, op.Transform)
	c.logLocked(op)
	after := c.state
	to := c.clock.Clone()
	c.mu.Unlock()

	c.notify(after)

	if enc, ok := op.Type.Encoding(); ok {
		return delta.New(op.Transform, enc, from, to, op.NodeID), true
	}
	return delta.Between(before, after, from, to, op.NodeID), true
}

// ApplyDelta applies a delta produced by another replica. Deltas already
// covered by the local clock are ignored; deltas whose prerequisites are
// missing return delta.ErrNotApplicable and must be buffered.
func (c *GeometricCRDT) ApplyDelta(d delta.StateDelta) (bool, error) {
	c.mu.Lock()
	if d.IsSeenBy(c.clock) {
		c.mu.Unlock()
		return false, nil
	}
	if !d.IsApplicableTo(c.clock) {
		c.mu.Unlock()
		return false, delta.ErrNotApplicable
	}

	var seq uint64
	if s := d.Sequence(); s > 0 {
		seq = s - 1
	}
	op := GeometricOperation{
		ID:        seq,
		NodeID:    d.SourceNode,
		Transform: d.Transform,
		Type:      TypeForEncoding(d.Encoding),
	}
	if op.NodeID == c.nodeID && op.ID >= c.nextSeq {
		c.nextSeq = op.ID + 1
	}
	c.state = delta.Apply(c.state, d)
	c.clock.Update(d.ToClock)
	c.logLocked(op)
	after := c.state
	c.mu.Unlock()

	c.notify(after)
	return true, nil
}

func (c *GeometricCRDT) logLocked(op GeometricOperation) {
	c.ops[op.Key()] = op
	c.pending = append(c.pending, op.Key())
}

type replicaView struct {
	state ga3.Multivector
	clock clock.VectorClock
	ops   map[OperationID]GeometricOperation
}

func (c *GeometricCRDT) view() replicaView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ops := make(map[OperationID]GeometricOperation, len(c.ops))
	for k, op := range c.ops {
		ops[k] = op
	}
	return replicaView{state: c.state, clock: c.clock.Clone(), ops: ops}
}

// Merge returns a new replica owned by this node whose clock dominates both
// inputs, whose state is the lattice join of both states and whose log is
// the union of both logs.
func (c *GeometricCRDT) Merge(other *GeometricCRDT) *GeometricCRDT {
	mine := c.view()
	theirs := other.view()

	c.mu.RLock()
	nextSeq := c.nextSeq
	c.mu.RUnlock()

	joined := c.lattice.Join(mine.state, theirs.state)
	merged := New(c.nodeID, joined, WithLattice(c.lattice))
	merged.clock = mine.clock.Merge(theirs.clock)
	merged.nextSeq = nextSeq
	for k, op := range mine.ops {
		merged.ops[k] = op
	}
	for k, op := range theirs.ops {
		merged.ops[k] = op
	}
	return merged
}

// MergeFrom joins other into this replica in place and reports whether the
// state changed.
func (c *GeometricCRDT) MergeFrom(other *GeometricCRDT) bool {
	theirs := other.view()

	c.mu.Lock()
	for k, op := range theirs.ops {
		c.ops[k] = op
	}
	changed, after := c.joinLocked(theirs.state, theirs.clock)
	c.mu.Unlock()

	if changed {
		c.notify(after)
	}
	return changed
}

// MergeState joins a remote full state into this replica and reports whether
// the local state changed.
func (c *GeometricCRDT) MergeState(state ga3.Multivector, vc clock.VectorClock) bool {
	c.mu.Lock()
	changed, after := c.joinLocked(state, vc)
	c.mu.Unlock()

	if changed {
		c.notify(after)
	}
	return changed
}

func (c *GeometricCRDT) joinLocked(state ga3.Multivector, vc clock.VectorClock) (bool, ga3.Multivector) {
	before := c.state
	c.state = c.lattice.Join(c.state, state)
	c.clock.Update(vc)
	c.base = c.state
	c.pending = c.pending[:0]
	return !c.state.ApproxEqual(before, 0), c.state
}

// GeometricJoin returns the lattice join of the current state and value
// without touching the replica.
func (c *GeometricCRDT) GeometricJoin(value ga3.Multivector) ga3.Multivector {
	return c.lattice.Join(c.State(), value)
}

// CompactLog drops the operation log and makes the current state the new
// replay origin. It returns the number of operations dropped.
func (c *GeometricCRDT) CompactLog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.ops)
	c.ops = make(map[OperationID]GeometricOperation)
	c.base = c.state
	c.pending = nil
	return n
}

// Replay recomputes the state from the replay origin and the operations
// applied since, in application order.
func (c *GeometricCRDT) Replay() ga3.Multivector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replayLocked()
}

func (c *GeometricCRDT) replayLocked() ga3.Multivector {
	state := c.base
	for _, id := range c.pending {
		op, ok := c.ops[id]
		if !ok {
			continue
		}
		state = op.Type.Apply(state, op.Transform)
	}
	return state
}

// Verify checks that the log reproduces the current state.
func (c *GeometricCRDT) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.pending {
		if _, ok := c.ops[id]; !ok {
			return fmt.Errorf("%w: operation %s missing from log", ErrIntegrity, id)
		}
	}
	replayed := c.replayLocked()
	if !replayed.ApproxEqual(c.state, replayTolerance) {
		return fmt.Errorf("%w: replayed %v, state %v", ErrIntegrity, replayed, c.state)
	}
	return nil
}

// Subscribe registers fn to be called with the new state after every local
// operation, applied delta or merge that changes it. The returned function
// removes the subscription.
func (c *GeometricCRDT) Subscribe(fn func(ga3.Multivector)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

func (c *GeometricCRDT) notify(state ga3.Multivector) {
	c.subMu.Lock()
	fns := make([]func(ga3.Multivector), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// Snapshot is a point-in-time export of a replica.
type Snapshot struct {
	NodeID     uuid.UUID            `json:"node_id" msgpack:"node_id"`
	State      ga3.Multivector      `json:"state" msgpack:"state"`
	Clock      clock.VectorClock    `json:"clock" msgpack:"clock"`
	Operations []GeometricOperation `json:"operations" msgpack:"operations"`
}

// Snapshot exports state, clock and log under one lock.
func (c *GeometricCRDT) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		NodeID:     c.nodeID,
		State:      c.state,
		Clock:      c.clock.Clone(),
		Operations: sortedOps(c.ops),
	}
}
