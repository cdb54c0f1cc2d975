// Package delta describes compact transformations between two replica states.
package delta

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/ga3"
)

// ErrNotApplicable is returned when a delta's prerequisite state has not been
// reached yet. It is a signal to buffer and retry, not a failure.
var ErrNotApplicable = errors.New("delta: from_clock not yet satisfied")

// Encoding selects how a delta transform is applied to a state.
type Encoding uint8

const (
	// Additive: state + transform
	Additive Encoding = iota
	// Multiplicative: transform * state * reverse(transform)
	Multiplicative
	// Compressed: exp(transform) * state
	Compressed
)

func (e Encoding) String() string {
	switch e {
	case Additive:
		return "additive"
	case Multiplicative:
		return "multiplicative"
	case Compressed:
		return "compressed"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

func (e Encoding) Valid() bool {
	return e <= Compressed
}

// StateDelta is an immutable description of one state transition on
// SourceNode, taking a replica from FromClock to ToClock.
type StateDelta struct {
	Transform  ga3.Multivector   `json:"transform" msgpack:"transform"`
	Encoding   Encoding          `json:"encoding" msgpack:"encoding"`
	FromClock  clock.VectorClock `json:"from_clock" msgpack:"from_clock"`
	ToClock    clock.VectorClock `json:"to_clock" msgpack:"to_clock"`
	SourceNode uuid.UUID         `json:"source_node" msgpack:"source_node"`
}

// New creates a delta, copying both clocks.
func New(transform ga3.Multivector, enc Encoding, from, to clock.VectorClock, source uuid.UUID) StateDelta {
	return StateDelta{
		Transform:  transform,
		Encoding:   enc,
		FromClock:  from.Clone(),
		ToClock:    to.Clone(),
		SourceNode: source,
	}
}

// Between creates an additive delta taking from to to.
func Between(fromState, toState ga3.Multivector, from, to clock.VectorClock, source uuid.UUID) StateDelta {
	return New(Compute(fromState, toState), Additive, from, to, source)
}

// BetweenCompressed creates a compressed delta, or an additive one when the
// source state is degenerate (see ComputeCompressed).
func BetweenCompressed(fromState, toState ga3.Multivector, from, to clock.VectorClock, source uuid.UUID) StateDelta {
	transform, enc := ComputeCompressed(fromState, toState)
	return New(transform, enc, from, to, source)
}

// Compute returns to - from.
func Compute(from, to ga3.Multivector) ga3.Multivector {
	return to.Sub(from)
}

// ComputeCompressed returns the scalar ln(|to|/|from|) with Compressed
// encoding. Applying it rescales a state to the magnitude of to while keeping
// its direction, so it is lossy by construction. When |from| or |to| is
// (numerically) zero the ratio is undefined and the additive delta is
// returned instead, with Additive encoding; callers must use the returned
// encoding rather than assume Compressed.
func ComputeCompressed(from, to ga3.Multivector) (ga3.Multivector, Encoding) {
	fm, tm := from.Magnitude(), to.Magnitude()
	if fm < ga3.Epsilon || tm < ga3.Epsilon {
		return Compute(from, to), Additive
	}
	return ga3.Scalar(math.Log(tm / fm)), Compressed
}

// ApplyTransform applies transform to state under enc.
func ApplyTransform(state, transform ga3.Multivector, enc Encoding) ga3.Multivector {
	switch enc {
	case Multiplicative:
		return transform.Sandwich(state)
	case Compressed:
		return transform.Exp().GeometricProduct(state)
	default:
		return state.Add(transform)
	}
}

// Apply returns state advanced by d.
func Apply(state ga3.Multivector, d StateDelta) ga3.Multivector {
	return ApplyTransform(state, d.Transform, d.Encoding)
}

// IsApplicableTo reports whether vc already covers the delta's FromClock.
func (d StateDelta) IsApplicableTo(vc clock.VectorClock) bool {
	return vc.Descends(d.FromClock)
}

// IsSeenBy reports whether vc already covers the delta's ToClock, i.e. the
// delta has been applied (or superseded) at vc.
func (d StateDelta) IsSeenBy(vc clock.VectorClock) bool {
	return vc.Descends(d.ToClock)
}

// Sequence returns the source node's counter after this delta.
func (d StateDelta) Sequence() uint64 {
	return d.ToClock.Get(d.SourceNode)
}

const (
	coefficientBytes = ga3.Size * 8
	// source id + encoding tag + two clock digests
	deltaHeaderBytes = 16 + 1 + 2*8
)

// EstimatedSize is the bandwidth estimate for one delta. It is used for
// accounting only.
func (d StateDelta) EstimatedSize() int {
	return coefficientBytes + deltaHeaderBytes
}

func (d StateDelta) String() string {
	return fmt.Sprintf("delta{%s %s from=%v to=%v src=%s}",
		d.Encoding, d.Transform, d.FromClock, d.ToClock, d.SourceNode.String()[:8])
}
