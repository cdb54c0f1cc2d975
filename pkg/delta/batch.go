package delta

import (
	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/ga3"
)

// Batch is an ordered run of deltas with the pointwise merge of their
// ToClocks. Deltas must be pushed in causal (creation) order.
type Batch struct {
	Deltas   []StateDelta      `json:"deltas" msgpack:"deltas"`
	Combined clock.VectorClock `json:"combined_clock" msgpack:"combined_clock"`
}

func NewBatch(deltas ...StateDelta) *Batch {
	b := &Batch{Combined: clock.New()}
	for _, d := range deltas {
		b.Push(d)
	}
	return b
}

func (b *Batch) Push(d StateDelta) {
	if b.Combined == nil {
		b.Combined = clock.New()
	}
	b.Deltas = append(b.Deltas, d)
	b.Combined.Update(d.ToClock)
}

func (b *Batch) Len() int {
	return len(b.Deltas)
}

// CombineAdditive sums every transform into one additive transform. It
// reports false when any member is not Additive, since folding multiplicative
// or compressed deltas into a sum would change their meaning.
func (b *Batch) CombineAdditive() (ga3.Multivector, bool) {
	var sum ga3.Multivector
	for _, d := range b.Deltas {
		if d.Encoding != Additive {
			return ga3.Multivector{}, false
		}
		sum = sum.Add(d.Transform)
	}
	return sum, true
}

// ApplyTo applies every delta to state in order.
func (b *Batch) ApplyTo(state ga3.Multivector) ga3.Multivector {
	for _, d := range b.Deltas {
		state = Apply(state, d)
	}
	return state
}

// EstimatedSize sums the per-delta estimates.
func (b *Batch) EstimatedSize() int {
	total := 0
	for _, d := range b.Deltas {
		total += d.EstimatedSize()
	}
	return total
}
