package delta

import (
	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/clock"
)

// DefaultBufferLimit caps the number of deltas held back at once.
const DefaultBufferLimit = 4096

type bufferKey struct {
	node uuid.UUID
	seq  uint64
}

// Buffer holds deltas that arrived before their prerequisites. It is not
// safe for concurrent use; the owning replica serializes access.
type Buffer struct {
	limit   int
	pending []StateDelta
	keys    map[bufferKey]struct{}
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &Buffer{
		limit: limit,
		keys:  make(map[bufferKey]struct{}),
	}
}

// Offer stores d. It reports false when d is a duplicate of a pending delta
// or the buffer is full.
func (b *Buffer) Offer(d StateDelta) bool {
	k := bufferKey{node: d.SourceNode, seq: d.Sequence()}
	if _, dup := b.keys[k]; dup {
		return false
	}
	if len(b.pending) >= b.limit {
		return false
	}
	b.keys[k] = struct{}{}
	b.pending = append(b.pending, d)
	return true
}

func (b *Buffer) Len() int {
	return len(b.pending)
}

// Drain removes and returns every delta that becomes applicable starting
// from vc, in the order they can be applied. Deltas already covered by the
// advancing clock are discarded.
func (b *Buffer) Drain(vc clock.VectorClock) []StateDelta {
	if len(b.pending) == 0 {
		return nil
	}

	working := vc.Clone()
	var ready []StateDelta
	for progress := true; progress; {
		progress = false
		kept := b.pending[:0]
		for _, d := range b.pending {
			switch {
			case d.IsSeenBy(working):
				b.forget(d)
			case d.IsApplicableTo(working):
				ready = append(ready, d)
				working.Update(d.ToClock)
				b.forget(d)
				progress = true
			default:
				kept = append(kept, d)
			}
		}
		b.pending = kept
	}
	return ready
}

func (b *Buffer) forget(d StateDelta) {
	delete(b.keys, bufferKey{node: d.SourceNode, seq: d.Sequence()})
}
