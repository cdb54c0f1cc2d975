package store

import (
	"fmt"

	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
)

// Recovered is the state rebuilt from a snapshot and the log after it.
type Recovered struct {
	State              ga3.Multivector
	Clock              clock.VectorClock
	SnapshotID         uint64
	OperationsReplayed int
}

// RecoverState loads the latest valid snapshot and replays, in append order,
// the logged deltas the snapshot has not seen. ok is false
// when the store holds no snapshot; the caller then starts from its initial
// state.
func RecoverState(s GeometricStore) (Recovered, bool, error) {
	snap, ok, err := s.LatestSnapshot()
	if err != nil {
		return Recovered{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return Recovered{}, false, nil
	}
	ops, err := s.Operations()
	if err != nil {
		return Recovered{}, false, fmt.Errorf("load operations: %w", err)
	}

	r := Recovered{SnapshotID: snap.ID}
	r.State, r.Clock, r.OperationsReplayed = replay(snap.State, snap.Clock, ops)
	return r, true, nil
}

// replay applies ops on top of (state, vc) in order. Deltas vc has already
// seen are skipped; replay stops at the first delta whose prerequisites are
// missing, which happens when recovery fell back to an older snapshot.
func replay(state ga3.Multivector, vc clock.VectorClock, ops []delta.StateDelta) (ga3.Multivector, clock.VectorClock, int) {
	vc = vc.Clone()
	n := 0
	for _, d := range ops {
		if d.IsSeenBy(vc) {
			continue
		}
		if !d.IsApplicableTo(vc) {
			break
		}
		state = delta.Apply(state, d)
		vc.Update(d.ToClock)
		n++
	}
	return state, vc, n
}
