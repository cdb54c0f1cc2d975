package store

import (
	"sync"
	"time"

	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
)

// MemoryStore keeps snapshots and the log in process memory.
type MemoryStore struct {
	mu  sync.RWMutex
	cfg Config

	snapshots []Snapshot
	ops       []delta.StateDelta
	state     ga3.Multivector
	clock     clock.VectorClock
	nextID    uint64
	closed    bool
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		cfg:   buildConfig(opts),
		clock: clock.New(),
	}
}

func (s *MemoryStore) SaveSnapshot(state ga3.Multivector, vc clock.VectorClock) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrClosed
	}
	s.state = state
	s.clock = vc.Clone()
	return s.compactLocked(), nil
}

func (s *MemoryStore) LatestSnapshot() (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snapshots) == 0 {
		return Snapshot{}, false, nil
	}
	return copySnapshot(s.snapshots[len(s.snapshots)-1]), true, nil
}

func (s *MemoryStore) Snapshots() ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, len(s.snapshots))
	for i, snap := range s.snapshots {
		out[i] = copySnapshot(snap)
	}
	return out, nil
}

func (s *MemoryStore) AppendOperation(d delta.StateDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state = delta.Apply(s.state, d)
	s.clock.Update(d.ToClock)
	s.ops = append(s.ops, d)
	if len(s.ops) > s.cfg.MaxOperationsBeforeCompact {
		snap := s.compactLocked()
		s.cfg.Logger.Debug("store auto-compacted", "snapshot", snap.ID)
	}
	return nil
}

func (s *MemoryStore) Operations() ([]delta.StateDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]delta.StateDelta(nil), s.ops...), nil
}

func (s *MemoryStore) OperationsSince(since clock.VectorClock) ([]delta.StateDelta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := len(s.snapshots); n > 0 && !since.Descends(s.snapshots[n-1].Clock) {
		return nil, false, nil
	}
	return unseen(s.ops, since), true, nil
}

func (s *MemoryStore) Compact() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrClosed
	}
	return s.compactLocked(), nil
}

func (s *MemoryStore) compactLocked() Snapshot {
	snap := Snapshot{
		ID:        s.nextID,
		State:     s.state,
		Clock:     s.clock.Clone(),
		CreatedAt: time.Now(),
	}
	s.nextID++
	s.snapshots = append(s.snapshots, snap)
	s.ops = nil
	if extra := len(s.snapshots) - s.cfg.MaxSnapshots; extra > 0 {
		s.snapshots = append([]Snapshot(nil), s.snapshots[extra:]...)
	}
	return copySnapshot(snap)
}

func (s *MemoryStore) Current() (ga3.Multivector, clock.VectorClock) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.clock.Clone()
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ops)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copySnapshot(s Snapshot) Snapshot {
	s.Clock = s.Clock.Clone()
	return s
}
