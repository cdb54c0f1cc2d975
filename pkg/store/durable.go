package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/vmihailenco/msgpack/v5"
)

// Key layout:
//
//	s/<id:be64>                 snapshot
//	o/<node:16><index:be64>     logged delta, index is the store-wide append order
var (
	snapshotPrefix = []byte("s/")
	opPrefix       = []byte("o/")
)

const checksumSize = 8

var errStopScan = errors.New("stop scan")

func snapshotKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(bytes.Clone(snapshotPrefix), id)
}

func opKey(node uuid.UUID, index uint64) []byte {
	k := append(bytes.Clone(opPrefix), node[:]...)
	return binary.BigEndian.AppendUint64(k, index)
}

func keySuffixUint64(key []byte) (uint64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}

// encodeRecord returns msgpack(v) followed by its xxhash64.
func encodeRecord(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint64(body, xxhash.Sum64(body)), nil
}

func decodeRecord(data []byte, v any) error {
	if len(data) < checksumSize {
		return fmt.Errorf("%w: %d bytes", ErrCorruptRecord, len(data))
	}
	body := data[:len(data)-checksumSize]
	if binary.BigEndian.Uint64(data[len(body):]) != xxhash.Sum64(body) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return nil
}

// DurableStore persists snapshots and the delta log in a KV Store. Each
// record carries a checksum; recovery falls back past corrupt snapshots and
// stops log replay at the first corrupt entry.
type DurableStore struct {
	mu  sync.RWMutex
	kv  Store
	cfg Config

	state     ga3.Multivector
	clock     clock.VectorClock
	snapClock clock.VectorClock
	hasSnap   bool
	nextID    uint64
	nextIndex uint64
	opCount   int
	closed    bool
}

// NewDurableStore opens a store over kv and rebuilds the tracked state from
// what kv already holds. The DurableStore owns kv and closes it.
func NewDurableStore(kv Store, opts ...Option) (*DurableStore, error) {
	s := &DurableStore{
		kv:    kv,
		cfg:   buildConfig(opts),
		clock: clock.New(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DurableStore) load() error {
	return s.kv.View(func(tx Tx) error {
		if err := ScanPrefix(tx, snapshotPrefix, false, func(k, _ []byte) error {
			if id, ok := keySuffixUint64(k); ok && id >= s.nextID {
				s.nextID = id + 1
			}
			return nil
		}); err != nil {
			return err
		}
		if err := ScanPrefix(tx, opPrefix, false, func(k, _ []byte) error {
			if idx, ok := keySuffixUint64(k); ok && idx >= s.nextIndex {
				s.nextIndex = idx + 1
			}
			return nil
		}); err != nil {
			return err
		}

		snap, ok, err := s.latestSnapshot(tx)
		if err != nil {
			return err
		}
		ops, total, err := s.readOps(tx)
		if err != nil {
			return err
		}
		s.opCount = total

		deltas := make([]delta.StateDelta, len(ops))
		for i, lo := range ops {
			deltas[i] = lo.delta
		}
		if ok {
			s.hasSnap = true
			s.snapClock = snap.Clock.Clone()
			s.state = snap.State
			s.clock = snap.Clock.Clone()
		}
		var replayed int
		s.state, s.clock, replayed = replay(s.state, s.clock, deltas)
		s.cfg.Logger.Debug("durable store loaded", "snapshot", ok, "replayed", replayed, "records", total)
		return nil
	})
}

// latestSnapshot returns the newest snapshot that decodes cleanly.
func (s *DurableStore) latestSnapshot(tx Tx) (Snapshot, bool, error) {
	var (
		found Snapshot
		ok    bool
	)
	err := ScanPrefix(tx, snapshotPrefix, true, func(k, v []byte) error {
		var snap Snapshot
		if err := decodeRecord(v, &snap); err != nil {
			s.cfg.Logger.Warn("skipping corrupt snapshot", "key", fmt.Sprintf("%x", k), "err", err)
			return nil
		}
		found, ok = snap, true
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return Snapshot{}, false, err
	}
	if ok && found.Clock == nil {
		found.Clock = clock.New()
	}
	return found, ok, nil
}

type loggedOp struct {
	index uint64
	delta delta.StateDelta
	err   error
}

// readOps returns the log in append order up to the first corrupt record,
// along with the number of records present.
func (s *DurableStore) readOps(tx Tx) ([]loggedOp, int, error) {
	var all []loggedOp
	err := ScanPrefix(tx, opPrefix, false, func(k, v []byte) error {
		index, ok := keySuffixUint64(k)
		if !ok {
			return nil
		}
		lo := loggedOp{index: index}
		lo.err = decodeRecord(v, &lo.delta)
		all = append(all, lo)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].index < all[j].index })

	for i, lo := range all {
		if lo.err != nil {
			s.cfg.Logger.Warn("operation log truncated at corrupt record",
				"index", lo.index, "kept", i, "dropped", len(all)-i, "err", lo.err)
			return all[:i], len(all), nil
		}
	}
	return all, len(all), nil
}

func (s *DurableStore) SaveSnapshot(state ga3.Multivector, vc clock.VectorClock) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrClosed
	}
	s.state = state
	s.clock = vc.Clone()
	return s.compactLocked()
}

func (s *DurableStore) LatestSnapshot() (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Snapshot{}, false, ErrClosed
	}
	var (
		snap Snapshot
		ok   bool
	)
	err := s.kv.View(func(tx Tx) error {
		var err error
		snap, ok, err = s.latestSnapshot(tx)
		return err
	})
	return snap, ok, err
}

func (s *DurableStore) Snapshots() ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Snapshot
	err := s.kv.View(func(tx Tx) error {
		return ScanPrefix(tx, snapshotPrefix, false, func(_, v []byte) error {
			var snap Snapshot
			if decodeRecord(v, &snap) == nil {
				out = append(out, snap)
			}
			return nil
		})
	})
	return out, err
}

func (s *DurableStore) AppendOperation(d delta.StateDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec, err := encodeRecord(d)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	key := opKey(d.SourceNode, s.nextIndex)
	if err := s.kv.Update(func(tx Tx) error {
		return tx.Set(key, rec)
	}); err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	s.nextIndex++
	s.opCount++
	s.state = delta.Apply(s.state, d)
	s.clock.Update(d.ToClock)

	if s.opCount > s.cfg.MaxOperationsBeforeCompact {
		snap, err := s.compactLocked()
		if err != nil {
			return fmt.Errorf("auto-compact: %w", err)
		}
		s.cfg.Logger.Debug("store auto-compacted", "snapshot", snap.ID)
	}
	return nil
}

func (s *DurableStore) Operations() ([]delta.StateDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.operationsLocked()
}

func (s *DurableStore) operationsLocked() ([]delta.StateDelta, error) {
	var out []delta.StateDelta
	err := s.kv.View(func(tx Tx) error {
		ops, _, err := s.readOps(tx)
		for _, lo := range ops {
			out = append(out, lo.delta)
		}
		return err
	})
	return out, err
}

func (s *DurableStore) OperationsSince(since clock.VectorClock) ([]delta.StateDelta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if s.hasSnap && !since.Descends(s.snapClock) {
		return nil, false, nil
	}
	ops, err := s.operationsLocked()
	if err != nil {
		return nil, false, err
	}
	return unseen(ops, since), true, nil
}

func (s *DurableStore) Compact() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrClosed
	}
	return s.compactLocked()
}

func (s *DurableStore) compactLocked() (Snapshot, error) {
	snap := Snapshot{
		ID:        s.nextID,
		State:     s.state,
		Clock:     s.clock.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	rec, err := encodeRecord(snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}

	err = s.kv.Update(func(tx Tx) error {
		if err := tx.Set(snapshotKey(snap.ID), rec); err != nil {
			return err
		}
		var stale [][]byte
		if err := ScanPrefix(tx, opPrefix, false, func(k, _ []byte) error {
			stale = append(stale, k)
			return nil
		}); err != nil {
			return err
		}
		var snaps [][]byte
		if err := ScanPrefix(tx, snapshotPrefix, false, func(k, _ []byte) error {
			snaps = append(snaps, k)
			return nil
		}); err != nil {
			return err
		}
		if extra := len(snaps) - s.cfg.MaxSnapshots; extra > 0 {
			stale = append(stale, snaps[:extra]...)
		}
		for _, k := range stale {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("compact: %w", err)
	}

	s.nextID++
	s.opCount = 0
	s.hasSnap = true
	s.snapClock = snap.Clock.Clone()
	return snap, nil
}

func (s *DurableStore) Current() (ga3.Multivector, clock.VectorClock) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.clock.Clone()
}

func (s *DurableStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opCount
}

func (s *DurableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.kv.Close()
}
