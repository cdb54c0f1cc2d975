package clock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// VectorClock 表示一个版本向量。
// 映射 NodeID -> 计数器，缺失的条目视为 0。
type VectorClock map[uuid.UUID]uint64

// Ordering 是两个向量时钟之间的偏序关系。
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "Equal"
	case Before:
		return "Before"
	case After:
		return "After"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

func New() VectorClock {
	return make(VectorClock)
}

// Tick 递增本节点的计数器并返回新值。
func (vc VectorClock) Tick(nodeID uuid.UUID) uint64 {
	vc[nodeID]++
	return vc[nodeID]
}

func (vc VectorClock) Get(nodeID uuid.UUID) uint64 {
	return vc[nodeID]
}

// Update 逐项取最大值，原地修改。
func (vc VectorClock) Update(other VectorClock) {
	for id, counter := range other {
		if counter > vc[id] {
			vc[id] = counter
		}
	}
}

// Merge 是 Update 的纯函数版本，返回新的时钟。
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	out.Update(other)
	return out
}

func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, counter := range vc {
		out[id] = counter
	}
	return out
}

// Descends 如果 vc >= other（逐项），返回 true。
func (vc VectorClock) Descends(other VectorClock) bool {
	for id, otherCtr := range other {
		if vc[id] < otherCtr {
			return false
		}
	}
	return true
}

// HappensBefore reports whether every entry of vc is <= the matching entry
// of other and at least one is strictly smaller.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return other.Descends(vc) && !vc.Descends(other)
}

// Concurrent reports whether neither clock happens before the other.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.HappensBefore(other) && !other.HappensBefore(vc)
}

// Equal compares entries, treating absent entries as zero.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Descends(other) && other.Descends(vc)
}

func (vc VectorClock) Compare(other VectorClock) Ordering {
	ge := vc.Descends(other)
	le := other.Descends(vc)
	switch {
	case ge && le:
		return Equal
	case le:
		return Before
	case ge:
		return After
	default:
		return Concurrent
	}
}

// Sum returns the total number of events the clock has observed.
func (vc VectorClock) Sum() uint64 {
	var total uint64
	for _, counter := range vc {
		total += counter
	}
	return total
}

// Nodes returns node IDs in a stable order.
func (vc VectorClock) Nodes() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(vc))
	for id := range vc {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

func (vc VectorClock) String() string {
	parts := make([]string, 0, len(vc))
	for _, id := range vc.Nodes() {
		parts = append(parts, fmt.Sprintf("%s:%d", id.String()[:8], vc[id]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func (vc VectorClock) toStrings() map[string]uint64 {
	raw := make(map[string]uint64, len(vc))
	for id, counter := range vc {
		raw[id.String()] = counter
	}
	return raw
}

// FromStrings parses a string-keyed clock. Malformed node IDs are errors.
func FromStrings(raw map[string]uint64) (VectorClock, error) {
	vc := make(VectorClock, len(raw))
	for key, counter := range raw {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("vector clock: invalid node id %q: %w", key, err)
		}
		vc[id] = counter
	}
	return vc, nil
}

func (vc VectorClock) MarshalJSON() ([]byte, error) {
	return json.Marshal(vc.toStrings())
}

func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromStrings(raw)
	if err != nil {
		return err
	}
	*vc = parsed
	return nil
}

func (vc VectorClock) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(vc.toStrings())
}

func (vc *VectorClock) DecodeMsgpack(dec *msgpack.Decoder) error {
	var raw map[string]uint64
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromStrings(raw)
	if err != nil {
		return err
	}
	*vc = parsed
	return nil
}
