package crdt

import (
	"errors"

	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
)

var (
	ErrInvalidOp = errors.New("crdt: invalid operation type")
)

// Replica 是同步引擎和共识组件对几何 CRDT 的依赖面。
type Replica interface {
	// State 返回当前的多重向量状态。
	State() ga3.Multivector

	// StateAndClock 返回一致的状态与向量时钟快照。
	StateAndClock() (ga3.Multivector, clock.VectorClock)

	// CreateOperation 分配下一个本地操作序号，不修改状态。
	CreateOperation(transform ga3.Multivector, typ OperationType) GeometricOperation

	// ApplyOperation 应用一个本地操作，并返回描述该变化的增量。
	ApplyOperation(op GeometricOperation) (delta.StateDelta, bool)

	// ApplyDelta 应用来自其他副本的增量。
	ApplyDelta(d delta.StateDelta) (bool, error)

	// MergeState 用格的 join 合并远端完整状态。
	MergeState(state ga3.Multivector, vc clock.VectorClock) bool
}

var _ Replica = (*GeometricCRDT)(nil)

// ParseOperationType validates a wire value.
func ParseOperationType(v uint8) (OperationType, error) {
	t := OperationType(v)
	if t > Sandwich {
		return 0, ErrInvalidOp
	}
	return t, nil
}
