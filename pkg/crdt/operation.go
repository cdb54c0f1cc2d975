package crdt

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
)

// OperationType 标识一次本地状态变换的代数形式。
type OperationType uint8

const (
	Addition OperationType = iota
	GeometricProduct
	Exponential
	Sandwich
)

func (t OperationType) String() string {
	switch t {
	case Addition:
		return "addition"
	case GeometricProduct:
		return "geometric_product"
	case Exponential:
		return "exponential"
	case Sandwich:
		return "sandwich"
	default:
		return fmt.Sprintf("operation(%d)", uint8(t))
	}
}

// Encoding returns the delta encoding that reproduces this operation, and
// false when the operation has no direct delta form (a right geometric
// product is shipped as an additive difference instead).
func (t OperationType) Encoding() (delta.Encoding, bool) {
	switch t {
	case Addition:
		return delta.Additive, true
	case Exponential:
		return delta.Compressed, true
	case Sandwich:
		return delta.Multiplicative, true
	default:
		return delta.Additive, false
	}
}

// TypeForEncoding maps a delta encoding back to the operation it logs as.
func TypeForEncoding(enc delta.Encoding) OperationType {
	switch enc {
	case delta.Multiplicative:
		return Sandwich
	case delta.Compressed:
		return Exponential
	default:
		return Addition
	}
}

// Apply returns state transformed by transform under t.
func (t OperationType) Apply(state, transform ga3.Multivector) ga3.Multivector {
	switch t {
	case GeometricProduct:
		return state.GeometricProduct(transform)
	case Exponential:
		return transform.Exp().GeometricProduct(state)
	case Sandwich:
		return transform.Sandwich(state)
	default:
		return state.Add(transform)
	}
}

// OperationID identifies a log entry across replicas. Sequence numbers are
// only unique per node, so the node is part of the identity.
type OperationID struct {
	Node uuid.UUID `json:"node" msgpack:"node"`
	Seq  uint64    `json:"seq" msgpack:"seq"`
}

func (id OperationID) String() string {
	return fmt.Sprintf("%s/%d", id.Node.String()[:8], id.Seq)
}

// GeometricOperation is one entry of a replica's operation log.
type GeometricOperation struct {
	ID        uint64          `json:"id" msgpack:"id"`
	NodeID    uuid.UUID       `json:"node_id" msgpack:"node_id"`
	Transform ga3.Multivector `json:"transform" msgpack:"transform"`
	Type      OperationType   `json:"operation_type" msgpack:"operation_type"`
}

// Key returns the composite log key.
func (op GeometricOperation) Key() OperationID {
	return OperationID{Node: op.NodeID, Seq: op.ID}
}
