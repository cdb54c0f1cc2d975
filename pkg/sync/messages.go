package sync

import (
	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
)

// MessageKind 是负载的线上类型标签。
type MessageKind string

const (
	KindHello         MessageKind = "hello"
	KindClockRequest  MessageKind = "clock_request"
	KindClockResponse MessageKind = "clock_response"
	KindDeltaRequest  MessageKind = "delta_request"
	KindDeltaResponse MessageKind = "delta_response"
	KindFullState     MessageKind = "full_state"
	KindHeartbeat     MessageKind = "heartbeat"
	KindAck           MessageKind = "ack"
	KindGoodbye       MessageKind = "goodbye"
)

// Payload is the closed set of message bodies.
type Payload interface {
	Kind() MessageKind
}

// PeerInfo 描述一个节点。
type PeerInfo struct {
	ID      uuid.UUID `json:"id" msgpack:"id"`
	Name    string    `json:"name,omitempty" msgpack:"name,omitempty"`
	Address string    `json:"address,omitempty" msgpack:"address,omitempty"`
	Lattice string    `json:"lattice,omitempty" msgpack:"lattice,omitempty"`
}

type Hello struct {
	Info PeerInfo `json:"info" msgpack:"info"`
}

type ClockRequest struct{}

type ClockResponse struct {
	Clock clock.VectorClock `json:"clock" msgpack:"clock"`
}

type DeltaRequest struct {
	SinceClock clock.VectorClock `json:"since_clock" msgpack:"since_clock"`
}

type DeltaResponse struct {
	Deltas  []delta.StateDelta `json:"deltas" msgpack:"deltas"`
	HasMore bool               `json:"has_more" msgpack:"has_more"`
}

type FullState struct {
	State ga3.Multivector   `json:"state" msgpack:"state"`
	Clock clock.VectorClock `json:"clock" msgpack:"clock"`
}

type Heartbeat struct{}

type Ack struct {
	MessageID    uint64            `json:"message_id" msgpack:"message_id"`
	AppliedClock clock.VectorClock `json:"applied_clock" msgpack:"applied_clock"`
}

type Goodbye struct{}

func (Hello) Kind() MessageKind         { return KindHello }
func (ClockRequest) Kind() MessageKind  { return KindClockRequest }
func (ClockResponse) Kind() MessageKind { return KindClockResponse }
func (DeltaRequest) Kind() MessageKind  { return KindDeltaRequest }
func (DeltaResponse) Kind() MessageKind { return KindDeltaResponse }
func (FullState) Kind() MessageKind     { return KindFullState }
func (Heartbeat) Kind() MessageKind     { return KindHeartbeat }
func (Ack) Kind() MessageKind           { return KindAck }
func (Goodbye) Kind() MessageKind       { return KindGoodbye }

// newPayload returns a pointer to an empty payload of kind, for decoding.
func newPayload(kind MessageKind) (Payload, bool) {
	switch kind {
	case KindHello:
		return &Hello{}, true
	case KindClockRequest:
		return &ClockRequest{}, true
	case KindClockResponse:
		return &ClockResponse{}, true
	case KindDeltaRequest:
		return &DeltaRequest{}, true
	case KindDeltaResponse:
		return &DeltaResponse{}, true
	case KindFullState:
		return &FullState{}, true
	case KindHeartbeat:
		return &Heartbeat{}, true
	case KindAck:
		return &Ack{}, true
	case KindGoodbye:
		return &Goodbye{}, true
	default:
		return nil, false
	}
}

// deref turns a decoded *T back into the T value form used everywhere else.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Hello:
		return *v
	case *ClockRequest:
		return *v
	case *ClockResponse:
		return *v
	case *DeltaRequest:
		return *v
	case *DeltaResponse:
		return *v
	case *FullState:
		return *v
	case *Heartbeat:
		return *v
	case *Ack:
		return *v
	case *Goodbye:
		return *v
	default:
		return p
	}
}

// SyncMessage is the unit exchanged between peers. Timestamp is wall-clock
// milliseconds; causality is carried by Clock.
type SyncMessage struct {
	ID        uint64
	Sender    uuid.UUID
	Payload   Payload
	Clock     clock.VectorClock
	Timestamp uint64
}

// Kind returns the payload kind, or "" when there is no payload.
func (m *SyncMessage) Kind() MessageKind {
	if m == nil || m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}
