package sync

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes SyncMessages for a transport.
type Codec interface {
	Name() string
	Marshal(msg *SyncMessage) ([]byte, error)
	Unmarshal(data []byte) (*SyncMessage, error)
}

type JSONCodec struct{}
type MsgpackCodec struct{}

func (JSONCodec) Name() string    { return "json" }
func (MsgpackCodec) Name() string { return "msgpack" }

// CodecByName returns the codec registered under name; "" selects msgpack.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return MsgpackCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("sync: unknown codec %q", name)
	}
}

type jsonEnvelope struct {
	ID        uint64            `json:"id"`
	Sender    uuid.UUID         `json:"sender"`
	Payload   jsonPayload       `json:"payload"`
	Clock     clock.VectorClock `json:"clock"`
	Timestamp uint64            `json:"timestamp"`
}

type jsonPayload struct {
	Type MessageKind     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (JSONCodec) Marshal(msg *SyncMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Unmarshal(data []byte) (*SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m SyncMessage) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, ErrMissingPayload
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEnvelope{
		ID:        m.ID,
		Sender:    m.Sender,
		Payload:   jsonPayload{Type: m.Payload.Kind(), Data: data},
		Clock:     m.Clock,
		Timestamp: m.Timestamp,
	})
}

func (m *SyncMessage) UnmarshalJSON(data []byte) error {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	p, ok := newPayload(env.Payload.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPayload, env.Payload.Type)
	}
	if len(env.Payload.Data) > 0 && string(env.Payload.Data) != "null" {
		if err := json.Unmarshal(env.Payload.Data, p); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Payload.Type, err)
		}
	}
	*m = SyncMessage{
		ID:        env.ID,
		Sender:    env.Sender,
		Payload:   deref(p),
		Clock:     env.Clock,
		Timestamp: env.Timestamp,
	}
	if m.Clock == nil {
		m.Clock = clock.New()
	}
	return nil
}

type msgpackEnvelope struct {
	ID        uint64             `msgpack:"id"`
	Sender    uuid.UUID          `msgpack:"sender"`
	Type      MessageKind        `msgpack:"type"`
	Data      msgpack.RawMessage `msgpack:"data"`
	Clock     clock.VectorClock  `msgpack:"clock"`
	Timestamp uint64             `msgpack:"timestamp"`
}

func (MsgpackCodec) Marshal(msg *SyncMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func (MsgpackCodec) Unmarshal(data []byte) (*SyncMessage, error) {
	var msg SyncMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

var (
	_ msgpack.CustomEncoder = (*SyncMessage)(nil)
	_ msgpack.CustomDecoder = (*SyncMessage)(nil)
)

func (m *SyncMessage) EncodeMsgpack(enc *msgpack.Encoder) error {
	if m.Payload == nil {
		return ErrMissingPayload
	}
	data, err := msgpack.Marshal(m.Payload)
	if err != nil {
		return err
	}
	return enc.Encode(msgpackEnvelope{
		ID:        m.ID,
		Sender:    m.Sender,
		Type:      m.Payload.Kind(),
		Data:      data,
		Clock:     m.Clock,
		Timestamp: m.Timestamp,
	})
}

func (m *SyncMessage) DecodeMsgpack(dec *msgpack.Decoder) error {
	var env msgpackEnvelope
	if err := dec.Decode(&env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	p, ok := newPayload(env.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPayload, env.Type)
	}
	if len(env.Data) > 0 {
		if err := msgpack.Unmarshal(env.Data, p); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Type, err)
		}
	}
	*m = SyncMessage{
		ID:        env.ID,
		Sender:    env.Sender,
		Payload:   deref(p),
		Clock:     env.Clock,
		Timestamp: env.Timestamp,
	}
	if m.Clock == nil {
		m.Clock = clock.New()
	}
	return nil
}
