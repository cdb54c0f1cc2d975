package sync

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	nodeA = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	nodeB = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")
	nodeC = uuid.MustParse("cccccccc-0000-0000-0000-000000000003")
)

func samplePayloads() []Payload {
	vc := clock.New()
	vc.Tick(nodeA)
	to := vc.Clone()
	to.Tick(nodeA)
	d := delta.New(ga3.Vector(1, 2, 3), delta.Additive, vc, to, nodeA)
	return []Payload{
		Hello{Info: PeerInfo{ID: nodeA, Name: "a", Address: "ws://a", Lattice: "ga3"}},
		ClockRequest{},
		ClockResponse{Clock: vc},
		DeltaRequest{SinceClock: vc},
		DeltaResponse{Deltas: []delta.StateDelta{d}, HasMore: true},
		FullState{State: ga3.Multivector{1, 2, 3, 4, 5, 6, 7, 8}, Clock: to},
		Heartbeat{},
		Ack{MessageID: 9, AppliedClock: to},
		Goodbye{},
	}
}

func TestCodecsRoundTripEveryPayload(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			for _, p := range samplePayloads() {
				vc := clock.New()
				vc.Tick(nodeB)
				in := &SyncMessage{ID: 42, Sender: nodeB, Payload: p, Clock: vc, Timestamp: 1700000000000}

				data, err := codec.Marshal(in)
				require.NoError(t, err, p.Kind())
				out, err := codec.Unmarshal(data)
				require.NoError(t, err, p.Kind())

				assert.Equal(t, in.ID, out.ID)
				assert.Equal(t, in.Sender, out.Sender)
				assert.Equal(t, in.Timestamp, out.Timestamp)
				assert.True(t, in.Clock.Equal(out.Clock))
				require.Equal(t, p.Kind(), out.Kind())
				assertPayloadEqual(t, p, out.Payload)
			}
		})
	}
}

func assertPayloadEqual(t *testing.T, want, got Payload) {
	t.Helper()
	switch w := want.(type) {
	case ClockResponse:
		assert.True(t, w.Clock.Equal(got.(ClockResponse).Clock))
	case DeltaRequest:
		assert.True(t, w.SinceClock.Equal(got.(DeltaRequest).SinceClock))
	case DeltaResponse:
		g := got.(DeltaResponse)
		assert.Equal(t, w.HasMore, g.HasMore)
		require.Len(t, g.Deltas, len(w.Deltas))
		for i := range w.Deltas {
			assert.Equal(t, w.Deltas[i].Transform, g.Deltas[i].Transform)
			assert.Equal(t, w.Deltas[i].Encoding, g.Deltas[i].Encoding)
			assert.Equal(t, w.Deltas[i].SourceNode, g.Deltas[i].SourceNode)
			assert.True(t, w.Deltas[i].ToClock.Equal(g.Deltas[i].ToClock))
		}
	case FullState:
		g := got.(FullState)
		assert.Equal(t, w.State, g.State)
		assert.True(t, w.Clock.Equal(g.Clock))
	case Ack:
		g := got.(Ack)
		assert.Equal(t, w.MessageID, g.MessageID)
		assert.True(t, w.AppliedClock.Equal(g.AppliedClock))
	default:
		assert.Equal(t, want, got)
	}
}

func TestJSONWireShape(t *testing.T) {
	msg := &SyncMessage{
		ID:      1,
		Sender:  nodeA,
		Payload: FullState{State: ga3.Multivector{1, 0, 0, 0, 0, 0, 0, 8}, Clock: clock.New()},
		Clock:   clock.New(),
	}
	data, err := JSONCodec{}.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, nodeA.String(), raw["sender"])
	payload := raw["payload"].(map[string]any)
	assert.Equal(t, "full_state", payload["type"])
	state := payload["data"].(map[string]any)["state"].([]any)
	require.Len(t, state, 8)
	assert.Equal(t, 8.0, state[7])
}

func TestDecodeErrors(t *testing.T) {
	_, err := JSONCodec{}.Unmarshal([]byte(`{"id":1,"sender":"not-a-uuid","payload":{"type":"heartbeat","data":{}},"clock":{},"timestamp":0}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = JSONCodec{}.Unmarshal([]byte(`{"id":1,"sender":"` + nodeA.String() + `","payload":{"type":"bogus","data":{}},"clock":{},"timestamp":0}`))
	assert.ErrorIs(t, err, ErrUnknownPayload)

	_, err = JSONCodec{}.Unmarshal([]byte(`{"id":1,"sender":"` + nodeA.String() + `","payload":{"type":"ack","data":{"message_id":"x"}},"clock":{},"timestamp":0}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = MsgpackCodec{}.Unmarshal([]byte{0xc1})
	assert.Error(t, err)

	_, err = MsgpackCodec{}.Marshal(&SyncMessage{Sender: nodeA})
	assert.ErrorIs(t, err, ErrMissingPayload)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	c, err = CodecByName("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}
