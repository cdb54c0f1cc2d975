package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatTickMarksStalePeers(t *testing.T) {
	s, fc := newTestState(t, nodeA)
	for _, id := range []uuid.UUID{nodeB, nodeC} {
		_, err := s.HandleMessage(msgFrom(id, 1, Hello{}, nil))
		require.NoError(t, err)
	}

	var beats atomic.Int32
	var timedOut []uuid.UUID
	hm := NewHeartbeatMonitor(s, func(context.Context) error {
		beats.Add(1)
		return nil
	}, time.Second, 3*time.Second, nil)
	hm.OnTimeout(func(id uuid.UUID) { timedOut = append(timedOut, id) })

	fc.advance(2 * time.Second)
	_, err := s.HandleMessage(msgFrom(nodeC, 2, Heartbeat{}, nil))
	require.NoError(t, err)
	fc.advance(2 * time.Second)

	hm.Tick(context.Background())
	assert.Equal(t, int32(1), beats.Load())
	assert.Equal(t, []uuid.UUID{nodeB}, timedOut)

	p, _ := s.Peer(nodeB)
	assert.Equal(t, StateDisconnected, p.State)

	hm.Tick(context.Background())
	assert.Equal(t, []uuid.UUID{nodeB}, timedOut, "a peer times out once")
}
