package wsnet

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/crdt"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/store"
	geosync "github.com/shinyes/geo_crdt/pkg/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func listen(t *testing.T, n *Network) string {
	t.Helper()
	addr, err := n.Listen("127.0.0.1:0")
	require.NoError(t, err)
	return "ws://" + addr.String() + Path
}

func inbox(n *Network) <-chan *geosync.SyncMessage {
	ch := make(chan *geosync.SyncMessage, 16)
	n.SetHandler(func(msg *geosync.SyncMessage) { ch <- msg })
	return ch
}

func next(t *testing.T, ch <-chan *geosync.SyncMessage) *geosync.SyncMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestDialSendBroadcast(t *testing.T) {
	for _, codec := range []geosync.Codec{geosync.MsgpackCodec{}, geosync.JSONCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			idA, idB := uuid.New(), uuid.New()
			a := New(idA, WithCodec(codec))
			b := New(idB, WithCodec(codec))
			defer a.Close()
			defer b.Close()
			inA, inB := inbox(a), inbox(b)

			url := listen(t, a)
			peer, err := b.Dial(context.Background(), url)
			require.NoError(t, err)
			assert.Equal(t, idA, peer)
			require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, 3*time.Second, 5*time.Millisecond)
			assert.Equal(t, []uuid.UUID{idB}, a.Peers())

			vc := clock.New()
			vc.Tick(idB)
			require.NoError(t, b.Send(context.Background(), idA, &geosync.SyncMessage{
				ID: 7, Sender: idB, Clock: vc,
				Payload: geosync.FullState{State: ga3.Scalar(3), Clock: vc},
			}))
			got := next(t, inA)
			assert.Equal(t, uint64(7), got.ID)
			assert.Equal(t, ga3.Scalar(3), got.Payload.(geosync.FullState).State)

			require.NoError(t, a.Broadcast(context.Background(), &geosync.SyncMessage{ID: 8, Sender: idA, Payload: geosync.Heartbeat{}}))
			assert.Equal(t, geosync.KindHeartbeat, next(t, inB).Kind())

			assert.ErrorIs(t, a.Send(context.Background(), uuid.New(), &geosync.SyncMessage{Sender: idA, Payload: geosync.Heartbeat{}}), geosync.ErrUnknownPeer)
		})
	}
}

func TestHandshakeRejectsCodecMismatchAndSelf(t *testing.T) {
	idA := uuid.New()
	a := New(idA, WithCodec(geosync.JSONCodec{}))
	defer a.Close()
	url := listen(t, a)

	b := New(uuid.New(), WithCodec(geosync.MsgpackCodec{}))
	defer b.Close()
	_, err := b.Dial(context.Background(), url)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Empty(t, b.Peers())

	self := New(idA, WithCodec(geosync.JSONCodec{}))
	defer self.Close()
	_, err = self.Dial(context.Background(), url)
	assert.ErrorIs(t, err, ErrSelfDial)
}

func TestConnectRedialsAfterDrop(t *testing.T) {
	idA, idB := uuid.New(), uuid.New()
	a := New(idA)
	b := New(idB, WithRedial(10*time.Millisecond, 50*time.Millisecond))
	defer a.Close()
	defer b.Close()
	url := listen(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Connect(ctx, url)
	require.Eventually(t, func() bool { return len(b.Peers()) == 1 }, 3*time.Second, 5*time.Millisecond)

	pc, ok := a.conns.Load(idB)
	require.True(t, ok)
	pc.close()
	require.Eventually(t, func() bool {
		cur, ok := a.conns.Load(idB)
		return ok && cur != pc
	}, 3*time.Second, 5*time.Millisecond)
}

func TestSimultaneousDialKeepsOneConnection(t *testing.T) {
	a, b := New(uuid.New()), New(uuid.New())
	defer a.Close()
	defer b.Close()
	urlA, urlB := listen(t, a), listen(t, b)

	var g errgroup.Group
	g.Go(func() error { _, err := a.Dial(context.Background(), urlB); return err })
	g.Go(func() error { _, err := b.Dial(context.Background(), urlA); return err })
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		ca, okA := a.conns.Load(b.id)
		cb, okB := b.conns.Load(a.id)
		return okA && okB && ca.dialer == cb.dialer
	}, 3*time.Second, 5*time.Millisecond)
}

func TestEnginesConvergeOverWebSocket(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	nets := make([]*Network, len(ids))
	replicas := make([]*crdt.GeometricCRDT, len(ids))
	engines := make([]*geosync.Engine, len(ids))
	for i, id := range ids {
		nets[i] = New(id)
		replicas[i] = crdt.New(id, ga3.Zero())
		eng, err := geosync.NewEngine(replicas[i], nets[i],
			geosync.WithStore(store.NewMemoryStore()),
			geosync.WithFullSyncInterval(0),
			geosync.WithHeartbeatInterval(20*time.Millisecond),
			geosync.WithPeerTimeout(time.Second),
			geosync.WithRequestTimeout(50*time.Millisecond),
		)
		require.NoError(t, err)
		engines[i] = eng
	}
	hubURL := listen(t, nets[0])

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for _, eng := range engines {
		eng := eng
		g.Go(func() error { return eng.Run(gctx) })
	}
	defer func() {
		cancel()
		assert.NoError(t, g.Wait())
		for _, n := range nets {
			n.Close()
		}
	}()

	for _, n := range nets[1:] {
		_, err := n.Dial(ctx, hubURL)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(nets[0].Peers()) == 2 }, 3*time.Second, 5*time.Millisecond)

	for i, eng := range engines[1:] {
		_, err := eng.Apply(ctx, ga3.Vector(float64(i+1), 0, 0), crdt.Addition)
		require.NoError(t, err)
	}

	// Spokes only talk to the hub, so each learns the other's edit through it.
	want := ga3.Vector(3, 0, 0)
	require.Eventually(t, func() bool {
		for _, r := range replicas {
			if !r.State().ApproxEqual(want, 1e-9) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}
