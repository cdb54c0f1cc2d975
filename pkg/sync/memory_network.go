package sync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const memoryInboxSize = 1024

// MemoryNetwork connects in-process endpoints. Every message is encoded
// with the hub's codec on send and decoded on delivery, so endpoints never
// share memory. Full inboxes drop frames like a lossy link would.
type MemoryNetwork struct {
	mu        sync.RWMutex
	codec     Codec
	endpoints map[uuid.UUID]*MemoryEndpoint
	isolated  map[uuid.UUID]bool
	dropped   atomic.Uint64
}

// NewMemoryNetwork creates a hub; a nil codec selects msgpack.
func NewMemoryNetwork(codec Codec) *MemoryNetwork {
	if codec == nil {
		codec = MsgpackCodec{}
	}
	return &MemoryNetwork{
		codec:     codec,
		endpoints: make(map[uuid.UUID]*MemoryEndpoint),
		isolated:  make(map[uuid.UUID]bool),
	}
}

// Join attaches a new endpoint for id.
func (n *MemoryNetwork) Join(id uuid.UUID) *MemoryEndpoint {
	ep := &MemoryEndpoint{
		id:    id,
		hub:   n,
		inbox: make(chan []byte, memoryInboxSize),
		done:  make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[id] = ep
	n.mu.Unlock()

	go ep.deliver()
	return ep
}

// Isolate cuts id off from every other endpoint, or restores it.
func (n *MemoryNetwork) Isolate(id uuid.UUID, isolated bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if isolated {
		n.isolated[id] = true
	} else {
		delete(n.isolated, id)
	}
}

// Dropped returns the number of frames lost to isolation or full inboxes.
func (n *MemoryNetwork) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *MemoryNetwork) route(ctx context.Context, from, to uuid.UUID, frame []byte) error {
	n.mu.RLock()
	dst, ok := n.endpoints[to]
	cut := n.isolated[from] || n.isolated[to]
	n.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	if cut {
		n.dropped.Add(1)
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-dst.done:
		return nil
	case dst.inbox <- frame:
		return nil
	default:
		n.dropped.Add(1)
		return nil
	}
}

func (n *MemoryNetwork) peersOf(id uuid.UUID) []uuid.UUID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.isolated[id] {
		return nil
	}
	var out []uuid.UUID
	for other := range n.endpoints {
		if other != id && !n.isolated[other] {
			out = append(out, other)
		}
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i][:]) < string(out[j][:]) })
	return out
}

func (n *MemoryNetwork) leave(id uuid.UUID) {
	n.mu.Lock()
	delete(n.endpoints, id)
	delete(n.isolated, id)
	n.mu.Unlock()
}

// MemoryEndpoint is one node's view of a MemoryNetwork.
type MemoryEndpoint struct {
	id      uuid.UUID
	hub     *MemoryNetwork
	inbox   chan []byte
	done    chan struct{}
	once    sync.Once
	handler atomic.Pointer[MessageHandler]
}

var _ NetworkInterface = (*MemoryEndpoint)(nil)

func (e *MemoryEndpoint) ID() uuid.UUID { return e.id }

func (e *MemoryEndpoint) Send(ctx context.Context, peer uuid.UUID, msg *SyncMessage) error {
	if e.closed() {
		return ErrNetworkClosed
	}
	frame, err := e.hub.codec.Marshal(msg)
	if err != nil {
		return err
	}
	return e.hub.route(ctx, e.id, peer, frame)
}

func (e *MemoryEndpoint) Broadcast(ctx context.Context, msg *SyncMessage) error {
	if e.closed() {
		return ErrNetworkClosed
	}
	frame, err := e.hub.codec.Marshal(msg)
	if err != nil {
		return err
	}
	for _, peer := range e.hub.peersOf(e.id) {
		if err := e.hub.route(ctx, e.id, peer, frame); err != nil && !errors.Is(err, ErrUnknownPeer) {
			return err
		}
	}
	return nil
}

func (e *MemoryEndpoint) SetHandler(h MessageHandler) {
	e.handler.Store(&h)
}

func (e *MemoryEndpoint) Peers() []uuid.UUID {
	return e.hub.peersOf(e.id)
}

func (e *MemoryEndpoint) Close() error {
	e.once.Do(func() {
		e.hub.leave(e.id)
		close(e.done)
	})
	return nil
}

func (e *MemoryEndpoint) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *MemoryEndpoint) deliver() {
	for {
		select {
		case <-e.done:
			return
		case frame := <-e.inbox:
			msg, err := e.hub.codec.Unmarshal(frame)
			if err != nil {
				e.hub.dropped.Add(1)
				continue
			}
			if h := e.handler.Load(); h != nil && *h != nil {
				(*h)(msg)
			}
		}
	}
}
