package consensus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/ga3"
)

// Kind 区分共识消息所处的阶段。
type Kind uint8

const (
	KindProposal Kind = iota + 1
	KindVote
)

func (k Kind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindVote:
		return "vote"
	default:
		return "unknown"
	}
}

// Message 是参与者之间交换的共识消息。
type Message struct {
	Round uint64          `json:"round" msgpack:"round"`
	From  uuid.UUID       `json:"from" msgpack:"from"`
	Kind  Kind            `json:"kind" msgpack:"kind"`
	Value ga3.Multivector `json:"value" msgpack:"value"`
}

// Network 为每个参与者提供一个独立的收件箱，以及向其他参与者广播的能力。
type Network interface {
	Broadcast(ctx context.Context, msg Message) error
	Inbox() <-chan Message
}

// LocalHub connects in-process participants, one mailbox each.
type LocalHub struct {
	mu       sync.RWMutex
	boxes    map[uuid.UUID]chan Message
	isolated map[uuid.UUID]bool
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		boxes:    make(map[uuid.UUID]chan Message),
		isolated: make(map[uuid.UUID]bool),
	}
}

// Join registers id and returns its endpoint.
func (h *LocalHub) Join(id uuid.UUID, buffer int) *Endpoint {
	if buffer <= 0 {
		buffer = 64
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	box, ok := h.boxes[id]
	if !ok {
		box = make(chan Message, buffer)
		h.boxes[id] = box
	}
	return &Endpoint{hub: h, id: id, inbox: box}
}

// Isolate cuts id off: nothing it sends is delivered and nothing reaches it.
func (h *LocalHub) Isolate(id uuid.UUID, isolated bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isolated[id] = isolated
}

func (h *LocalHub) targets(from uuid.UUID) []chan Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.isolated[from] {
		return nil
	}
	out := make([]chan Message, 0, len(h.boxes))
	for id, box := range h.boxes {
		if id != from && !h.isolated[id] {
			out = append(out, box)
		}
	}
	return out
}

// Endpoint is one participant's view of a LocalHub.
type Endpoint struct {
	hub   *LocalHub
	id    uuid.UUID
	inbox chan Message
}

func (e *Endpoint) Broadcast(ctx context.Context, msg Message) error {
	for _, box := range e.hub.targets(e.id) {
		select {
		case box <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Endpoint) Inbox() <-chan Message {
	return e.inbox
}
