package sync

import (
	"context"

	"github.com/google/uuid"
)

// MessageHandler receives every decoded inbound message. Implementations
// must not block for long; the network calls it from its receive goroutine.
type MessageHandler func(msg *SyncMessage)

// NetworkInterface abstracts transport for sync messages.
type NetworkInterface interface {
	// Send delivers msg to one peer.
	Send(ctx context.Context, peer uuid.UUID, msg *SyncMessage) error

	// Broadcast delivers msg to every connected peer.
	Broadcast(ctx context.Context, msg *SyncMessage) error

	// SetHandler installs the inbound message handler.
	SetHandler(h MessageHandler)

	// Peers returns the ids of currently connected peers.
	Peers() []uuid.UUID

	// Close releases the transport.
	Close() error
}

// DefaultNetwork is an explicit "no network" implementation.
// Sends return ErrNoNetwork to avoid silently swallowing sync traffic.
type DefaultNetwork struct{}

// NewDefaultNetwork creates a default network implementation.
func NewDefaultNetwork() NetworkInterface {
	return &DefaultNetwork{}
}

// Send returns ErrNoNetwork.
func (n *DefaultNetwork) Send(context.Context, uuid.UUID, *SyncMessage) error {
	return ErrNoNetwork
}

// Broadcast returns ErrNoNetwork.
func (n *DefaultNetwork) Broadcast(context.Context, *SyncMessage) error {
	return ErrNoNetwork
}

func (n *DefaultNetwork) SetHandler(MessageHandler) {}

func (n *DefaultNetwork) Peers() []uuid.UUID { return nil }

func (n *DefaultNetwork) Close() error { return nil }
