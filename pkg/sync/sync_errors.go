package sync

import "errors"

var (
	// ErrNoNetwork indicates there is no registered network interface.
	ErrNoNetwork = errors.New("sync: no network interface registered")
	// ErrNilSender rejects messages without a sender id.
	ErrNilSender = errors.New("sync: message has nil sender")
	// ErrSelfMessage rejects messages that claim to come from this node.
	ErrSelfMessage = errors.New("sync: message from self")
	// ErrUnknownPayload indicates an unrecognized payload type tag.
	ErrUnknownPayload = errors.New("sync: unknown payload type")
	// ErrMissingPayload indicates a message without a body.
	ErrMissingPayload = errors.New("sync: message has no payload")
	// ErrMalformedMessage wraps decode failures at the wire boundary.
	ErrMalformedMessage = errors.New("sync: malformed message")
	// ErrUnknownPeer indicates a send to a peer the network does not know.
	ErrUnknownPeer = errors.New("sync: unknown peer")
	// ErrNetworkClosed indicates use of a closed network endpoint.
	ErrNetworkClosed = errors.New("sync: network closed")
)
