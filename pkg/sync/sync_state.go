package sync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/logging"
)

// maxPendingAcks bounds the per-peer table of unacknowledged messages.
const maxPendingAcks = 1024

// SyncState is the peer bookkeeping of one node: the causal knowledge clock,
// the connection state machine of every peer, RTT estimates and message ids.
// HandleMessage is the single ingestion point for inbound traffic.
type SyncState struct {
	mu      sync.Mutex
	self    PeerInfo
	clock   clock.VectorClock
	peers   map[uuid.UUID]*PeerState
	nextID  uint64
	now     func() time.Time
	logger  logging.Logger
	metrics *Metrics
}

// NewSyncState creates the bookkeeping for the node described by self.
func NewSyncState(self PeerInfo, opts ...Option) *SyncState {
	cfg := buildConfig(opts)
	return &SyncState{
		self:    self,
		clock:   clock.New(),
		peers:   make(map[uuid.UUID]*PeerState),
		nextID:  1,
		now:     time.Now,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Self returns this node's description.
func (s *SyncState) Self() PeerInfo {
	return s.self
}

// Clock returns a copy of everything this node has heard of.
func (s *SyncState) Clock() clock.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Clone()
}

// ObserveClock merges vc into the knowledge clock.
func (s *SyncState) ObserveClock(vc clock.VectorClock) {
	s.mu.Lock()
	s.clock.Update(vc)
	s.mu.Unlock()
}

// NewMessage stamps payload with a fresh id, this node as sender and vc as
// the causal context; a nil vc uses the knowledge clock.
func (s *SyncState) NewMessage(payload Payload, vc clock.VectorClock) *SyncMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	if vc == nil {
		vc = s.clock
	}
	return &SyncMessage{
		ID:        id,
		Sender:    s.self.ID,
		Payload:   payload,
		Clock:     vc.Clone(),
		Timestamp: uint64(s.now().UnixMilli()),
	}
}

// ExpectAck records that msgID was sent to peer and an Ack is awaited.
func (s *SyncState) ExpectAck(peer uuid.UUID, msgID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[peer]
	if !ok {
		return
	}
	if len(p.PendingAcks) >= maxPendingAcks {
		var oldestID uint64
		var oldest time.Time
		for id, at := range p.PendingAcks {
			if oldest.IsZero() || at.Before(oldest) {
				oldestID, oldest = id, at
			}
		}
		delete(p.PendingAcks, oldestID)
	}
	p.PendingAcks[msgID] = s.now()
}

// HandleMessage updates peer bookkeeping for msg and returns the reply the
// sync layer owes the sender, if any. Delta and full-state payloads only
// touch bookkeeping; applying them is left to the caller.
func (s *SyncState) HandleMessage(msg *SyncMessage) (*SyncMessage, error) {
	if msg == nil || msg.Payload == nil {
		return nil, ErrMissingPayload
	}
	if msg.Sender == uuid.Nil {
		return nil, ErrNilSender
	}
	if msg.Sender == s.self.ID {
		return nil, ErrSelfMessage
	}
	s.metrics.received(msg.Kind())

	s.mu.Lock()
	now := s.now()
	p, known := s.peers[msg.Sender]
	if !known {
		p = &PeerState{
			Info:        PeerInfo{},
			LastClock:   clock.New(),
			State:       StateDiscovered,
			PendingAcks: make(map[uint64]time.Time),
		}
		s.peers[msg.Sender] = p
		s.logger.Debug("peer discovered", "peer", msg.Sender, "kind", msg.Kind())
	}
	wasActive := p.State.Active()
	p.LastSeen = now
	p.LastClock.Update(msg.Clock)
	s.clock.Update(msg.Clock)

	if !wasActive && msg.Kind() != KindGoodbye {
		s.logger.Info("peer back", "peer", msg.Sender, "from", p.State)
		p.State = StateSyncing
	}

	var reply Payload
	switch pl := msg.Payload.(type) {
	case Hello:
		needReply := !known || !wasActive || p.Info.ID == uuid.Nil
		p.Info = pl.Info
		p.Info.ID = msg.Sender
		if p.State == StateDiscovered {
			p.State = StateSyncing
		}
		if needReply {
			reply = Hello{Info: s.self}
		}
	case ClockRequest:
		reply = ClockResponse{Clock: s.clock.Clone()}
	case ClockResponse:
		p.LastClock.Update(pl.Clock)
		s.clock.Update(pl.Clock)
	case Ack:
		if sent, ok := p.PendingAcks[pl.MessageID]; ok {
			delete(p.PendingAcks, pl.MessageID)
			sample := now.Sub(sent)
			if p.HasRTT {
				p.RTT = time.Duration(0.8*float64(p.RTT) + 0.2*float64(sample))
			} else {
				p.RTT, p.HasRTT = sample, true
			}
			s.metrics.rtt(sample)
		}
		p.LastClock.Update(pl.AppliedClock)
		p.State = StateSynced
	case Goodbye:
		p.State = StateGone
		p.PendingAcks = make(map[uint64]time.Time)
		s.logger.Info("peer left", "peer", msg.Sender)
	case DeltaRequest, DeltaResponse, FullState:
		if p.State == StateDiscovered || p.State == StateSynced {
			p.State = StateSyncing
		}
	case Heartbeat:
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %T", ErrUnknownPayload, msg.Payload)
	}
	s.publishLocked()
	s.mu.Unlock()

	if reply == nil {
		return nil, nil
	}
	return s.NewMessage(reply, nil), nil
}

// Peer returns a copy of the state of id.
func (s *SyncState) Peer(id uuid.UUID) (PeerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return PeerState{}, false
	}
	return p.clone(), true
}

// Peers returns the ids of all known peers in byte order.
func (s *SyncState) Peers() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(*PeerState) bool { return true })
}

// ActivePeers returns peers in Discovered, Syncing or Synced.
func (s *SyncState) ActivePeers() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(p *PeerState) bool { return p.State.Active() })
}

// IsStale reports whether id was never seen or not seen within timeout.
func (s *SyncState) IsStale(id uuid.UUID, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return true
	}
	return s.staleLocked(p, timeout)
}

func (s *SyncState) staleLocked(p *PeerState, timeout time.Duration) bool {
	return p.LastSeen.IsZero() || s.now().Sub(p.LastSeen) > timeout
}

// StalePeers lists active peers that are stale under timeout.
func (s *SyncState) StalePeers(timeout time.Duration) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(p *PeerState) bool {
		return p.State.Active() && s.staleLocked(p, timeout)
	})
}

// MarkDisconnected moves an active peer to Disconnected and reports whether
// it did.
func (s *SyncState) MarkDisconnected(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok || !p.State.Active() {
		return false
	}
	p.State = StateDisconnected
	p.PendingAcks = make(map[uint64]time.Time)
	s.publishLocked()
	return true
}

// RemovePeer forgets id entirely.
func (s *SyncState) RemovePeer(id uuid.UUID) {
	s.mu.Lock()
	delete(s.peers, id)
	s.publishLocked()
	s.mu.Unlock()
}

// RTT returns the smoothed round-trip estimate for id.
func (s *SyncState) RTT(id uuid.UUID) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok || !p.HasRTT {
		return 0, false
	}
	return p.RTT, true
}

func (s *SyncState) filterLocked(keep func(*PeerState) bool) []uuid.UUID {
	var out []uuid.UUID
	for id, p := range s.peers {
		if keep(p) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

func (s *SyncState) publishLocked() {
	if s.metrics == nil {
		return
	}
	counts := make(map[ConnectionState]int, 5)
	for _, p := range s.peers {
		counts[p.State]++
	}
	s.metrics.peers(counts)
}
