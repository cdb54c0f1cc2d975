package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/crdt"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/logging"
	"github.com/shinyes/geo_crdt/pkg/store"
	"golang.org/x/sync/errgroup"
)

// Engine ties one replica to the network: local edits become deltas that are
// persisted and broadcast, inbound traffic goes through SyncState and then
// into the replica, and heartbeats plus periodic full-state exchange keep
// peers converging.
type Engine struct {
	replica *crdt.GeometricCRDT
	net     NetworkInterface
	state   *SyncState
	cfg     Config
	store   store.GeometricStore
	logger  logging.Logger
	metrics *Metrics

	// applyMu orders replica mutation with store appends so the log
	// replays in the order the replica saw.
	applyMu sync.Mutex
	buffer  *delta.Buffer

	mailbox chan *SyncMessage

	reqMu       sync.Mutex
	lastRequest map[uuid.UUID]time.Time

	heartbeat *HeartbeatMonitor
}

// NewEngine creates a sync engine for replica over net. A nil net runs the
// replica offline. When a store is configured and holds no snapshot yet,
// the replica's current state is written as the first one.
func NewEngine(replica *crdt.GeometricCRDT, net NetworkInterface, opts ...Option) (*Engine, error) {
	if replica == nil {
		return nil, errors.New("sync: nil replica")
	}
	cfg := buildConfig(opts)
	if net == nil {
		net = NewDefaultNetwork()
	}
	cfg.Info.ID = replica.NodeID()
	if cfg.Info.Lattice == "" {
		cfg.Info.Lattice = replica.Lattice().Name()
	}

	e := &Engine{
		replica:     replica,
		net:         net,
		cfg:         cfg,
		store:       cfg.Store,
		logger:      cfg.Logger.With("node", shortID(replica.NodeID())),
		metrics:     cfg.Metrics,
		buffer:      delta.NewBuffer(cfg.BufferLimit),
		mailbox:     make(chan *SyncMessage, cfg.MailboxSize),
		lastRequest: make(map[uuid.UUID]time.Time),
	}
	e.state = NewSyncState(cfg.Info, WithLogger(e.logger), WithMetrics(cfg.Metrics))
	e.heartbeat = NewHeartbeatMonitor(e.state, e.beat, cfg.HeartbeatInterval, cfg.PeerTimeout, e.logger)
	e.heartbeat.OnTimeout(e.peerTimedOut)

	if e.store != nil {
		_, ok, err := e.store.LatestSnapshot()
		if err != nil {
			return nil, fmt.Errorf("sync: load snapshot: %w", err)
		}
		if !ok {
			st, vc := replica.StateAndClock()
			if _, err := e.store.SaveSnapshot(st, vc); err != nil {
				return nil, fmt.Errorf("sync: initial snapshot: %w", err)
			}
		}
	}

	net.SetHandler(e.enqueue)
	return e, nil
}

// RecoverReplica rebuilds a replica for nodeID from s. When s holds no
// snapshot the replica starts from initial.
func RecoverReplica(nodeID uuid.UUID, initial ga3.Multivector, s store.GeometricStore, opts ...crdt.Option) (*crdt.GeometricCRDT, store.Recovered, error) {
	rec, ok, err := store.RecoverState(s)
	if err != nil {
		return nil, store.Recovered{}, err
	}
	if !ok {
		return crdt.New(nodeID, initial, opts...), store.Recovered{State: initial, Clock: clock.New()}, nil
	}
	opts = append(opts, crdt.WithClock(rec.Clock))
	return crdt.New(nodeID, rec.State, opts...), rec, nil
}

func (e *Engine) Replica() *crdt.GeometricCRDT { return e.replica }

func (e *Engine) SyncState() *SyncState { return e.state }

// LocalID returns local node ID.
func (e *Engine) LocalID() uuid.UUID { return e.replica.NodeID() }

// Peers returns connected peers.
func (e *Engine) Peers() []uuid.UUID { return e.net.Peers() }

// Pending returns the number of buffered out-of-order deltas.
func (e *Engine) Pending() int {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	return e.buffer.Len()
}

// Run processes inbound messages, heartbeats and anti-entropy until ctx is
// cancelled. It announces the node with Hello on start and Goodbye on exit.
// A replica whose log no longer reproduces its state ends Run with
// crdt.ErrIntegrity.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(gctx) })
	g.Go(func() error {
		e.heartbeat.Run(gctx)
		return nil
	})
	if e.cfg.FullSyncInterval > 0 {
		g.Go(func() error { return e.antiEntropy(gctx) })
	}

	e.broadcast(gctx, Hello{Info: e.state.Self()})
	e.logger.Info("sync engine started", "peers", len(e.net.Peers()))

	err := g.Wait()

	byeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	e.broadcast(byeCtx, Goodbye{})
	cancel()
	e.logger.Info("sync engine stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Apply performs a local edit: the operation is applied, its delta is
// persisted and then broadcast to peers. Network failures do not fail the
// edit; peers catch up later through DeltaRequest.
func (e *Engine) Apply(ctx context.Context, transform ga3.Multivector, typ crdt.OperationType) (delta.StateDelta, error) {
	e.applyMu.Lock()
	op := e.replica.CreateOperation(transform, typ)
	d, _ := e.replica.ApplyOperation(op)
	var persistErr error
	if e.store != nil {
		if err := e.store.AppendOperation(d); err != nil {
			persistErr = fmt.Errorf("sync: persist operation %s: %w", op.Key(), err)
		}
	}
	e.applyMu.Unlock()

	if persistErr != nil {
		e.logger.Error("persist failed", "op", op.Key(), "err", persistErr)
		return d, persistErr
	}

	msg := e.state.NewMessage(DeltaResponse{Deltas: []delta.StateDelta{d}}, d.ToClock)
	for _, peer := range e.state.ActivePeers() {
		e.state.ExpectAck(peer, msg.ID)
	}
	e.sendAll(ctx, msg)
	return d, nil
}

func (e *Engine) enqueue(msg *SyncMessage) {
	select {
	case e.mailbox <- msg:
	default:
		e.logger.Warn("mailbox full, dropping message", "from", shortID(msg.Sender), "kind", msg.Kind())
	}
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-e.mailbox:
			e.handle(ctx, msg)
		}
	}
}

func (e *Engine) antiEntropy(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.FullSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.replica.Verify(); err != nil {
				e.logger.Error("replica integrity check failed", "err", err)
				return err
			}
			st, vc := e.replica.StateAndClock()
			e.broadcastWith(ctx, FullState{State: st, Clock: vc}, vc)
		}
	}
}

func (e *Engine) handle(ctx context.Context, msg *SyncMessage) {
	prev, known := e.state.Peer(msg.Sender)
	reply, err := e.state.HandleMessage(msg)
	if err != nil {
		if !errors.Is(err, ErrSelfMessage) {
			e.logger.Debug("message rejected", "from", shortID(msg.Sender), "err", err)
		}
		return
	}
	if reply != nil {
		e.send(ctx, msg.Sender, reply)
	}

	forceRequest := known && !prev.State.Active()
	switch pl := msg.Payload.(type) {
	case DeltaRequest:
		e.answerDeltaRequest(ctx, msg.Sender, pl.SinceClock)
	case DeltaResponse:
		e.applyDeltas(ctx, msg, pl)
		forceRequest = forceRequest || pl.HasMore
	case FullState:
		e.applyFullState(ctx, msg, pl)
	case Goodbye:
		e.forgetRequest(msg.Sender)
		return
	}

	if forceRequest || !e.replica.Clock().Descends(msg.Clock) {
		e.requestDeltas(ctx, msg.Sender, forceRequest)
	}
}

// requestDeltas asks peer for everything the replica lacks, at most once
// per RequestTimeout unless force is set.
func (e *Engine) requestDeltas(ctx context.Context, peer uuid.UUID, force bool) {
	now := time.Now()
	e.reqMu.Lock()
	last, ok := e.lastRequest[peer]
	if !force && ok && now.Sub(last) < e.cfg.RequestTimeout {
		e.reqMu.Unlock()
		return
	}
	e.lastRequest[peer] = now
	e.reqMu.Unlock()

	vc := e.replica.Clock()
	e.send(ctx, peer, e.state.NewMessage(DeltaRequest{SinceClock: vc}, vc))
}

// peerTimedOut drops the request throttle for peer so the first message
// after it comes back triggers a catch-up request right away.
func (e *Engine) peerTimedOut(peer uuid.UUID) {
	e.forgetRequest(peer)
	e.metrics.timedOut()
}

func (e *Engine) forgetRequest(peer uuid.UUID) {
	e.reqMu.Lock()
	delete(e.lastRequest, peer)
	e.reqMu.Unlock()
}

// answerDeltaRequest replies from the store log, one page of
// MaxDeltasPerResponse deltas. When the log cannot bring since up to the
// replica's clock, the full state is sent instead.
func (e *Engine) answerDeltaRequest(ctx context.Context, peer uuid.UUID, since clock.VectorClock) {
	if since == nil {
		since = clock.New()
	}
	if e.store == nil {
		if !since.Descends(e.replica.Clock()) {
			e.sendFullState(ctx, peer)
		}
		return
	}

	e.applyMu.Lock()
	current := e.replica.Clock()
	ops, complete, err := e.store.OperationsSince(since)
	e.applyMu.Unlock()

	if since.Descends(current) {
		return
	}
	if err != nil {
		e.logger.Warn("read log for delta request failed", "peer", shortID(peer), "err", err)
		e.sendFullState(ctx, peer)
		return
	}
	covered := since.Clone()
	for _, d := range ops {
		covered.Update(d.ToClock)
	}
	if !complete || !covered.Descends(current) {
		e.sendFullState(ctx, peer)
		return
	}

	page := ops
	hasMore := false
	if len(page) > e.cfg.MaxDeltasPerResponse {
		page, hasMore = page[:e.cfg.MaxDeltasPerResponse], true
	}
	msg := e.state.NewMessage(DeltaResponse{Deltas: page, HasMore: hasMore}, current)
	e.state.ExpectAck(peer, msg.ID)
	e.send(ctx, peer, msg)
}

func (e *Engine) sendFullState(ctx context.Context, peer uuid.UUID) {
	st, vc := e.replica.StateAndClock()
	msg := e.state.NewMessage(FullState{State: st, Clock: vc}, vc)
	e.state.ExpectAck(peer, msg.ID)
	e.send(ctx, peer, msg)
}

func (e *Engine) applyDeltas(ctx context.Context, msg *SyncMessage, pl DeltaResponse) {
	e.applyMu.Lock()
	var applied []delta.StateDelta
	for _, d := range pl.Deltas {
		ok, err := e.replica.ApplyDelta(d)
		switch {
		case errors.Is(err, delta.ErrNotApplicable):
			if e.buffer.Offer(d) {
				e.metrics.buffered()
			}
		case err != nil:
			e.logger.Warn("apply delta failed", "delta", d, "err", err)
		case ok:
			applied = append(applied, d)
		}
	}
	applied = append(applied, e.drainLocked()...)
	e.persistLocked(applied)
	e.applyMu.Unlock()

	e.metrics.applied(len(applied))
	if len(applied) > 0 {
		e.logger.Debug("deltas applied", "from", shortID(msg.Sender), "count", len(applied))
	}
	e.ack(ctx, msg)
}

func (e *Engine) applyFullState(ctx context.Context, msg *SyncMessage, pl FullState) {
	e.applyMu.Lock()
	before := e.replica.Clock()
	changed := e.replica.MergeState(pl.State, pl.Clock)
	st, vc := e.replica.StateAndClock()
	if e.store != nil && (changed || !before.Equal(vc)) {
		if _, err := e.store.SaveSnapshot(st, vc); err != nil {
			e.logger.Error("snapshot after merge failed", "err", err)
		}
	}
	drained := e.drainLocked()
	e.persistLocked(drained)
	e.applyMu.Unlock()

	if changed {
		e.metrics.merged()
		e.logger.Debug("full state merged", "from", shortID(msg.Sender), "magnitude", st.Magnitude())
	}
	e.metrics.applied(len(drained))
	e.ack(ctx, msg)
}

// drainLocked applies every buffered delta that became applicable.
func (e *Engine) drainLocked() []delta.StateDelta {
	var applied []delta.StateDelta
	for _, d := range e.buffer.Drain(e.replica.Clock()) {
		ok, err := e.replica.ApplyDelta(d)
		if err != nil {
			e.logger.Warn("apply buffered delta failed", "delta", d, "err", err)
			continue
		}
		if ok {
			applied = append(applied, d)
		}
	}
	return applied
}

func (e *Engine) persistLocked(ds []delta.StateDelta) {
	if e.store == nil {
		return
	}
	for _, d := range ds {
		if err := e.store.AppendOperation(d); err != nil {
			e.logger.Error("persist remote delta failed", "delta", d, "err", err)
			return
		}
	}
}

func (e *Engine) ack(ctx context.Context, msg *SyncMessage) {
	vc := e.replica.Clock()
	e.send(ctx, msg.Sender, e.state.NewMessage(Ack{MessageID: msg.ID, AppliedClock: vc}, vc))
}

func (e *Engine) beat(ctx context.Context) error {
	msg := e.state.NewMessage(Heartbeat{}, e.replica.Clock())
	err := e.net.Broadcast(ctx, msg)
	if err == nil {
		e.metrics.sent(KindHeartbeat)
	}
	return err
}

func (e *Engine) broadcast(ctx context.Context, p Payload) {
	e.broadcastWith(ctx, p, e.replica.Clock())
}

func (e *Engine) broadcastWith(ctx context.Context, p Payload, vc clock.VectorClock) {
	e.sendAll(ctx, e.state.NewMessage(p, vc))
}

func (e *Engine) sendAll(ctx context.Context, msg *SyncMessage) {
	if err := e.net.Broadcast(ctx, msg); err != nil {
		e.logSendError("broadcast", uuid.Nil, msg, err)
		return
	}
	e.metrics.sent(msg.Kind())
}

func (e *Engine) send(ctx context.Context, peer uuid.UUID, msg *SyncMessage) {
	if err := e.net.Send(ctx, peer, msg); err != nil {
		e.logSendError("send", peer, msg, err)
		return
	}
	e.metrics.sent(msg.Kind())
}

func (e *Engine) logSendError(op string, peer uuid.UUID, msg *SyncMessage, err error) {
	if errors.Is(err, ErrNoNetwork) || errors.Is(err, context.Canceled) {
		return
	}
	e.logger.Warn(op+" failed", "peer", shortID(peer), "kind", msg.Kind(), "err", err)
}

func shortID(id uuid.UUID) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
