// Package consensus 在几何 CRDT 之上提供可选的法定人数提交轮次：
// 提议 -> 收集提议 -> 以几何均值为候选投票 -> 收集投票 -> 过半数则提交。
package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/crdt"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/logging"
)

var (
	ErrNoParticipants = errors.New("consensus: no participants")
)

// voteTolerance is how close two candidates must be to count as the same vote.
const voteTolerance = 1e-9

// Phase 表示一轮共识当前所处的阶段。
type Phase uint8

const (
	PhasePropose Phase = iota
	PhaseVote
	PhaseCommit
)

func (p Phase) String() string {
	switch p {
	case PhasePropose:
		return "propose"
	case PhaseVote:
		return "vote"
	case PhaseCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Config 控制共识轮次参数。
type Config struct {
	Threshold    float64        // 接受几何均值的最大相对偏差。
	RoundTimeout time.Duration  // 每个阶段收集消息的最长等待时间。
	Logger       logging.Logger // 日志器。
	Applier      Applier        // 提交写入的位置，为空时直接应用到副本。
}

// Option 用于修改 Config。
type Option func(*Config)

func WithThreshold(threshold float64) Option {
	return func(c *Config) {
		c.Threshold = threshold
	}
}

func WithRoundTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.RoundTimeout = timeout
	}
}

// WithApplier routes commits through a, typically the sync.Engine that owns
// the replica.
func WithApplier(a Applier) Option {
	return func(c *Config) {
		c.Applier = a
	}
}

func WithLogger(l logging.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Threshold:    0.5,
		RoundTimeout: 2 * time.Second,
		Logger:       logging.Nop(),
	}
}

// Decision is the outcome of one round. Committed false means no decision:
// the caller retries or relies on plain CRDT convergence. Leader is the
// lowest participant that voted for Value; it alone applies the commit.
type Decision struct {
	Round     uint64
	Committed bool
	Value     ga3.Multivector
	Leader    uuid.UUID
	Proposals int
	YesVotes  int
}

// Applier records a committed transform in the replica's history. A
// sync.Engine satisfies it, so the commit is persisted and broadcast.
type Applier interface {
	Apply(ctx context.Context, transform ga3.Multivector, typ crdt.OperationType) (delta.StateDelta, error)
}

// replicaApplier applies directly to a replica with no store or network.
type replicaApplier struct {
	replica crdt.Replica
}

func (a replicaApplier) Apply(_ context.Context, transform ga3.Multivector, typ crdt.OperationType) (delta.StateDelta, error) {
	d, _ := a.replica.ApplyOperation(a.replica.CreateOperation(transform, typ))
	return d, nil
}

// GeometricConsensus runs rounds for one participant.
type GeometricConsensus struct {
	id           uuid.UUID
	replica      crdt.Replica
	net          Network
	participants []uuid.UUID
	member       map[uuid.UUID]bool
	cfg          Config

	mu    sync.Mutex
	early map[uint64][]Message
}

// New creates a participant. participants may omit id; it is always included.
func New(id uuid.UUID, replica crdt.Replica, net Network, participants []uuid.UUID, opts ...Option) *GeometricConsensus {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Applier == nil {
		cfg.Applier = replicaApplier{replica: replica}
	}

	member := map[uuid.UUID]bool{id: true}
	ids := []uuid.UUID{id}
	for _, p := range participants {
		if !member[p] {
			member[p] = true
			ids = append(ids, p)
		}
	}
	sortIDs(ids)

	return &GeometricConsensus{
		id:           id,
		replica:      replica,
		net:          net,
		participants: ids,
		member:       member,
		cfg:          cfg,
		early:        make(map[uint64][]Message),
	}
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
}

// Participants returns the sorted participant set.
func (g *GeometricConsensus) Participants() []uuid.UUID {
	return append([]uuid.UUID(nil), g.participants...)
}

func (g *GeometricConsensus) quorum() int {
	return len(g.participants)/2 + 1
}

// RunRound proposes value for round and drives the round to a decision.
// Each collection phase waits at most RoundTimeout; a phase that ends with
// fewer than a majority of participants yields no decision. Errors are
// returned only for cancellation and network failure.
func (g *GeometricConsensus) RunRound(ctx context.Context, round uint64, proposal ga3.Multivector) (Decision, error) {
	if len(g.participants) == 0 {
		return Decision{}, ErrNoParticipants
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	log := g.cfg.Logger.With("round", round, "node", g.id)
	decision := Decision{Round: round}

	// propose
	proposals := map[uuid.UUID]ga3.Multivector{g.id: proposal}
	if err := g.net.Broadcast(ctx, Message{Round: round, From: g.id, Kind: KindProposal, Value: proposal}); err != nil {
		return decision, err
	}
	if err := g.collect(ctx, round, KindProposal, proposals); err != nil {
		return decision, err
	}
	decision.Proposals = len(proposals)
	if len(proposals) < g.quorum() {
		log.Warn("consensus round without quorum", "phase", PhasePropose, "proposals", len(proposals))
		g.forget(round)
		return decision, nil
	}

	// vote
	candidate := Value(g.ordered(proposals), g.cfg.Threshold)
	decision.Value = candidate
	votes := map[uuid.UUID]ga3.Multivector{g.id: candidate}
	if err := g.net.Broadcast(ctx, Message{Round: round, From: g.id, Kind: KindVote, Value: candidate}); err != nil {
		return decision, err
	}
	if err := g.collect(ctx, round, KindVote, votes); err != nil {
		return decision, err
	}
	g.forget(round)

	tol := voteTolerance * max(1, candidate.Magnitude())
	for _, id := range g.participants {
		if v, ok := votes[id]; ok && v.ApproxEqual(candidate, tol) {
			if decision.YesVotes == 0 {
				decision.Leader = id
			}
			decision.YesVotes++
		}
	}
	if 2*decision.YesVotes <= len(g.participants) {
		log.Info("consensus round without majority", "phase", PhaseVote, "yes", decision.YesVotes, "votes", len(votes))
		return decision, nil
	}

	// commit: only the leader writes the operation, the others receive it
	// through sync like any other delta.
	decision.Committed = true
	if decision.Leader != g.id {
		log.Debug("consensus decided", "phase", PhaseCommit, "value", candidate, "leader", decision.Leader)
		return decision, nil
	}
	if _, err := g.cfg.Applier.Apply(ctx, candidate.Sub(g.replica.State()), crdt.Addition); err != nil {
		return decision, fmt.Errorf("consensus: commit round %d: %w", round, err)
	}
	log.Debug("consensus committed", "phase", PhaseCommit, "value", candidate, "yes", decision.YesVotes)
	return decision, nil
}

func (g *GeometricConsensus) ordered(values map[uuid.UUID]ga3.Multivector) []ga3.Multivector {
	out := make([]ga3.Multivector, 0, len(values))
	for _, id := range g.participants {
		if v, ok := values[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

// collect fills into with messages of kind for round until every participant
// has answered or the phase times out.
func (g *GeometricConsensus) collect(ctx context.Context, round uint64, kind Kind, into map[uuid.UUID]ga3.Multivector) error {
	accept := func(msg Message) bool {
		switch {
		case !g.member[msg.From] || msg.Round < round:
			return false
		case msg.Round > round || msg.Kind != kind:
			g.early[msg.Round] = append(g.early[msg.Round], msg)
			return false
		}
		if _, dup := into[msg.From]; !dup {
			into[msg.From] = msg.Value
		}
		return true
	}

	stashed := g.early[round]
	delete(g.early, round)
	for _, msg := range stashed {
		accept(msg)
	}

	timer := time.NewTimer(g.cfg.RoundTimeout)
	defer timer.Stop()
	for len(into) < len(g.participants) {
		select {
		case msg := <-g.net.Inbox():
			accept(msg)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *GeometricConsensus) forget(round uint64) {
	for r := range g.early {
		if r <= round {
			delete(g.early, r)
		}
	}
}
