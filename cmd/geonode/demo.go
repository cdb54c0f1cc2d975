package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/consensus"
	"github.com/shinyes/geo_crdt/pkg/crdt"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/store"
	geosync "github.com/shinyes/geo_crdt/pkg/sync"
	"golang.org/x/sync/errgroup"
)

var errNotConverged = errors.New("replicas did not converge")

type demoOptions struct {
	nodes   int
	ops     int
	seed    int64
	timeout time.Duration
}

type demoReplica struct {
	name   string
	engine *geosync.Engine
}

// runDemo 在进程内网络上启动多个副本，并发执行随机加法编辑，
// 等待收敛后再跑一轮共识。
func runDemo(ctx context.Context, out io.Writer, env *cliEnv, opts demoOptions) error {
	cfg := env.cfg
	codec, err := geosync.CodecByName(cfg.Network.Codec)
	if err != nil {
		return err
	}
	r := rand.New(rand.NewSource(opts.seed))
	network := geosync.NewMemoryNetwork(codec)

	replicas := make([]demoReplica, opts.nodes)
	ids := make([]uuid.UUID, opts.nodes)
	for i := range replicas {
		id, err := uuid.NewRandomFromReader(r)
		if err != nil {
			return err
		}
		ids[i] = id
		name := fmt.Sprintf("demo-%d", i+1)
		logger := env.logger.With("replica", name)

		endpoint := network.Join(id)
		defer endpoint.Close()

		replica := crdt.New(id, cfg.InitialState(), crdt.WithLattice(cfg.LatticeImpl()))
		engine, err := geosync.NewEngine(replica, endpoint,
			geosync.WithPeerInfo(geosync.PeerInfo{Name: name, Lattice: cfg.Lattice}),
			geosync.WithStore(store.NewMemoryStore(cfg.StoreOptions(logger)...)),
			geosync.WithHeartbeatInterval(20*time.Millisecond),
			geosync.WithPeerTimeout(time.Second),
			geosync.WithRequestTimeout(50*time.Millisecond),
			geosync.WithFullSyncInterval(0),
			geosync.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		replicas[i] = demoReplica{name: name, engine: engine}
	}

	fmt.Fprintf(out, "启动 %d 个副本, lattice=%s codec=%s\n", opts.nodes, cfg.Lattice, codec.Name())

	runCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, rep := range replicas {
		rep := rep
		g.Go(func() error { return rep.engine.Run(gctx) })
	}

	expected := cfg.InitialState()
	runErr := func() error {
		for i := 0; i < opts.ops; i++ {
			for _, rep := range replicas {
				transform := randomVector(r)
				expected = expected.Add(transform)
				if _, err := rep.engine.Apply(gctx, transform, crdt.Addition); err != nil {
					return err
				}
			}
		}
		if err := waitConverged(gctx, replicas, expected, opts.timeout); err != nil {
			return err
		}

		fmt.Fprintf(out, "已收敛: %d 个副本各执行 %d 次加法\n", opts.nodes, opts.ops)
		for _, rep := range replicas {
			state, vc := rep.engine.Replica().StateAndClock()
			fmt.Fprintf(out, "  %s  clock_sum=%d  state=%s\n", rep.name, vc.Sum(), state)
		}
		return demoConsensus(gctx, out, env, replicas, ids, r, opts.timeout)
	}()

	stop()
	if err := g.Wait(); err != nil {
		return err
	}
	return runErr
}

func randomVector(r *rand.Rand) ga3.Multivector {
	round := func(v float64) float64 { return float64(int(v*100)) / 100 }
	return ga3.Vector(round(r.NormFloat64()), round(r.NormFloat64()), round(r.NormFloat64()))
}

// waitConverged 轮询直到所有副本的时钟相同且状态都接近 expected。
func waitConverged(ctx context.Context, replicas []demoReplica, expected ga3.Multivector, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if converged(replicas, expected) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w within %s", errNotConverged, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func converged(replicas []demoReplica, expected ga3.Multivector) bool {
	tol := 1e-9 * max(1, expected.Magnitude())
	_, first := replicas[0].engine.Replica().StateAndClock()
	for _, rep := range replicas {
		state, vc := rep.engine.Replica().StateAndClock()
		if !state.ApproxEqual(expected, tol) || !vc.Equal(first) {
			return false
		}
	}
	return true
}

// demoConsensus 让每个副本提出一个带小扰动的当前状态，并打印第一个副本的决议。
// 提交经由 leader 的引擎广播，随后等待所有副本同步到决议值。
func demoConsensus(ctx context.Context, out io.Writer, env *cliEnv, replicas []demoReplica, ids []uuid.UUID, r *rand.Rand, timeout time.Duration) error {
	hub := consensus.NewLocalHub()
	participants := make([]*consensus.GeometricConsensus, len(replicas))
	proposals := make([]ga3.Multivector, len(replicas))
	for i, rep := range replicas {
		participants[i] = consensus.New(ids[i], rep.engine.Replica(), hub.Join(ids[i], 4*len(replicas)), ids,
			consensus.WithThreshold(env.cfg.Consensus.Threshold),
			consensus.WithRoundTimeout(env.cfg.Consensus.RoundTimeout),
			consensus.WithLogger(env.logger.With("replica", rep.name)),
			consensus.WithApplier(rep.engine),
		)
		proposals[i] = rep.engine.Replica().State().Add(ga3.Scalar(r.NormFloat64() * 0.01))
	}

	decisions := make([]consensus.Decision, len(replicas))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range participants {
		i, p := i, p
		g.Go(func() error {
			d, err := p.RunRound(gctx, 1, proposals[i])
			decisions[i] = d
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d := decisions[0]
	fmt.Fprintf(out, "共识轮次 %d: committed=%t proposals=%d yes=%d\n", d.Round, d.Committed, d.Proposals, d.YesVotes)
	if !d.Committed {
		return nil
	}
	if err := waitConverged(ctx, replicas, d.Value, timeout); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	fmt.Fprintf(out, "  value=%s (已同步到 %d 个副本)\n", d.Value, len(replicas))
	return nil
}
