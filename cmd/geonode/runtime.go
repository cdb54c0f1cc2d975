package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shinyes/geo_crdt/pkg/crdt"
	"github.com/shinyes/geo_crdt/pkg/logging"
	"github.com/shinyes/geo_crdt/pkg/store"
	geosync "github.com/shinyes/geo_crdt/pkg/sync"
	"github.com/shinyes/geo_crdt/pkg/transport/wsnet"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	repl        bool
	statusEvery time.Duration
}

// node 持有一个运行中副本的全部组件。
type node struct {
	store    store.GeometricStore
	net      *wsnet.Network
	engine   *geosync.Engine
	registry *prometheus.Registry
	logger   logging.Logger
}

// openNode 打开存储、恢复副本并创建传输层与同步引擎。
func openNode(env *cliEnv) (*node, error) {
	cfg := env.cfg
	logger := env.logger.With("node", cfg.ID)

	st, err := store.Open(cfg.Storage.Backend, cfg.Storage.Dir, cfg.StoreOptions(logger)...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	replica, rec, err := geosync.RecoverReplica(cfg.NodeID(), cfg.InitialState(), st, crdt.WithLattice(cfg.LatticeImpl()))
	if err != nil {
		st.Close()
		return nil, err
	}
	logger.Info("replica ready", "backend", cfg.Storage.Backend, "snapshot", rec.SnapshotID, "replayed", rec.OperationsReplayed, "clock", replica.Clock())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := geosync.NewMetrics(reg)

	codec, err := geosync.CodecByName(cfg.Network.Codec)
	if err != nil {
		st.Close()
		return nil, err
	}
	network := wsnet.New(cfg.NodeID(),
		wsnet.WithCodec(codec),
		wsnet.WithWriteTimeout(cfg.Network.WriteTimeout),
		wsnet.WithHandshakeTimeout(cfg.Network.HandshakeTimeout),
		wsnet.WithLogger(logger),
		wsnet.WithDecodeErrorHook(metrics.DecodeError),
	)

	opts := append(cfg.SyncOptions(),
		geosync.WithStore(st),
		geosync.WithMetrics(metrics),
		geosync.WithLogger(logger),
	)
	engine, err := geosync.NewEngine(replica, network, opts...)
	if err != nil {
		network.Close()
		st.Close()
		return nil, err
	}

	return &node{store: st, net: network, engine: engine, registry: reg, logger: logger}, nil
}

func (n *node) close() {
	if err := n.net.Close(); err != nil {
		n.logger.Warn("close network", "error", err)
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("close store", "error", err)
	}
}

func runNode(cmd *cobra.Command, env *cliEnv, opts runOptions) error {
	n, err := openNode(env)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := env.cfg
	if cfg.Network.Listen != "" {
		addr, err := n.net.Listen(cfg.Network.Listen)
		if err != nil {
			return err
		}
		n.logger.Info("listening", "addr", addr.String(), "path", wsnet.Path)
	}
	for _, peer := range cfg.Network.Peers {
		n.net.Connect(ctx, peer)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.engine.Run(gctx) })
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Listen, n.registry, n.logger) })
	}
	if opts.statusEvery > 0 {
		g.Go(func() error { return logStatus(gctx, n, opts.statusEvery) })
	}

	if opts.repl {
		out := cmd.OutOrStdout()
		a := &app{engine: n.engine, store: n.store, out: out}
		printBanner(a, cfg)
		printHelp(out)
		// 标准输入的读取无法取消，REPL 不放进 errgroup，退出时取消上下文。
		go func() {
			if err := repl(gctx, a, cmd.InOrStdin()); err != nil {
				n.logger.Warn("repl", "error", err)
			}
			stop()
		}()
	}

	return g.Wait()
}

func repl(ctx context.Context, a *app, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(a.out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := handleCommand(ctx, a, line)
		if err != nil {
			fmt.Fprintf(a.out, "错误: %v\n", err)
		}
		if quit {
			break
		}
	}
	return scanner.Err()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("serving metrics", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func logStatus(ctx context.Context, n *node, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			state, vc := n.engine.Replica().StateAndClock()
			n.logger.Info("replica status",
				"state", state,
				"clock", vc,
				"peers", len(n.engine.SyncState().ActivePeers()),
				"log", n.store.Len(),
				"pending", n.engine.Pending(),
			)
		}
	}
}
