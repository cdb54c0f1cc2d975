package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shinyes/geo_crdt/pkg/config"
	"github.com/shinyes/geo_crdt/pkg/crdt"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/store"
	geosync "github.com/shinyes/geo_crdt/pkg/sync"
	"github.com/shinyes/geo_crdt/pkg/transport/wsnet"
)

type app struct {
	engine *geosync.Engine
	store  store.GeometricStore
	out    io.Writer
}

func printBanner(a *app, cfg config.Node) {
	fmt.Fprintln(a.out, "geonode 交互命令行")
	fmt.Fprintf(a.out, "节点 ID:   %s\n", a.engine.LocalID())
	if cfg.Name != "" {
		fmt.Fprintf(a.out, "节点名称:  %s\n", cfg.Name)
	}
	fmt.Fprintf(a.out, "格:        %s\n", a.engine.Replica().Lattice().Name())
	if cfg.Network.Listen != "" {
		fmt.Fprintf(a.out, "监听地址:  ws://%s%s\n", cfg.Network.Listen, wsnet.Path)
	}
	fmt.Fprintf(a.out, "存储:      %s\n", cfg.Storage.Backend)
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "\n命令：")
	fmt.Fprintln(out, "  help")
	fmt.Fprintln(out, "  add <c0> [c1 ... c7]        状态加上给定多重向量")
	fmt.Fprintln(out, "  mul <c0> [c1 ... c7]        状态右乘给定多重向量")
	fmt.Fprintln(out, "  exp <c0> [c1 ... c7]        状态左乘 exp(给定多重向量)")
	fmt.Fprintln(out, "  rot <angle> <e12> <e13> <e23>  用转子对状态做夹心变换")
	fmt.Fprintln(out, "  state")
	fmt.Fprintln(out, "  clock")
	fmt.Fprintln(out, "  peers")
	fmt.Fprintln(out, "  stats")
	fmt.Fprintln(out, "  snapshot")
	fmt.Fprintln(out, "  verify")
	fmt.Fprintln(out, "  quit")
	fmt.Fprintln(out, "\n系数顺序: s e1 e2 e12 e3 e13 e23 e123")
	fmt.Fprintln(out, "\n快速开始（两个终端）：")
	fmt.Fprintln(out, "  1) geonode run --listen 127.0.0.1:7400")
	fmt.Fprintln(out, "  2) geonode run --listen 127.0.0.1:7401 --peer ws://127.0.0.1:7400/sync")
}

func handleCommand(ctx context.Context, a *app, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}

	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "help":
		printHelp(a.out)
		return false, nil

	case "add", "mul", "exp":
		transform, err := parseMultivector(parts[1:])
		if err != nil {
			return false, fmt.Errorf("用法: %s <c0> [c1 ... c7]: %w", cmd, err)
		}
		return false, a.apply(ctx, transform, operationFor(cmd))

	case "rot":
		rotor, err := parseRotor(parts[1:])
		if err != nil {
			return false, fmt.Errorf("用法: rot <angle> <e12> <e13> <e23>: %w", err)
		}
		return false, a.apply(ctx, rotor, crdt.Sandwich)

	case "state":
		fmt.Fprintln(a.out, a.engine.Replica().State())
		return false, nil

	case "clock":
		fmt.Fprintln(a.out, a.engine.Replica().Clock())
		return false, nil

	case "peers":
		printPeers(a.out, a.engine.SyncState())
		return false, nil

	case "stats":
		snaps, err := a.store.Snapshots()
		if err != nil {
			return false, err
		}
		fmt.Fprintf(a.out, "log=%d snapshots=%d pending=%d active_peers=%d\n",
			a.store.Len(),
			len(snaps),
			a.engine.Pending(),
			len(a.engine.SyncState().ActivePeers()),
		)
		return false, nil

	case "snapshot":
		state, vc := a.engine.Replica().StateAndClock()
		snap, err := a.store.SaveSnapshot(state, vc)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(a.out, "快照 #%d 已保存\n", snap.ID)
		return false, nil

	case "verify":
		if err := a.engine.Replica().Verify(); err != nil {
			return false, err
		}
		fmt.Fprintln(a.out, "ok")
		return false, nil

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("未知命令: %s", cmd)
	}
}

func (a *app) apply(ctx context.Context, transform ga3.Multivector, typ crdt.OperationType) error {
	d, err := a.engine.Apply(ctx, transform, typ)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s #%d -> %s\n", typ, d.Sequence(), a.engine.Replica().State())
	return nil
}
