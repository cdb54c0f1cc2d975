package main

import (
	"fmt"
	"time"

	"github.com/shinyes/geo_crdt/pkg/config"
	"github.com/shinyes/geo_crdt/pkg/logging"
	"github.com/shinyes/geo_crdt/pkg/store"
	"github.com/spf13/cobra"
)

// cliEnv 是命令之间共享的已加载配置和日志器。
type cliEnv struct {
	configPath string
	logLevel   string

	cfg    config.Node
	logger logging.Logger
}

func newRootCmd() *cobra.Command {
	env := &cliEnv{}

	root := &cobra.Command{
		Use:           "geonode",
		Short:         "Geometric-algebra CRDT replica",
		Long:          "geonode runs a replica of a multivector CRDT and keeps it in sync with its peers over WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&env.configPath, "config", "c", "", "YAML 配置文件路径（为空时使用默认配置）")
	root.PersistentFlags().StringVar(&env.logLevel, "log-level", "", "覆盖配置中的日志级别 (debug, info, warn, error)")

	root.AddCommand(newRunCmd(env))
	root.AddCommand(newDemoCmd(env))
	root.AddCommand(newRecoverCmd(env))
	return root
}

func (env *cliEnv) load(cmd *cobra.Command) error {
	cfg, err := config.Load(env.configPath)
	if err != nil {
		return err
	}
	if env.logLevel != "" {
		cfg.Log.Level = env.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	env.cfg = cfg
	env.logger = logging.New(cfg.LogOptions(cmd.ErrOrStderr()))
	return nil
}

func newRunCmd(env *cliEnv) *cobra.Command {
	var (
		listen      string
		peers       []string
		noREPL      bool
		statusEvery time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a replica node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				env.cfg.Network.Listen = listen
			}
			if len(peers) > 0 {
				env.cfg.Network.Peers = append(env.cfg.Network.Peers, peers...)
			}
			if err := env.cfg.Validate(); err != nil {
				return err
			}
			return runNode(cmd, env, runOptions{repl: !noREPL, statusEvery: statusEvery})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "WebSocket 监听地址，例如 127.0.0.1:7400")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "要连接的对端 URL，例如 ws://127.0.0.1:7401/sync（可重复）")
	cmd.Flags().BoolVar(&noREPL, "no-repl", false, "不启动交互命令行，只周期性输出状态")
	cmd.Flags().DurationVar(&statusEvery, "status-interval", 10*time.Second, "周期性状态日志的间隔，0 表示关闭")
	return cmd
}

func newDemoCmd(env *cliEnv) *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Converge several in-memory replicas and run one consensus round",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.nodes < 2 {
				return fmt.Errorf("--nodes must be at least 2")
			}
			if opts.ops < 0 {
				return fmt.Errorf("--ops must be >= 0")
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), env, opts)
		},
	}
	cmd.Flags().IntVar(&opts.nodes, "nodes", 3, "副本数量")
	cmd.Flags().IntVar(&opts.ops, "ops", 20, "每个副本执行的随机操作数")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "随机种子")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "等待收敛的最长时间")
	return cmd
}

func newRecoverCmd(env *cliEnv) *cobra.Command {
	var (
		backend string
		dir     string
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Load a durable store and print the recovered state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if backend != "" {
				env.cfg.Storage.Backend = store.Backend(backend)
			}
			if dir != "" {
				env.cfg.Storage.Dir = dir
			}
			if env.cfg.Storage.Backend == store.BackendMemory {
				return fmt.Errorf("recover needs a durable backend (badger or pebble)")
			}
			if err := env.cfg.Validate(); err != nil {
				return err
			}
			return runRecover(cmd.OutOrStdout(), env)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "存储后端: badger 或 pebble（覆盖配置）")
	cmd.Flags().StringVar(&dir, "dir", "", "数据目录（覆盖配置）")
	return cmd
}
