package store

import (
	"errors"
	"time"

	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/delta"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/logging"
)

var (
	ErrClosed        = errors.New("store closed")
	ErrCorruptRecord = errors.New("corrupt record")
)

// Snapshot is a full state and clock at a point in time. IDs increase
// monotonically per store.
type Snapshot struct {
	ID        uint64            `json:"id" msgpack:"id"`
	State     ga3.Multivector   `json:"state" msgpack:"state"`
	Clock     clock.VectorClock `json:"clock" msgpack:"clock"`
	CreatedAt time.Time         `json:"created_at" msgpack:"created_at"`
}

// GeometricStore 是两级持久化：周期性快照加上自最近一次快照以来的增量日志。
// 任何时刻的状态都必须能由“快照 + 日志”重建。
type GeometricStore interface {
	// SaveSnapshot 把 (state, clock) 设为当前状态并立即压缩。
	SaveSnapshot(state ga3.Multivector, vc clock.VectorClock) (Snapshot, error)

	// LatestSnapshot 返回最新的有效快照；没有快照时 ok 为 false。
	LatestSnapshot() (s Snapshot, ok bool, err error)

	// Snapshots 按 ID 升序返回保留的有效快照。
	Snapshots() ([]Snapshot, error)

	// AppendOperation 把增量应用到跟踪的当前状态并追加到日志，
	// 日志超过 MaxOperationsBeforeCompact 时自动压缩。
	AppendOperation(d delta.StateDelta) error

	// Operations 按追加顺序返回日志中的增量。
	Operations() ([]delta.StateDelta, error)

	// OperationsSince 返回 since 尚未覆盖的增量。complete 为 false 表示
	// 所需增量已被压缩进快照，调用方需要改发完整状态。
	OperationsSince(since clock.VectorClock) (ops []delta.StateDelta, complete bool, err error)

	// Compact 基于当前状态创建快照、清空日志并裁剪多余快照。
	Compact() (Snapshot, error)

	// Current 返回跟踪的当前状态与时钟。
	Current() (ga3.Multivector, clock.VectorClock)

	// Len 返回日志中的增量数量。
	Len() int

	Close() error
}

// Config 控制快照与压缩策略。
type Config struct {
	MaxOperationsBeforeCompact int
	MaxSnapshots               int
	Logger                     logging.Logger
}

// Option 用于修改 Config。
type Option func(*Config)

func WithMaxOperationsBeforeCompact(n int) Option {
	return func(c *Config) {
		c.MaxOperationsBeforeCompact = n
	}
}

func WithMaxSnapshots(n int) Option {
	return func(c *Config) {
		c.MaxSnapshots = n
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
		MaxOperationsBeforeCompact: 1000,
		MaxSnapshots:               10,
		Logger:                     logging.Nop(),
	}
}

func buildConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxOperationsBeforeCompact <= 0 {
		cfg.MaxOperationsBeforeCompact = DefaultConfig().MaxOperationsBeforeCompact
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return cfg
}

// unseen filters ops down to those since has not observed.
func unseen(ops []delta.StateDelta, since clock.VectorClock) []delta.StateDelta {
	var out []delta.StateDelta
	for _, d := range ops {
		if !d.IsSeenBy(since) {
			out = append(out, d)
		}
	}
	return out
}
