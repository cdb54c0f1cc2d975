package sync

import (
	"time"

	"github.com/shinyes/geo_crdt/pkg/clock"
	"github.com/shinyes/geo_crdt/pkg/logging"
	"github.com/shinyes/geo_crdt/pkg/store"
)

// ConnectionState 表示对端连接状态。
type ConnectionState int

const (
	StateDiscovered   ConnectionState = iota // 已发现，尚未交换数据。
	StateSyncing                             // 正在交换增量或全量状态。
	StateSynced                              // 最近一次交换已被确认。
	StateDisconnected                        // 超时未见。
	StateGone                                // 对端已发送 Goodbye。
)

// String 返回可读状态字符串。
func (s ConnectionState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateDisconnected:
		return "disconnected"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Active reports whether the peer is in Discovered, Syncing or Synced.
func (s ConnectionState) Active() bool {
	return s == StateDiscovered || s == StateSyncing || s == StateSynced
}

// PeerState 保存单个对端的运行时信息。
type PeerState struct {
	Info        PeerInfo             // 对端描述，收到 Hello 后填充。
	LastClock   clock.VectorClock    // 对端最近一次声明的时钟。
	State       ConnectionState      // 连接状态。
	LastSeen    time.Time            // 最近一次收到消息的时间，零值表示从未。
	PendingAcks map[uint64]time.Time // 等待确认的消息 ID -> 发送时间。
	RTT         time.Duration        // 平滑后的往返时间。
	HasRTT      bool                 // RTT 是否已有样本。
}

func (p *PeerState) clone() PeerState {
	out := *p
	out.LastClock = p.LastClock.Clone()
	out.PendingAcks = make(map[uint64]time.Time, len(p.PendingAcks))
	for k, v := range p.PendingAcks {
		out.PendingAcks[k] = v
	}
	return out
}

// Config 控制同步子系统参数。
type Config struct {
	HeartbeatInterval    time.Duration // 心跳发送间隔。
	PeerTimeout          time.Duration // 判定离线超时阈值。
	FullSyncInterval     time.Duration // 全量反熵间隔，0 表示关闭。
	MaxDeltasPerResponse int           // 单个 DeltaResponse 的增量上限。
	RequestTimeout       time.Duration // 两次 DeltaRequest 之间的最小间隔。
	BufferLimit          int           // 乱序增量缓冲上限。
	MailboxSize          int           // 入站消息队列长度。
	Info                 PeerInfo      // 本节点在 Hello 中的描述。
	Logger               logging.Logger
	Metrics              *Metrics
	Store                store.GeometricStore
}

// Option 用于修改 Config。
type Option func(*Config)

// WithHeartbeatInterval 设置心跳间隔。
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithPeerTimeout 设置节点超时阈值。
func WithPeerTimeout(d time.Duration) Option {
	return func(c *Config) { c.PeerTimeout = d }
}

// WithFullSyncInterval 设置全量反熵间隔。
func WithFullSyncInterval(d time.Duration) Option {
	return func(c *Config) { c.FullSyncInterval = d }
}

// WithMaxDeltasPerResponse 设置分页大小。
func WithMaxDeltasPerResponse(n int) Option {
	return func(c *Config) { c.MaxDeltasPerResponse = n }
}

// WithRequestTimeout 设置 DeltaRequest 的重发间隔。
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithBufferLimit 设置乱序缓冲上限。
func WithBufferLimit(n int) Option {
	return func(c *Config) { c.BufferLimit = n }
}

// WithMailboxSize 设置入站队列长度。
func WithMailboxSize(n int) Option {
	return func(c *Config) { c.MailboxSize = n }
}

// WithPeerInfo 设置本节点描述。ID 总是由副本决定。
func WithPeerInfo(info PeerInfo) Option {
	return func(c *Config) { c.Info = info }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithStore 让引擎把增量和快照持久化到 s。
func WithStore(s store.GeometricStore) Option {
	return func(c *Config) { c.Store = s }
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    time.Second,
		PeerTimeout:          5 * time.Second,
		FullSyncInterval:     30 * time.Second,
		MaxDeltasPerResponse: 64,
		RequestTimeout:       2 * time.Second,
		MailboxSize:          256,
		Logger:               logging.Nop(),
	}
}

func buildConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 5 * cfg.HeartbeatInterval
	}
	if cfg.MaxDeltasPerResponse <= 0 {
		cfg.MaxDeltasPerResponse = 64
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return cfg
}
