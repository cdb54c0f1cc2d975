// Package config loads the YAML configuration of a geonode process.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/lattice"
	"github.com/shinyes/geo_crdt/pkg/logging"
	"github.com/shinyes/geo_crdt/pkg/store"
	geosync "github.com/shinyes/geo_crdt/pkg/sync"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

// Node is the full configuration of one node.
type Node struct {
	// ID is the node UUID. Empty means a fresh id is generated on load.
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Lattice selects the join: "ga3" or "component".
	Lattice string `yaml:"lattice"`

	// Initial holds up to 8 coefficients in basis order
	// [s, e1, e2, e12, e3, e13, e23, e123].
	Initial []float64 `yaml:"initial"`

	Storage   StorageConfig   `yaml:"storage"`
	Network   NetworkConfig   `yaml:"network"`
	Sync      SyncConfig      `yaml:"sync"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type StorageConfig struct {
	Backend                    store.Backend `yaml:"backend"`
	Dir                        string        `yaml:"dir"`
	MaxOperationsBeforeCompact int           `yaml:"max_operations_before_compact"`
	MaxSnapshots               int           `yaml:"max_snapshots"`
}

type NetworkConfig struct {
	// Listen is the host:port of the WebSocket listener; empty disables it.
	Listen string `yaml:"listen"`
	// Peers are ws:// URLs dialed and kept connected.
	Peers            []string      `yaml:"peers"`
	Codec            string        `yaml:"codec"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type SyncConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	PeerTimeout          time.Duration `yaml:"peer_timeout"`
	FullSyncInterval     time.Duration `yaml:"full_sync_interval"`
	MaxDeltasPerResponse int           `yaml:"max_deltas_per_response"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	BufferLimit          int           `yaml:"buffer_limit"`
}

type ConsensusConfig struct {
	Threshold    float64       `yaml:"threshold"`
	RoundTimeout time.Duration `yaml:"round_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Listen serves /metrics when set.
	Listen string `yaml:"listen"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() Node {
	sd := geosync.DefaultConfig()
	st := store.DefaultConfig()
	return Node{
		Lattice: lattice.NameGA3,
		Storage: StorageConfig{
			Backend:                    store.BackendMemory,
			Dir:                        "data",
			MaxOperationsBeforeCompact: st.MaxOperationsBeforeCompact,
			MaxSnapshots:               st.MaxSnapshots,
		},
		Network: NetworkConfig{
			Codec:            "msgpack",
			WriteTimeout:     5 * time.Second,
			HandshakeTimeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			HeartbeatInterval:    sd.HeartbeatInterval,
			PeerTimeout:          sd.PeerTimeout,
			FullSyncInterval:     sd.FullSyncInterval,
			MaxDeltasPerResponse: sd.MaxDeltasPerResponse,
			RequestTimeout:       sd.RequestTimeout,
		},
		Consensus: ConsensusConfig{
			Threshold:    0.5,
			RoundTimeout: 2 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: string(logging.FormatText)},
	}
}

// Load reads and validates the file at path. An empty path yields the
// defaults.
func Load(path string) (Node, error) {
	if path == "" {
		n := Default()
		return n, n.Normalize()
	}
	f, err := os.Open(path)
	if err != nil {
		return Node{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML over the defaults, rejecting unknown keys.
func Parse(r io.Reader) (Node, error) {
	n := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&n); err != nil && !errors.Is(err, io.EOF) {
		return Node{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := n.Normalize(); err != nil {
		return Node{}, err
	}
	return n, nil
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(data []byte) (Node, error) {
	return Parse(bytes.NewReader(data))
}

// Normalize fills a missing node id and validates every field.
func (n *Node) Normalize() error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return n.Validate()
}

func (n *Node) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if _, err := uuid.Parse(n.ID); err != nil {
		bad("id %q is not a uuid", n.ID)
	}
	if _, err := lattice.ByName(n.Lattice); err != nil {
		bad("lattice %q", n.Lattice)
	}
	if len(n.Initial) > ga3.Size {
		bad("initial has %d coefficients, at most %d", len(n.Initial), ga3.Size)
	}
	if !n.Storage.Backend.Valid() {
		bad("storage.backend %q", n.Storage.Backend)
	}
	if n.Storage.Backend != store.BackendMemory && n.Storage.Dir == "" {
		bad("storage.dir is required for %s", n.Storage.Backend)
	}
	if n.Storage.MaxOperationsBeforeCompact <= 0 || n.Storage.MaxSnapshots <= 0 {
		bad("storage limits must be positive")
	}
	if _, err := geosync.CodecByName(n.Network.Codec); err != nil {
		bad("network.codec %q", n.Network.Codec)
	}
	for _, p := range n.Network.Peers {
		if !strings.HasPrefix(p, "ws://") && !strings.HasPrefix(p, "wss://") {
			bad("network.peers entry %q is not a ws:// url", p)
		}
	}
	if n.Sync.HeartbeatInterval <= 0 {
		bad("sync.heartbeat_interval must be positive")
	}
	if n.Sync.PeerTimeout <= n.Sync.HeartbeatInterval {
		bad("sync.peer_timeout %s must exceed heartbeat_interval %s", n.Sync.PeerTimeout, n.Sync.HeartbeatInterval)
	}
	if n.Sync.FullSyncInterval < 0 {
		bad("sync.full_sync_interval must not be negative")
	}
	if n.Consensus.Threshold <= 0 || n.Consensus.RoundTimeout <= 0 {
		bad("consensus threshold and round_timeout must be positive")
	}
	if _, err := logging.ParseLevel(n.Log.Level); err != nil {
		bad("log.level %q", n.Log.Level)
	}
	if f := logging.Format(n.Log.Format); f != logging.FormatText && f != logging.FormatJSON {
		bad("log.format %q", n.Log.Format)
	}
	return errors.Join(errs...)
}

// NodeID returns the parsed id. Call after Normalize.
func (n *Node) NodeID() uuid.UUID {
	return uuid.MustParse(n.ID)
}

func (n *Node) LatticeImpl() lattice.GeometricLattice {
	l, err := lattice.ByName(n.Lattice)
	if err != nil {
		return lattice.GA3Lattice{}
	}
	return l
}

func (n *Node) InitialState() ga3.Multivector {
	var m ga3.Multivector
	copy(m[:], n.Initial)
	return m
}

func (n *Node) LogOptions(w io.Writer) logging.Options {
	level, _ := logging.ParseLevel(n.Log.Level)
	return logging.Options{Level: level, Format: logging.Format(n.Log.Format), Output: w}
}

func (n *Node) StoreOptions(logger logging.Logger) []store.Option {
	return []store.Option{
		store.WithMaxOperationsBeforeCompact(n.Storage.MaxOperationsBeforeCompact),
		store.WithMaxSnapshots(n.Storage.MaxSnapshots),
		store.WithLogger(logger),
	}
}

func (n *Node) SyncOptions() []geosync.Option {
	return []geosync.Option{
		geosync.WithHeartbeatInterval(n.Sync.HeartbeatInterval),
		geosync.WithPeerTimeout(n.Sync.PeerTimeout),
		geosync.WithFullSyncInterval(n.Sync.FullSyncInterval),
		geosync.WithMaxDeltasPerResponse(n.Sync.MaxDeltasPerResponse),
		geosync.WithRequestTimeout(n.Sync.RequestTimeout),
		geosync.WithBufferLimit(n.Sync.BufferLimit),
		geosync.WithPeerInfo(geosync.PeerInfo{Name: n.Name, Address: n.Network.Listen, Lattice: n.Lattice}),
	}
}
