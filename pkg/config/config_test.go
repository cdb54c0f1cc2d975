package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/lattice"
	"github.com/shinyes/geo_crdt/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
id: 6f1c1d1e-5d4b-4c59-9d6a-0a7f4b8f8f01
name: alpha
lattice: component
initial: [10, 1, 0, 0, 2]
storage:
  backend: pebble
  dir: /var/lib/geonode
  max_operations_before_compact: 200
network:
  listen: 127.0.0.1:7400
  peers:
    - ws://127.0.0.1:7401/sync
  codec: json
sync:
  heartbeat_interval: 250ms
  peer_timeout: 2s
  full_sync_interval: 0s
log:
  level: debug
  format: json
metrics:
  listen: 127.0.0.1:9400
`

func TestParseSample(t *testing.T) {
	n, err := ParseBytes([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, uuid.MustParse("6f1c1d1e-5d4b-4c59-9d6a-0a7f4b8f8f01"), n.NodeID())
	assert.Equal(t, "alpha", n.Name)
	assert.Equal(t, lattice.NameComponent, n.LatticeImpl().Name())
	assert.Equal(t, ga3.Multivector{10, 1, 0, 0, 2}, n.InitialState())
	assert.Equal(t, store.BackendPebble, n.Storage.Backend)
	assert.Equal(t, 200, n.Storage.MaxOperationsBeforeCompact)
	assert.Equal(t, 10, n.Storage.MaxSnapshots, "unset fields keep defaults")
	assert.Equal(t, []string{"ws://127.0.0.1:7401/sync"}, n.Network.Peers)
	assert.Equal(t, 250*time.Millisecond, n.Sync.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, n.Sync.PeerTimeout)
	assert.Zero(t, n.Sync.FullSyncInterval)
	assert.Equal(t, 64, n.Sync.MaxDeltasPerResponse)
	assert.Equal(t, "127.0.0.1:9400", n.Metrics.Listen)
	assert.Len(t, n.SyncOptions(), 7)
	assert.Len(t, n.StoreOptions(nil), 3)
}

func TestLoadDefaultsGenerateID(t *testing.T) {
	n, err := Load("")
	require.NoError(t, err)
	_, err = uuid.Parse(n.ID)
	assert.NoError(t, err)
	assert.Equal(t, lattice.NameGA3, n.Lattice)
	assert.Equal(t, store.BackendMemory, n.Storage.Backend)
	assert.Equal(t, ga3.Zero(), n.InitialState())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	n, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", n.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEmptyDocumentIsDefaults(t *testing.T) {
	n, err := ParseBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Sync, n.Sync)
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"bad id":          "id: nope\n",
		"bad lattice":     "lattice: octonion\n",
		"bad backend":     "storage: {backend: sqlite}\n",
		"too many coeffs": "initial: [1,2,3,4,5,6,7,8,9]\n",
		"bad codec":       "network: {codec: xml}\n",
		"bad peer":        "network: {peers: [tcp://x]}\n",
		"timeout":         "sync: {heartbeat_interval: 2s, peer_timeout: 1s}\n",
		"bad level":       "log: {level: loud}\n",
		"bad format":      "log: {format: xml}\n",
		"bad threshold":   "consensus: {threshold: 0}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBytes([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	_, err := ParseBytes([]byte("heartbeat: 1s\n"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestMultipleProblemsReportedTogether(t *testing.T) {
	_, err := ParseBytes([]byte("id: x\nlattice: y\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id")
	assert.Contains(t, err.Error(), "lattice")
}
