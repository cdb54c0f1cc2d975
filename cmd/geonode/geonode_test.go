package main

import (
	"bytes"
	"context"
	"io"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/crdt"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	"github.com/shinyes/geo_crdt/pkg/store"
	geosync "github.com/shinyes/geo_crdt/pkg/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.Execute()
	return out.String(), err
}

func TestParseMultivector(t *testing.T) {
	m, err := parseMultivector([]string{"1", "2.5", "-3"})
	require.NoError(t, err)
	assert.Equal(t, ga3.FromSlice([]float64{1, 2.5, -3}), m)

	for _, raw := range [][]string{
		nil,
		{"1", "2", "3", "4", "5", "6", "7", "8", "9"},
		{"x"},
		{"NaN"},
		{"+Inf"},
	} {
		_, err := parseMultivector(raw)
		assert.Error(t, err, "input %v", raw)
	}
}

func TestParseRotor(t *testing.T) {
	r, err := parseRotor([]string{"1.5707963267948966", "1", "0", "0"})
	require.NoError(t, err)
	assert.Equal(t, ga3.Rotor(math.Pi/2, ga3.Bivector(1, 0, 0)), r)

	_, err = parseRotor([]string{"1", "0", "0", "0"})
	assert.Error(t, err, "zero plane")
	_, err = parseRotor([]string{"1", "1"})
	assert.Error(t, err)
}

func TestOperationFor(t *testing.T) {
	assert.Equal(t, crdt.Addition, operationFor("add"))
	assert.Equal(t, crdt.GeometricProduct, operationFor("mul"))
	assert.Equal(t, crdt.Exponential, operationFor("exp"))
}

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	st := store.NewMemoryStore()
	replica := crdt.New(uuid.New(), ga3.Scalar(1))
	engine, err := geosync.NewEngine(replica, nil, geosync.WithStore(st))
	require.NoError(t, err)
	var out bytes.Buffer
	return &app{engine: engine, store: st, out: &out}, &out
}

func TestHandleCommand(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	quit, err := handleCommand(ctx, a, "add 1 2")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Equal(t, ga3.FromSlice([]float64{2, 2}), a.engine.Replica().State())
	assert.Equal(t, 1, a.store.Len())

	_, err = handleCommand(ctx, a, "mul 2")
	require.NoError(t, err)
	assert.Equal(t, ga3.FromSlice([]float64{4, 4}), a.engine.Replica().State())

	_, err = handleCommand(ctx, a, "rot 0.5 0 0 1")
	require.NoError(t, err)
	assert.Equal(t, 3, a.store.Len())

	out.Reset()
	_, err = handleCommand(ctx, a, "state")
	require.NoError(t, err)
	assert.Equal(t, a.engine.Replica().State().String()+"\n", out.String())

	out.Reset()
	_, err = handleCommand(ctx, a, "stats")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "log=3 snapshots=1 pending=0")

	out.Reset()
	_, err = handleCommand(ctx, a, "snapshot")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "快照 #1")
	assert.Zero(t, a.store.Len())

	_, err = handleCommand(ctx, a, "verify")
	require.NoError(t, err)
	_, err = handleCommand(ctx, a, "peers")
	require.NoError(t, err)

	_, err = handleCommand(ctx, a, "add")
	assert.Error(t, err)
	_, err = handleCommand(ctx, a, "frobnicate")
	assert.Error(t, err)

	quit, err = handleCommand(ctx, a, "QUIT")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestRepl(t *testing.T) {
	a, out := newTestApp(t)
	in := strings.NewReader("add 3\n\nbogus\nquit\nadd 100\n")
	require.NoError(t, repl(context.Background(), a, in))

	assert.Equal(t, ga3.Scalar(4), a.engine.Replica().State(), "commands after quit are not run")
	assert.Contains(t, out.String(), "错误: 未知命令: bogus")
}

func TestDemoCommand(t *testing.T) {
	out, err := execute(t, "demo", "--nodes", "3", "--ops", "5", "--seed", "7", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "已收敛: 3 个副本各执行 5 次加法")
	assert.Contains(t, out, "committed=true proposals=3 yes=3")
	assert.Contains(t, out, "已同步到 3 个副本")
}

func TestDemoCommand_RejectsSingleNode(t *testing.T) {
	_, err := execute(t, "demo", "--nodes", "1")
	assert.Error(t, err)
}

func TestRecoverCommand(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(store.BackendPebble, dir)
	require.NoError(t, err)

	replica := crdt.New(uuid.New(), ga3.Scalar(2))
	_, err = st.SaveSnapshot(replica.StateAndClock())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		d, ok := replica.ApplyOperation(replica.CreateOperation(ga3.Scalar(1), crdt.Addition))
		require.True(t, ok)
		require.NoError(t, st.AppendOperation(d))
	}
	require.NoError(t, st.Close())

	out, err := execute(t, "recover", "--backend", "pebble", "--dir", dir, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "snapshot:   #0 (retained 1)")
	assert.Contains(t, out, "replayed:   3 of 3 logged operations")
	assert.Contains(t, out, "state:      "+ga3.Scalar(5).String())
}

func TestRecoverCommand_EmptyStore(t *testing.T) {
	out, err := execute(t, "recover", "--backend", "badger", "--dir", filepath.Join(t.TempDir(), "empty"))
	require.NoError(t, err)
	assert.Contains(t, out, "存储中没有快照")
}

func TestRecoverCommand_RejectsMemoryBackend(t *testing.T) {
	_, err := execute(t, "recover")
	assert.Error(t, err)
}

func TestRootCmd_MissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "recover")
	assert.Error(t, err)
}

func TestRootCmd_InvalidLogLevel(t *testing.T) {
	_, err := execute(t, "demo", "--log-level", "loud")
	assert.Error(t, err)
}
