package main

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/shinyes/geo_crdt/pkg/crdt"
	"github.com/shinyes/geo_crdt/pkg/ga3"
	geosync "github.com/shinyes/geo_crdt/pkg/sync"
)

func operationFor(cmd string) crdt.OperationType {
	switch cmd {
	case "mul":
		return crdt.GeometricProduct
	case "exp":
		return crdt.Exponential
	default:
		return crdt.Addition
	}
}

func parseFloats(raw []string) ([]float64, error) {
	out := make([]float64, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", s)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("number %q is not finite", s)
		}
		out = append(out, v)
	}
	return out, nil
}

// parseMultivector 解析 1 到 8 个系数，缺省的高位系数为 0。
func parseMultivector(raw []string) (ga3.Multivector, error) {
	if len(raw) == 0 || len(raw) > ga3.Size {
		return ga3.Multivector{}, fmt.Errorf("need 1 to %d coefficients, got %d", ga3.Size, len(raw))
	}
	coeffs, err := parseFloats(raw)
	if err != nil {
		return ga3.Multivector{}, err
	}
	return ga3.FromSlice(coeffs), nil
}

// parseRotor 解析角度和旋转平面，平面不能为零。
func parseRotor(raw []string) (ga3.Multivector, error) {
	if len(raw) != 4 {
		return ga3.Multivector{}, fmt.Errorf("need angle and 3 plane coefficients, got %d values", len(raw))
	}
	v, err := parseFloats(raw)
	if err != nil {
		return ga3.Multivector{}, err
	}
	plane := ga3.Bivector(v[1], v[2], v[3])
	if plane.IsZero() {
		return ga3.Multivector{}, fmt.Errorf("rotation plane must be non-zero")
	}
	return ga3.Rotor(v[0], plane), nil
}

func printPeers(out io.Writer, st *geosync.SyncState) {
	ids := st.Peers()
	fmt.Fprintf(out, "peers (%d):\n", len(ids))
	for _, id := range ids {
		p, ok := st.Peer(id)
		if !ok {
			continue
		}
		rtt := "-"
		if p.HasRTT {
			rtt = p.RTT.String()
		}
		name := p.Info.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(out, "  %s  %-12s name=%s rtt=%s clock=%s\n", id, p.State, name, rtt, p.LastClock)
	}
}
