package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGPUs(t *testing.T) {
	out := `0, NVIDIA GeForce RTX 4090, 24564, 12
1, NVIDIA GeForce RTX 4090, 24564, 97
`
	gpus := parseGPUs(out)
	require.Len(t, gpus, 2)
	require.Equal(t, 0, gpus[0].Index)
	require.Equal(t, "NVIDIA GeForce RTX 4090", gpus[0].Model)
	require.Equal(t, int64(24564), gpus[0].MemoryMB)
	require.Equal(t, 97, gpus[1].Utilization)
}

func TestParseGPUsMalformed(t *testing.T) {
	require.Empty(t, parseGPUs("garbage line\n"))
	require.Empty(t, parseGPUs(""))
}

func TestParseNUMA(t *testing.T) {
	out := `available: 2 nodes (0-1)
node 0 cpus: 0 1 2 3
node 0 size: 64215 MB
node 1 cpus: 4 5 6 7
node 1 size: 64504 MB
node distances:
`
	topo := parseNUMA(out)
	require.Len(t, topo, 2)
	require.Equal(t, []int{0, 1, 2, 3}, topo[0])
	require.Equal(t, []int{4, 5, 6, 7}, topo[1])
}

func TestGPUsWithoutNvidiaSmi(t *testing.T) {
	m := New()
	m.runCmd = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("executable file not found")
	}
	require.Nil(t, m.GPUs(context.Background()))
}
