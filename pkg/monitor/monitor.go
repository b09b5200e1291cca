// Package monitor samples host resources for heartbeats and registration:
// CPU, memory, temperature, NUMA topology and GPU inventory. GPU data comes
// from nvidia-smi's CSV query interface; machines without the binary simply
// report no GPUs.
package monitor

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// Sample is one point-in-time resource reading.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	Temperature   float64
	GPUs          []types.GPUInfo
}

// Monitor reads host and GPU state.
type Monitor struct {
	log zerolog.Logger

	// runCmd is stubbed in tests.
	runCmd func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New creates a monitor.
func New() *Monitor {
	return &Monitor{
		log: log.WithComponent("monitor"),
		runCmd: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Sample reads current utilization. Partial failures degrade to zero values
// rather than failing the heartbeat.
func (m *Monitor) Sample(ctx context.Context) *Sample {
	s := &Sample{}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			// Package temperature is the conventional headline number.
			if strings.Contains(t.SensorKey, "coretemp_package") || strings.Contains(t.SensorKey, "k10temp_tctl") {
				s.Temperature = t.Temperature
				break
			}
		}
	}
	s.GPUs = m.GPUs(ctx)
	return s
}

// Inventory reads the static machine shape reported at registration.
func (m *Monitor) Inventory(ctx context.Context) (cores int, memoryBytes int64, numa map[int][]int) {
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		cores = counts
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memoryBytes = int64(vm.Total)
	}
	numa = m.numaTopology(ctx)
	return cores, memoryBytes, numa
}

// numaTopology parses `numactl --hardware` into node → cpu list. A machine
// without numactl reports a single node holding every core.
func (m *Monitor) numaTopology(ctx context.Context) map[int][]int {
	out, err := m.runCmd(ctx, "numactl", "--hardware")
	if err != nil {
		return nil
	}
	return parseNUMA(string(out))
}

func parseNUMA(out string) map[int][]int {
	topo := make(map[int][]int)
	for _, line := range strings.Split(out, "\n") {
		// "node 0 cpus: 0 1 2 3"
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "node" || fields[2] != "cpus:" {
			continue
		}
		node, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		var cpus []int
		for _, f := range fields[3:] {
			if c, err := strconv.Atoi(f); err == nil {
				cpus = append(cpus, c)
			}
		}
		topo[node] = cpus
	}
	if len(topo) == 0 {
		return nil
	}
	return topo
}

// GPUs queries nvidia-smi for the GPU inventory. No binary or no devices
// yields an empty slice.
func (m *Monitor) GPUs(ctx context.Context) []types.GPUInfo {
	out, err := m.runCmd(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,utilization.gpu",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil
	}
	return parseGPUs(string(out))
}

func parseGPUs(out string) []types.GPUInfo {
	var gpus []types.GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		memMB, _ := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		util, _ := strconv.Atoi(strings.TrimSpace(parts[3]))
		gpus = append(gpus, types.GPUInfo{
			Index:       idx,
			Model:       strings.TrimSpace(parts[1]),
			MemoryMB:    memMB,
			Utilization: util,
		})
	}
	return gpus
}
