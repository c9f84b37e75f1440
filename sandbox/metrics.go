package sandbox

import (
	"context"

	"github.com/docker/docker/api/types/container"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Metrics takes a stats snapshot of the container. CPU percent is computed
// as (Δcontainer_cpu / Δsystem_cpu) × online_cpus × 100 from the engine's
// two-sample snapshot. Fields missing during transitional container states
// default to zero (or 1 online CPU) instead of failing.
func (s *Sandbox) Metrics(ctx context.Context) (*Metrics, error) {
	reader, err := s.engine.ContainerStats(ctx, s.containerID, false)
	if err != nil {
		return nil, Wrap(ErrExecFailed, err, "stats for container %s", s.name)
	}
	defer reader.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(reader.Body).Decode(&stats); err != nil {
		return nil, Wrap(ErrExecFailed, err, "decode stats for container %s", s.name)
	}

	metrics := &Metrics{}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	online := float64(stats.CPUStats.OnlineCPUs)
	if online == 0 {
		online = 1
	}
	if cpuDelta > 0 && sysDelta > 0 {
		metrics.CPUPercent = cpuDelta / sysDelta * online * 100
	}

	metrics.MemoryUsageMB = float64(stats.MemoryStats.Usage) / 1024 / 1024
	metrics.MemoryLimitMB = float64(stats.MemoryStats.Limit) / 1024 / 1024

	for _, network := range stats.Networks {
		metrics.NetworkRxBytes += network.RxBytes
		metrics.NetworkTxBytes += network.TxBytes
	}

	return metrics, nil
}
