package metrics

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	backendCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "cpu_percent",
			Help:      "CPU usage of the backend process since the previous successful health check.",
		},
	)
	backendRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the backend process.",
		},
	)
	backendThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "threads",
			Help:      "Thread count of the backend process.",
		},
	)
)

// ProcessSample is one resource snapshot of the backend.
type ProcessSample struct {
	PID        int32
	CPUPercent float64
	MemoryRSS  uint64
	NumThreads int32
}

// ProcessSampler samples one backend process. CPU usage is measured between
// consecutive Sample calls, so one sampler must live as long as the process it
// watches. It is not safe for concurrent use.
type ProcessSampler struct {
	pid  int32
	proc *process.Process
}

// NewProcessSampler attaches a sampler to pid.
func NewProcessSampler(pid int) (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	return &ProcessSampler{pid: int32(pid), proc: proc}, nil
}

// Sample reads CPU, RSS and thread count and publishes them as gauges. The
// first call only establishes the CPU baseline and reports 0%.
func (ps *ProcessSampler) Sample() (ProcessSample, error) {
	s := ProcessSample{PID: ps.pid}
	memInfo, err := ps.proc.MemoryInfo()
	if err != nil {
		return s, fmt.Errorf("failed to get memory info: %w", err)
	}
	s.MemoryRSS = memInfo.RSS
	if cpu, err := ps.proc.Percent(0); err == nil {
		s.CPUPercent = cpu
	} else {
		slog.Debug("Failed to get CPU percent", "pid", ps.pid, "error", err)
	}
	if n, err := ps.proc.NumThreads(); err == nil {
		s.NumThreads = n
	}

	if regOK.Load() {
		backendCPU.Set(s.CPUPercent)
		backendRSS.Set(float64(s.MemoryRSS))
		backendThreads.Set(float64(s.NumThreads))
	}
	return s, nil
}
