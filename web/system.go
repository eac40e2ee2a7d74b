package web

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const bytesPerGB = 1 << 30

// SystemStats is the host load pushed to the UI.
type SystemStats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedGB  float64   `json:"memory_used"`
	MemoryTotalGB float64   `json:"memory_total"`
	TemperatureC  *float64  `json:"temperature,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// StatsFunc samples the host.
type StatsFunc func(ctx context.Context) (SystemStats, error)

// HostStats samples CPU and memory usage, and the SoC temperature where the platform reports one.
func HostStats(ctx context.Context) (SystemStats, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return SystemStats{}, errors.Wrap(err, "reading cpu usage")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemStats{}, errors.Wrap(err, "reading memory usage")
	}
	st := SystemStats{
		MemoryPercent: vm.UsedPercent,
		MemoryUsedGB:  float64(vm.Used) / bytesPerGB,
		MemoryTotalGB: float64(vm.Total) / bytesPerGB,
		Timestamp:     time.Now(),
	}
	if len(percents) > 0 {
		st.CPUPercent = percents[0]
	}
	st.TemperatureC = socTemperature(ctx)
	return st, nil
}

// socTemperature is best effort; most dev machines and containers report nothing.
func socTemperature(ctx context.Context) *float64 {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		return nil
	}
	var hottest *float64
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if !strings.Contains(key, "cpu") && !strings.Contains(key, "soc") && !strings.Contains(key, "core") {
			continue
		}
		if hottest == nil || t.Temperature > *hottest {
			v := t.Temperature
			hottest = &v
		}
	}
	return hottest
}
