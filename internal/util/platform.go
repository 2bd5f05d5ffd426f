package util

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo holds information about the host running the tracker.
type SystemInfo struct {
	Hostname     string  `json:"hostname"`
	OS           string  `json:"os"`
	Architecture string  `json:"architecture"`
	CPUModel     string  `json:"cpu_model"`
	CPUCores     int     `json:"cpu_cores"`
	TotalMemory  uint64  `json:"total_memory_mb"`
	MemoryUsed   float64 `json:"memory_used_percent"`
	Uptime       uint64  `json:"host_uptime_sec"`
}

// GetSystemInfo gathers system information. Fields that cannot be read
// are left zero.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		info.Uptime = hostInfo.Uptime
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
		info.MemoryUsed = memInfo.UsedPercent
	}

	return info
}

// ProcessInfo describes the running tracker process.
type ProcessInfo struct {
	StartedAt  time.Time `json:"started_at"`
	Goroutines int       `json:"goroutines"`
	HeapMB     uint64    `json:"heap_mb"`
	GoVersion  string    `json:"go_version"`
}

var processStart = time.Now()

// GetProcessInfo returns runtime statistics for this process.
func GetProcessInfo() ProcessInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return ProcessInfo{
		StartedAt:  processStart,
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     ms.HeapAlloc / (1024 * 1024),
		GoVersion:  runtime.Version(),
	}
}
