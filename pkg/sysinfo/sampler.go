// Package sysinfo samples host vitals (CPU, memory, SoC temperature,
// disk, uptime) from procfs and sysfs. A Sampler keeps the previous
// /proc/stat counters so CPU usage is a delta between calls, the way
// top computes it.
package sysinfo

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"efio-gateway/pkg/logger"
)

const (
	defaultTemperature = 45.0
	bytesPerGB         = 1 << 30
)

type CPUInfo struct {
	Percent float64 `json:"percent"`
	Cores   int     `json:"cores"`
}

type MemoryInfo struct {
	Percent float64 `json:"percent"`
	UsedGB  float64 `json:"used_gb"`
	TotalGB float64 `json:"total_gb"`
}

type TemperatureInfo struct {
	Celsius    float64 `json:"celsius"`
	Fahrenheit float64 `json:"fahrenheit"`
}

type DiskInfo struct {
	Percent float64 `json:"percent"`
	UsedGB  float64 `json:"used_gb"`
	TotalGB float64 `json:"total_gb"`
}

// Snapshot is one reading of the host vitals
type Snapshot struct {
	CPU         CPUInfo         `json:"cpu"`
	Memory      MemoryInfo      `json:"memory"`
	Temperature TemperatureInfo `json:"temperature"`
	Disk        DiskInfo        `json:"disk"`
	Uptime      int64           `json:"uptime_seconds"`
}

// statfs is swapped out in tests
var statfs = unix.Statfs

type Sampler struct {
	mu       sync.Mutex
	procDir  string
	thermal  string
	diskPath string

	prevTotal uint64
	prevIdle  uint64
	lastCPU   float64
}

func NewSampler() *Sampler {
	return newSamplerAt("/proc", "/sys/class/thermal/thermal_zone0/temp", "/")
}

func newSamplerAt(procDir, thermal, diskPath string) *Sampler {
	s := &Sampler{procDir: procDir, thermal: thermal, diskPath: diskPath}
	// Prime the counters so the first Snapshot already has a delta
	if total, idle, err := s.readCPUCounters(); err == nil {
		s.prevTotal, s.prevIdle = total, idle
	}
	return s
}

// Snapshot samples all vitals. Sources that cannot be read fall back to
// zero values (temperature to 45 °C, matching the board default) so the
// caller always gets a publishable reading.
func (s *Sampler) Snapshot() Snapshot {
	snap := Snapshot{
		CPU: CPUInfo{
			Percent: s.cpuPercent(),
			Cores:   runtime.NumCPU(),
		},
		Temperature: temperatureInfo(s.readTemperature()),
	}

	if mem, err := s.readMemory(); err == nil {
		snap.Memory = mem
	} else {
		logger.LogDebug("meminfo read failed: %v", err)
	}
	if disk, err := s.readDisk(); err == nil {
		snap.Disk = disk
	} else {
		logger.LogDebug("disk stat failed: %v", err)
	}
	if up, err := s.readUptime(); err == nil {
		snap.Uptime = up
	} else {
		logger.LogDebug("uptime read failed: %v", err)
	}
	return snap
}

func temperatureInfo(celsius float64) TemperatureInfo {
	return TemperatureInfo{
		Celsius:    round1(celsius),
		Fahrenheit: round1(celsius*9/5 + 32),
	}
}

// cpuPercent computes usage from the delta of the aggregate cpu line
// since the previous call
func (s *Sampler) cpuPercent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total, idle, err := s.readCPUCounters()
	if err != nil {
		logger.LogDebug("cpu stat read failed: %v", err)
		return s.lastCPU
	}

	dTotal := total - s.prevTotal
	dIdle := idle - s.prevIdle
	s.prevTotal, s.prevIdle = total, idle

	if dTotal == 0 {
		return s.lastCPU
	}
	s.lastCPU = round1(100 * float64(dTotal-dIdle) / float64(dTotal))
	return s.lastCPU
}

// readCPUCounters parses the aggregate "cpu" line of /proc/stat.
// Idle time includes iowait.
func (s *Sampler) readCPUCounters() (total, idle uint64, err error) {
	data, err := os.ReadFile(s.procDir + "/stat")
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("cpu field %d: %w", i+1, err)
			}
			total += v
			// fields: user nice system idle iowait irq softirq ...
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return total, idle, nil
	}
	return 0, 0, fmt.Errorf("no cpu line in %s/stat", s.procDir)
}

func (s *Sampler) readMemory() (MemoryInfo, error) {
	data, err := os.ReadFile(s.procDir + "/meminfo")
	if err != nil {
		return MemoryInfo{}, err
	}

	var totalKB, availKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB == 0 {
		return MemoryInfo{}, fmt.Errorf("no MemTotal in %s/meminfo", s.procDir)
	}

	usedKB := totalKB - availKB
	return MemoryInfo{
		Percent: round1(100 * float64(usedKB) / float64(totalKB)),
		UsedGB:  round2(float64(usedKB) * 1024 / bytesPerGB),
		TotalGB: round2(float64(totalKB) * 1024 / bytesPerGB),
	}, nil
}

func (s *Sampler) readTemperature() float64 {
	data, err := os.ReadFile(s.thermal)
	if err != nil {
		logger.LogDebug("temperature read failed: %v", err)
		return defaultTemperature
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		logger.LogDebug("temperature parse failed: %v", err)
		return defaultTemperature
	}
	return float64(milli) / 1000.0
}

func (s *Sampler) readDisk() (DiskInfo, error) {
	var st unix.Statfs_t
	if err := statfs(s.diskPath, &st); err != nil {
		return DiskInfo{}, err
	}

	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	avail := st.Bavail * bsize
	used := total - st.Bfree*bsize
	if used+avail == 0 {
		return DiskInfo{}, fmt.Errorf("empty filesystem stats for %s", s.diskPath)
	}
	return DiskInfo{
		Percent: round1(100 * float64(used) / float64(used+avail)),
		UsedGB:  round2(float64(used) / bytesPerGB),
		TotalGB: round2(float64(total) / bytesPerGB),
	}, nil
}

func (s *Sampler) readUptime() (int64, error) {
	data, err := os.ReadFile(s.procDir + "/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty %s/uptime", s.procDir)
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	return int64(secs), nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
