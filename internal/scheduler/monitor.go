package scheduler

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/radiowatch/radiowatch/internal/logger"
)

// systemMonitor samples host CPU and memory pressure so the dispatcher
// can hold new polls back when the machine is saturated. Samples are
// cached briefly; polling dozens of stations must not itself become the
// load source.
type systemMonitor struct {
	cpuThreshold float64
	memThreshold float64

	mu        sync.Mutex
	lastCheck time.Time
	lastBusy  bool
}

const monitorCacheWindow = 5 * time.Second

func newSystemMonitor(cpuThreshold, memThreshold float64) *systemMonitor {
	return &systemMonitor{
		cpuThreshold: cpuThreshold,
		memThreshold: memThreshold,
	}
}

// overloaded reports whether dispatch should pause this cycle.
func (m *systemMonitor) overloaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < monitorCacheWindow {
		return m.lastBusy
	}
	m.lastCheck = time.Now()
	m.lastBusy = m.sample()
	return m.lastBusy
}

func (m *systemMonitor) sample() bool {
	percents, err := cpu.Percent(0, false)
	if err == nil && len(percents) > 0 && percents[0] > m.cpuThreshold {
		logger.Warn("cpu pressure, throttling station polls", "cpu", percents[0], "threshold", m.cpuThreshold)
		return true
	}

	vm, err := mem.VirtualMemory()
	if err == nil && vm.UsedPercent > m.memThreshold {
		logger.Warn("memory pressure, throttling station polls", "memory", vm.UsedPercent, "threshold", m.memThreshold)
		return true
	}
	return false
}
