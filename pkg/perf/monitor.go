package perf

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxenergy/channelcore/internal/metrics"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// Level is the derived system performance level
type Level int

const (
	LevelNormal Level = iota
	LevelElevated
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelElevated:
		return "elevated"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Listener receives performance events. Callbacks are synchronous on
// the monitoring goroutine and must not block significantly.
type Listener interface {
	OnPerformanceLevelChanged(old, new Level)
	OnThresholdExceeded(metric string, value, threshold float64)
}

// Config configures the performance monitor
type Config struct {
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`
	CPUWarnPercent     float64       `yaml:"cpu_warn_percent"`
	CPUCriticalPercent float64       `yaml:"cpu_critical_percent"`
	MemWarnPercent     float64       `yaml:"mem_warn_percent"`
	MemCriticalPercent float64       `yaml:"mem_critical_percent"`
	AlertCooldown      time.Duration `yaml:"alert_cooldown"`
}

// Stats is a point-in-time snapshot of the monitor's readings
type Stats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemPercent       float64 `json:"mem_percent"`
	ProcessRSS       int64   `json:"process_rss_bytes"`
	Goroutines       int64   `json:"goroutines"`
	Level            string  `json:"level"`
	LastCheck        int64   `json:"last_check_timestamp"`
	MonitoringUptime int64   `json:"monitoring_uptime_seconds"`
}

// Monitor samples process and system load via gopsutil and derives a
// performance level fed to the attached listener.
type Monitor struct {
	config Config
	logger *logrus.Logger

	// Current readings
	currentCPU atomic.Value // float64
	level      atomic.Int32

	// Alert cooldown tracking
	alerts      map[string]time.Time
	alertsMutex sync.Mutex

	// Statistics
	stats      Stats
	statsMutex sync.RWMutex

	listener Listener
	proc     *process.Process

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.Mutex
}

// NewMonitor creates a performance monitor
func NewMonitor(config Config, logger *logrus.Logger) *Monitor {
	if config.MonitoringInterval <= 0 {
		config.MonitoringInterval = 10 * time.Second
	}
	if config.CPUWarnPercent <= 0 {
		config.CPUWarnPercent = 75
	}
	if config.CPUCriticalPercent <= 0 {
		config.CPUCriticalPercent = 90
	}
	if config.MemWarnPercent <= 0 {
		config.MemWarnPercent = 80
	}
	if config.MemCriticalPercent <= 0 {
		config.MemCriticalPercent = 95
	}
	if config.AlertCooldown <= 0 {
		config.AlertCooldown = 1 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Monitor{
		config: config,
		logger: logger,
		alerts: make(map[string]time.Time),
		ctx:    ctx,
		cancel: cancel,
	}
	m.currentCPU.Store(float64(0))
	return m
}

// SetListener attaches the event listener. Must be called before Start.
func (m *Monitor) SetListener(l Listener) {
	m.listener = l
}

// Start starts the monitoring loop
func (m *Monitor) Start() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.isRunning {
		return fmt.Errorf("performance monitor already running")
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("attaching to own process: %w", err)
	}
	m.proc = proc

	m.wg.Add(1)
	go m.monitoringLoop()

	m.isRunning = true
	m.logger.WithField("monitoring_interval", m.config.MonitoringInterval).Info("Performance monitor started")
	return nil
}

// Stop stops the monitoring loop
func (m *Monitor) Stop() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.isRunning {
		return nil
	}

	m.cancel()
	m.wg.Wait()
	m.isRunning = false
	m.logger.Info("Performance monitor stopped")
	return nil
}

// Level returns the last derived performance level
func (m *Monitor) Level() Level {
	return Level(m.level.Load())
}

// GetStats returns a snapshot of the monitor's readings
func (m *Monitor) GetStats() Stats {
	m.statsMutex.RLock()
	defer m.statsMutex.RUnlock()
	return m.stats
}

// monitoringLoop is the monitor's single background worker
func (m *Monitor) monitoringLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.MonitoringInterval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ticker.C:
			m.performCheck()

			m.statsMutex.Lock()
			m.stats.MonitoringUptime = int64(time.Since(startTime).Seconds())
			m.statsMutex.Unlock()

		case <-m.ctx.Done():
			return
		}
	}
}

// performCheck samples the system and process, updates stats and
// metrics, and escalates the performance level if needed.
func (m *Monitor) performCheck() {
	now := time.Now()

	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var memPercent float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}

	var rss int64
	if m.proc != nil {
		if info, err := m.proc.MemoryInfo(); err == nil && info != nil {
			rss = int64(info.RSS)
		}
	}

	goroutines := int64(runtime.NumGoroutine())

	m.currentCPU.Store(cpuPercent)

	newLevel := m.deriveLevel(cpuPercent, memPercent)
	oldLevel := Level(m.level.Swap(int32(newLevel)))

	m.statsMutex.Lock()
	m.stats.CPUPercent = cpuPercent
	m.stats.MemPercent = memPercent
	m.stats.ProcessRSS = rss
	m.stats.Goroutines = goroutines
	m.stats.Level = newLevel.String()
	m.stats.LastCheck = now.Unix()
	m.statsMutex.Unlock()

	metrics.CPUUsage.Set(cpuPercent)
	metrics.MemoryUsage.WithLabelValues("rss").Set(float64(rss))
	metrics.Goroutines.Set(float64(goroutines))

	m.logger.WithFields(logrus.Fields{
		"cpu_percent": cpuPercent,
		"mem_percent": memPercent,
		"goroutines":  goroutines,
		"level":       newLevel.String(),
	}).Debug("Performance check completed")

	if newLevel != oldLevel && m.listener != nil {
		m.listener.OnPerformanceLevelChanged(oldLevel, newLevel)
	}

	m.checkThreshold("cpu_percent", cpuPercent, m.config.CPUWarnPercent)
	m.checkThreshold("mem_percent", memPercent, m.config.MemWarnPercent)
}

// deriveLevel maps raw readings to a performance level
func (m *Monitor) deriveLevel(cpuPercent, memPercent float64) Level {
	switch {
	case cpuPercent > m.config.CPUCriticalPercent || memPercent > m.config.MemCriticalPercent:
		return LevelCritical
	case cpuPercent > m.config.CPUWarnPercent || memPercent > m.config.MemWarnPercent:
		return LevelHigh
	case cpuPercent > m.config.CPUWarnPercent/2:
		return LevelElevated
	default:
		return LevelNormal
	}
}

// checkThreshold fires a threshold-exceeded event subject to the alert
// cooldown, so a sustained overload does not flood the listener.
func (m *Monitor) checkThreshold(metric string, value, threshold float64) {
	if value <= threshold || m.listener == nil {
		return
	}

	m.alertsMutex.Lock()
	last, seen := m.alerts[metric]
	if seen && time.Since(last) < m.config.AlertCooldown {
		m.alertsMutex.Unlock()
		return
	}
	m.alerts[metric] = time.Now()
	m.alertsMutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"metric":    metric,
		"value":     value,
		"threshold": threshold,
	}).Warn("Performance threshold exceeded")

	m.listener.OnThresholdExceeded(metric, value, threshold)
}
