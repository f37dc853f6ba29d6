package perf

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type perfEvents struct {
	mu       sync.Mutex
	levels   [][2]Level
	exceeded []string
}

func (e *perfEvents) OnPerformanceLevelChanged(old, new Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.levels = append(e.levels, [2]Level{old, new})
}

func (e *perfEvents) OnThresholdExceeded(metric string, value, threshold float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exceeded = append(e.exceeded, metric)
}

func TestDeriveLevel(t *testing.T) {
	m := NewMonitor(Config{
		CPUWarnPercent:     70,
		CPUCriticalPercent: 90,
		MemWarnPercent:     80,
		MemCriticalPercent: 95,
	}, testLogger())

	cases := []struct {
		cpu, mem float64
		want     Level
	}{
		{10, 10, LevelNormal},
		{40, 10, LevelElevated},
		{75, 10, LevelHigh},
		{10, 85, LevelHigh},
		{95, 10, LevelCritical},
		{10, 99, LevelCritical},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, m.deriveLevel(c.cpu, c.mem), "cpu=%v mem=%v", c.cpu, c.mem)
	}
}

func TestThresholdCooldown(t *testing.T) {
	m := NewMonitor(Config{AlertCooldown: time.Hour}, testLogger())
	events := &perfEvents{}
	m.SetListener(events)

	m.checkThreshold("cpu_percent", 99, 75)
	m.checkThreshold("cpu_percent", 99, 75)
	m.checkThreshold("mem_percent", 96, 80)

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, []string{"cpu_percent", "mem_percent"}, events.exceeded)
}

func TestThresholdBelowLimitIgnored(t *testing.T) {
	m := NewMonitor(Config{}, testLogger())
	events := &perfEvents{}
	m.SetListener(events)

	m.checkThreshold("cpu_percent", 50, 75)

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Empty(t, events.exceeded)
}

func TestPerformCheckUpdatesStats(t *testing.T) {
	m := NewMonitor(Config{}, testLogger())
	m.performCheck()

	stats := m.GetStats()
	assert.Positive(t, stats.Goroutines)
	assert.NotZero(t, stats.LastCheck)
	assert.NotEmpty(t, stats.Level)
}

func TestLevelChangeNotifiesListener(t *testing.T) {
	m := NewMonitor(Config{}, testLogger())
	events := &perfEvents{}
	m.SetListener(events)

	m.level.Store(int32(LevelCritical))
	m.performCheck()

	events.mu.Lock()
	defer events.mu.Unlock()
	require.NotEmpty(t, events.levels)
	assert.Equal(t, LevelCritical, events.levels[0][0])
}

func TestMonitorStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewMonitor(Config{MonitoringInterval: 10 * time.Millisecond}, testLogger())
	require.NoError(t, m.Start())
	assert.Error(t, m.Start())

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}
