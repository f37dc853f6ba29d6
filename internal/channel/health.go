package channel

import (
	"strconv"
	"time"

	"github.com/maxenergy/channelcore/internal/metrics"

	"github.com/sirupsen/logrus"
)

// healthMonitor periodically checks every registered channel for frame
// silence. This is the only path that can move a channel from ACTIVE to
// ERROR without an explicit ReportError call.
func (sm *StateMachine) healthMonitor() {
	defer sm.wg.Done()

	ticker := time.NewTicker(sm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.checkChannelHealth()
		case <-sm.ctx.Done():
			sm.logger.Debug("Health monitor stopping")
			return
		}
	}
}

// checkChannelHealth scans all channels for frame timeouts. Indices are
// collected under the coarse lock first; per-channel locks are taken
// one at a time afterwards.
func (sm *StateMachine) checkChannelHealth() {
	now := time.Now()

	for _, index := range sm.Channels() {
		info, ok := sm.getChannel(index)
		if !ok {
			continue
		}

		info.mu.Lock()
		if info.state != StateActive {
			info.mu.Unlock()
			continue
		}
		silent := now.Sub(info.metrics.LastFrameTime)
		if silent <= sm.config.FrameTimeout {
			info.mu.Unlock()
			continue
		}

		info.metrics.ErrorCount++
		info.lastError = "frame timeout"
		info.health = deriveHealth(info.metrics)
		health := info.health
		reconnectEnabled := info.policy.Enabled
		info.mu.Unlock()

		metrics.FrameTimeoutsTotal.WithLabelValues(strconv.Itoa(index)).Inc()
		metrics.ChannelHealth.WithLabelValues(strconv.Itoa(index)).Set(float64(health))

		sm.logger.WithFields(logrus.Fields{
			"channel": index,
			"silent":  silent,
			"timeout": sm.config.FrameTimeout,
		}).Warn("Channel frame timeout")

		if l := sm.listener.get(); l != nil {
			l.OnChannelTimeout(index)
		}

		if sm.transition(index, info, StateError, "Frame timeout") && reconnectEnabled {
			sm.enqueueReconnection(index)
		}
	}
}

// sleep waits for d or until shutdown. Returns false if the state
// machine is stopping.
func (sm *StateMachine) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-sm.ctx.Done():
		return false
	}
}
