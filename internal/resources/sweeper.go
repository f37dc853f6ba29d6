package resources

import (
	"time"

	"github.com/sirupsen/logrus"
)

// sweepLoop is the background reclamation worker
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.ctx.Done():
			m.logger.Debug("Resource sweeper stopping")
			return
		}
	}
}

// sweep performs one reclamation pass: complete deferred cleanups,
// free idle resources, enforce the global memory cap oldest-first, and
// flag channels over their resource cap.
func (m *Manager) sweep() {
	now := time.Now()

	for _, id := range m.ids() {
		res, ok := m.getResource(id)
		if !ok {
			continue
		}

		res.mu.Lock()
		refs := res.refCount.Load()
		pending := res.state == StateCleanupPending
		idle := now.Sub(res.lastUsed) > m.config.IdleTimeout
		res.mu.Unlock()

		if refs > 0 {
			continue
		}
		switch {
		case pending:
			m.remove(res, "cleanup_pending")
		case idle:
			m.remove(res, "idle_timeout")
		}
	}

	// Oldest-first eviction until back under the memory cap. Ids are
	// monotonic, so ascending id order is creation order.
	if m.totalMemory.Load() > m.config.MaxTotalMemory {
		for _, id := range m.ids() {
			if m.totalMemory.Load() <= m.config.MaxTotalMemory {
				break
			}
			res, ok := m.getResource(id)
			if !ok {
				continue
			}
			if res.refCount.Load() > 0 {
				continue
			}
			m.remove(res, "memory_pressure")
		}
	}

	// Channels over their cap are flagged, not yet forcibly drained
	m.mu.RLock()
	for channel, count := range m.channelCounts {
		if count > m.config.MaxPerChannel {
			m.logger.WithFields(logrus.Fields{
				"channel": channel,
				"count":   count,
				"cap":     m.config.MaxPerChannel,
			}).Warn("Channel exceeds resource cap")
		}
	}
	m.mu.RUnlock()
}
