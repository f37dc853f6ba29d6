package pool

import (
	"time"

	"github.com/maxenergy/channelcore/internal/metrics"

	"github.com/sirupsen/logrus"
)

// resizeLoop is the background worker that grows busy pools and
// shrinks idle ones. Unlike quota rebalancing, every resize event is
// reported individually.
func (m *Manager) resizeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ResizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, t := range m.Types() {
				m.resizePool(t)
			}
		case <-m.ctx.Done():
			m.logger.Debug("Pool resize loop stopping")
			return
		}
	}
}

// resizePool applies one resize decision to a pool
func (m *Manager) resizePool(ptype Type) {
	p, ok := m.getPool(ptype)
	if !ok {
		return
	}

	p.mu.Lock()
	size := len(p.instances)
	if size == 0 {
		p.mu.Unlock()
		return
	}

	busy := 0
	for _, inst := range p.instances {
		if inst.inUse {
			busy++
		}
	}
	utilization := float64(busy) / float64(size)

	switch {
	case utilization > p.config.UtilizationThreshold && size < p.config.MaxSize:
		grown := 0
		for i := 0; i < p.config.ExpandIncrement && len(p.instances) < p.config.MaxSize; i++ {
			inst, err := m.newInstance(p)
			if err != nil {
				m.logger.WithFields(logrus.Fields{
					"pool_type": ptype.String(),
					"error":     err,
				}).Error("Pool expansion failed")
				break
			}
			p.instances = append(p.instances, inst)
			grown++
		}
		newSize := len(p.instances)
		p.mu.Unlock()

		if grown == 0 {
			return
		}
		metrics.PoolResizesTotal.WithLabelValues(ptype.String(), "expand").Inc()
		metrics.PoolSize.WithLabelValues(ptype.String()).Set(float64(newSize))
		m.logger.WithFields(logrus.Fields{
			"pool_type":   ptype.String(),
			"utilization": utilization,
			"new_size":    newSize,
		}).Info("Pool expanded")

		if l := m.getListener(); l != nil {
			l.OnPoolExpanded(ptype, newSize)
		}

	case utilization < p.config.ShrinkThreshold && size > p.config.MinSize:
		// Remove one idle instance, preferring the tail
		removed := false
		for i := len(p.instances) - 1; i >= 0; i-- {
			if p.instances[i].inUse {
				continue
			}
			victim := p.instances[i]
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			p.dropAffinity(victim.id)
			if victim.resource.Kind == TypeThreadPool && victim.resource.ThreadPool != nil {
				victim.resource.ThreadPool.Stop()
			}
			removed = true
			break
		}
		newSize := len(p.instances)
		p.mu.Unlock()

		if !removed {
			return
		}
		metrics.PoolResizesTotal.WithLabelValues(ptype.String(), "shrink").Inc()
		metrics.PoolSize.WithLabelValues(ptype.String()).Set(float64(newSize))
		m.logger.WithFields(logrus.Fields{
			"pool_type":   ptype.String(),
			"utilization": utilization,
			"new_size":    newSize,
		}).Info("Pool shrunk")

		if l := m.getListener(); l != nil {
			l.OnPoolShrunk(ptype, newSize)
		}

	default:
		p.mu.Unlock()
	}
}

// statsLoop recomputes per-pool statistics on a fixed interval, never
// on the allocate/release path.
func (m *Manager) statsLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, t := range m.Types() {
				m.updateStatistics(t)
			}
		case <-m.ctx.Done():
			m.logger.Debug("Pool statistics loop stopping")
			return
		}
	}
}

// updateStatistics recomputes one pool's statistics snapshot
func (m *Manager) updateStatistics(ptype Type) {
	p, ok := m.getPool(ptype)
	if !ok {
		return
	}

	p.mu.Lock()
	size := len(p.instances)
	busy := 0
	for _, inst := range p.instances {
		if inst.inUse {
			busy++
		}
	}

	var utilization float64
	if size > 0 {
		utilization = float64(busy) / float64(size)
	}

	var avgLatency time.Duration
	if len(p.latencies) > 0 {
		var total time.Duration
		for _, d := range p.latencies {
			total += d
		}
		avgLatency = total / time.Duration(len(p.latencies))
	}

	p.stats = Statistics{
		Type:              ptype,
		Size:              size,
		Busy:              busy,
		Utilization:       utilization,
		TotalAllocations:  p.totalAllocations,
		FailedAllocations: p.failedAllocations,
		AverageLatency:    avgLatency,
		UpdatedAt:         time.Now(),
	}
	threshold := p.config.UtilizationThreshold
	p.mu.Unlock()

	metrics.PoolSize.WithLabelValues(ptype.String()).Set(float64(size))
	metrics.PoolUtilization.WithLabelValues(ptype.String()).Set(utilization)

	if utilization > threshold {
		if l := m.getListener(); l != nil {
			l.OnUtilizationAlert(ptype, utilization)
		}
	}
}
