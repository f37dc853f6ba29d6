package app

import (
	"sync"
	"time"

	"github.com/maxenergy/channelcore/internal/channel"
	"github.com/maxenergy/channelcore/internal/metrics"
	"github.com/maxenergy/channelcore/internal/pool"
	"github.com/maxenergy/channelcore/internal/quota"
	"github.com/maxenergy/channelcore/pkg/perf"

	"github.com/sirupsen/logrus"
)

// channelLease records what the bridge acquired for one active channel
type channelLease struct {
	quotas map[quota.ResourceType]int64
	pools  map[pool.Type]*pool.Resource
}

// eventBridge receives events from every subsystem and ties channel
// lifecycle to resource ownership: a channel entering ACTIVE gets its
// configured quota grants plus one instance from every pool, and a
// channel leaving the active set (INACTIVE, ERROR, DESTROYED) gives
// everything back. It is the single listener each subsystem supports.
type eventBridge struct {
	allocator *quota.Allocator
	pools     *pool.Manager
	logger    *logrus.Logger

	// Per-type amount requested when a channel becomes active
	grants map[quota.ResourceType]int64

	mu     sync.Mutex
	leases map[int]*channelLease
}

func newEventBridge(allocator *quota.Allocator, pools *pool.Manager, grants map[quota.ResourceType]int64, logger *logrus.Logger) *eventBridge {
	return &eventBridge{
		allocator: allocator,
		pools:     pools,
		grants:    grants,
		logger:    logger,
		leases:    make(map[int]*channelLease),
	}
}

// Channel state machine events

func (b *eventBridge) OnStateChanged(index int, from, to channel.State, reason string) {
	b.logger.WithFields(logrus.Fields{
		"channel": index,
		"from":    from.String(),
		"to":      to.String(),
		"reason":  reason,
	}).Info("Channel state changed")

	// Only active channels participate in quota distribution
	switch to {
	case channel.StateActive:
		b.allocator.SetChannelActive(index, true)
		b.acquire(index)
	case channel.StateInactive, channel.StateError, channel.StateDestroyed:
		b.allocator.SetChannelActive(index, false)
		b.release(index)
	}
}

// acquire requests the configured quota grants and one instance from
// every pool for a channel entering ACTIVE. Grants are negotiated, so a
// partial result is kept; denials are logged and skipped. A second
// ACTIVE entry without an intervening release is a no-op.
func (b *eventBridge) acquire(index int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, held := b.leases[index]; held {
		return
	}
	lease := &channelLease{
		quotas: make(map[quota.ResourceType]int64),
		pools:  make(map[pool.Type]*pool.Resource),
	}

	priority := 0
	if snap, ok := b.allocator.GetChannel(index); ok {
		priority = snap.Priority
	}

	for rt, amount := range b.grants {
		granted, ok := b.allocator.Request(index, rt, amount)
		if !ok {
			b.logger.WithFields(logrus.Fields{
				"channel":       index,
				"resource_type": rt.String(),
				"requested":     amount,
			}).Warn("Activation quota request denied")
			continue
		}
		lease.quotas[rt] = granted
	}

	for _, ptype := range b.pools.Types() {
		// A failed pool allocation already logged and notified
		if res := b.pools.Allocate(ptype, index, priority); res != nil {
			lease.pools[ptype] = res
		}
	}

	b.leases[index] = lease
	b.logger.WithFields(logrus.Fields{
		"channel": index,
		"quotas":  len(lease.quotas),
		"pools":   len(lease.pools),
	}).Info("Channel resources acquired")
}

// release returns everything acquire obtained for a channel
func (b *eventBridge) release(index int) {
	b.mu.Lock()
	lease, held := b.leases[index]
	delete(b.leases, index)
	b.mu.Unlock()

	if !held {
		return
	}

	for rt, amount := range lease.quotas {
		b.allocator.Deallocate(index, rt, amount)
	}
	for ptype, res := range lease.pools {
		b.pools.Release(ptype, res, index)
	}

	b.logger.WithField("channel", index).Info("Channel resources released")
}

func (b *eventBridge) OnHealthChanged(index int, health channel.HealthStatus) {
	b.logger.WithFields(logrus.Fields{
		"channel": index,
		"health":  health.String(),
	}).Info("Channel health changed")
}

func (b *eventBridge) OnReconnectionAttempt(index, attempt int, delay time.Duration) {
	b.logger.WithFields(logrus.Fields{
		"channel": index,
		"attempt": attempt,
		"delay":   delay,
	}).Info("Channel reconnection attempt")
}

func (b *eventBridge) OnReconnectionFailed(index, attempts int) {
	b.logger.WithFields(logrus.Fields{
		"channel":  index,
		"attempts": attempts,
	}).Warn("Channel reconnection exhausted")
	metrics.RecordError("channel", "reconnection_exhausted")
}

func (b *eventBridge) OnChannelTimeout(index int) {
	b.logger.WithField("channel", index).Warn("Channel frame timeout")
}

// Quota allocator events

func (b *eventBridge) OnResourceAllocated(ch int, resourceType quota.ResourceType, amount int64) {
	b.logger.WithFields(logrus.Fields{
		"channel":       ch,
		"resource_type": resourceType.String(),
		"amount":        amount,
	}).Debug("Quota allocated")
}

func (b *eventBridge) OnResourceDeallocated(ch int, resourceType quota.ResourceType, amount int64) {
	b.logger.WithFields(logrus.Fields{
		"channel":       ch,
		"resource_type": resourceType.String(),
		"amount":        amount,
	}).Debug("Quota released")
}

func (b *eventBridge) OnQuotaExhausted(resourceType quota.ResourceType, requested, available int64) {
	b.logger.WithFields(logrus.Fields{
		"resource_type": resourceType.String(),
		"requested":     requested,
		"available":     available,
	}).Warn("Quota exhausted")
	metrics.RecordError("quota", "exhausted")
}

func (b *eventBridge) OnQuotaRebalanced(affected []int) {
	b.logger.WithField("affected_channels", affected).Info("Quota rebalanced")
}

// Pool manager events

func (b *eventBridge) OnPoolExpanded(poolType pool.Type, newSize int) {
	b.logger.WithFields(logrus.Fields{
		"pool_type": poolType.String(),
		"new_size":  newSize,
	}).Info("Pool expanded")
}

func (b *eventBridge) OnPoolShrunk(poolType pool.Type, newSize int) {
	b.logger.WithFields(logrus.Fields{
		"pool_type": poolType.String(),
		"new_size":  newSize,
	}).Info("Pool shrunk")
}

func (b *eventBridge) OnAllocationFailed(poolType pool.Type, ch int) {
	b.logger.WithFields(logrus.Fields{
		"pool_type": poolType.String(),
		"channel":   ch,
	}).Warn("Pool allocation failed")
}

func (b *eventBridge) OnUtilizationAlert(poolType pool.Type, utilization float64) {
	b.logger.WithFields(logrus.Fields{
		"pool_type":   poolType.String(),
		"utilization": utilization,
	}).Warn("Pool utilization high")
}

// Performance monitor events

func (b *eventBridge) OnPerformanceLevelChanged(old, new perf.Level) {
	b.logger.WithFields(logrus.Fields{
		"from": old.String(),
		"to":   new.String(),
	}).Info("Performance level changed")
}

func (b *eventBridge) OnThresholdExceeded(metric string, value, threshold float64) {
	metrics.RecordError("perf", metric)
}
