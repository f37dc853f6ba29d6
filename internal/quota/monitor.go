package quota

import (
	"time"

	"github.com/maxenergy/channelcore/internal/metrics"

	"github.com/sirupsen/logrus"
)

// monitorLoop is the background reconciliation worker: it re-derives
// quota usage from channel allocations, reclaims stale allocations on
// inactive channels, and rebalances when a quota overshoots its max.
func (a *Allocator) monitorLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			over := a.reconcile()
			a.reclaimLeaks()
			if over {
				a.rebalance()
			}
		case <-a.ctx.Done():
			a.logger.Debug("Quota monitor stopping")
			return
		}
	}
}

// reconcile re-derives each quota's currentUsage as the sum of its
// channel allocations, healing drift from bookkeeping bugs. Returns
// true if any quota exceeds its max after reconciliation.
func (a *Allocator) reconcile() bool {
	over := false

	for _, rt := range ResourceTypes() {
		q := a.quotas[rt]

		q.mu.Lock()
		var sum int64
		for _, amount := range q.allocations {
			sum += amount
		}
		if sum != q.currentUsage {
			a.logger.WithFields(logrus.Fields{
				"resource_type": rt.String(),
				"recorded":      q.currentUsage,
				"derived":       sum,
			}).Warn("Quota usage drift detected, healing")
			metrics.RecordError("quota", "usage_drift")
			q.currentUsage = sum
		}
		if q.currentUsage > q.maxAmount {
			over = true
		}
		usage := q.currentUsage
		q.mu.Unlock()

		metrics.QuotaUsage.WithLabelValues(rt.String()).Set(float64(usage))
	}
	return over
}

// reclaimLeaks force-deallocates resources held by channels that have
// been inactive longer than the configured timeout. Self-healing,
// logged, not propagated as an error to any caller.
func (a *Allocator) reclaimLeaks() {
	cutoff := time.Now().Add(-a.config.InactivityTimeout)

	for _, index := range a.Channels() {
		ch, ok := a.getChannel(index)
		if !ok {
			continue
		}

		ch.mu.Lock()
		stale := ch.lastUpdate.Before(cutoff)
		held := make(map[ResourceType]int64)
		if stale {
			for rt, amount := range ch.allocated {
				if amount > 0 {
					held[rt] = amount
				}
			}
		}
		ch.mu.Unlock()

		if len(held) == 0 {
			continue
		}

		a.logger.WithFields(logrus.Fields{
			"channel":     index,
			"types_held":  len(held),
			"last_update": cutoff,
		}).Warn("Reclaiming leaked allocations from inactive channel")

		for rt, amount := range held {
			if a.Deallocate(index, rt, amount) {
				metrics.QuotaLeaksReclaimedTotal.Inc()
			}
		}
	}
}

// rebalance shrinks over-consuming channels: any channel whose actual
// usage exceeds its allocation by more than the excess fraction has its
// allocation cut by the excess. The affected channel set is reported
// once via a single rebalance notification.
func (a *Allocator) rebalance() {
	var affected []int

	for _, index := range a.Channels() {
		ch, ok := a.getChannel(index)
		if !ok {
			continue
		}

		shrunk := false
		for _, rt := range ResourceTypes() {
			ch.mu.Lock()
			allocated := ch.allocated[rt]
			actual := ch.actualUsage[rt]
			ch.mu.Unlock()

			if allocated <= 0 {
				continue
			}
			threshold := allocated + int64(float64(allocated)*rebalanceExcessFraction)
			if actual <= threshold {
				continue
			}

			excess := actual - allocated
			if a.Deallocate(index, rt, excess) {
				shrunk = true
				a.logger.WithFields(logrus.Fields{
					"channel":       index,
					"resource_type": rt.String(),
					"excess":        excess,
				}).Warn("Rebalancing shrank over-consuming allocation")
			}
		}
		if shrunk {
			affected = append(affected, index)
		}
	}

	if len(affected) == 0 {
		return
	}

	metrics.QuotaRebalancesTotal.Inc()
	if l := a.getListener(); l != nil {
		l.OnQuotaRebalanced(affected)
	}
}
