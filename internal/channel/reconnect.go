package channel

import (
	"fmt"
	"strconv"

	"github.com/maxenergy/channelcore/internal/metrics"

	"github.com/sirupsen/logrus"
)

// enqueueReconnection queues a reconnection request for a channel.
// The queue is FIFO across channels. A full queue drops the request
// with a warning rather than blocking the caller.
func (sm *StateMachine) enqueueReconnection(index int) {
	select {
	case sm.reconnectQueue <- index:
		sm.logger.WithField("channel", index).Debug("Reconnection queued")
	default:
		sm.logger.WithField("channel", index).Warn("Reconnection queue full, request dropped")
		metrics.RecordError("channel", "reconnect_queue_full")
	}
}

// reconnectionWorker drains the reconnection queue. The backoff sleep
// happens on this goroutine only; it never blocks the health monitor
// or caller threads.
func (sm *StateMachine) reconnectionWorker() {
	defer sm.wg.Done()

	for {
		select {
		case index := <-sm.reconnectQueue:
			sm.processReconnection(index)
		case <-sm.ctx.Done():
			sm.logger.Debug("Reconnection worker stopping")
			return
		}
	}
}

// processReconnection handles a single dequeued reconnection request
func (sm *StateMachine) processReconnection(index int) {
	info, ok := sm.getChannel(index)
	if !ok {
		// Channel removed while queued
		return
	}

	info.mu.Lock()
	policy := info.policy
	if !policy.Enabled || info.reconnectAttempts >= policy.MaxAttempts {
		attempts := info.reconnectAttempts
		info.mu.Unlock()

		sm.logger.WithFields(logrus.Fields{
			"channel":  index,
			"attempts": attempts,
		}).Warn("Reconnection attempts exhausted")

		if l := sm.listener.get(); l != nil {
			l.OnReconnectionFailed(index, attempts)
		}
		return
	}

	info.reconnectAttempts++
	attempt := info.reconnectAttempts
	info.mu.Unlock()

	delay := policy.Delay(attempt)

	metrics.ReconnectionAttemptsTotal.WithLabelValues(strconv.Itoa(index)).Inc()
	sm.logger.WithFields(logrus.Fields{
		"channel": index,
		"attempt": attempt,
		"delay":   delay,
	}).Info("Scheduling reconnection attempt")

	if l := sm.listener.get(); l != nil {
		l.OnReconnectionAttempt(index, attempt, delay)
	}

	// Backoff. The delay itself is not cancellable per-channel; worker
	// shutdown interrupts it so Stop stays bounded.
	if !sm.sleep(delay) {
		return
	}

	sm.SetState(index, StateConnecting, fmt.Sprintf("Reconnection attempt %d", attempt))
}
