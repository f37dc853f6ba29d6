package channel

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maxenergy/channelcore/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Config configures the channel state machine
type Config struct {
	MaxChannels         int           `yaml:"max_channels"`
	HistoryLimit        int           `yaml:"history_limit"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	FrameTimeout        time.Duration `yaml:"frame_timeout"`
	ReconnectQueueSize  int           `yaml:"reconnect_queue_size"`
}

// channelInfo is the authoritative record for one channel. All mutation
// goes through the state machine and is serialized by the per-channel
// mutex, never by the coarse map lock.
type channelInfo struct {
	mu sync.Mutex

	state             State
	previousState     State
	health            HealthStatus
	metrics           HealthMetrics
	policy            ReconnectionPolicy
	history           []Transition
	reconnectAttempts int
	lastError         string
}

// StateMachine manages the lifecycle and health of up to MaxChannels
// concurrent channels. It runs two background workers: a health monitor
// and a reconnection processor.
type StateMachine struct {
	config Config
	logger *logrus.Logger

	// Channel index; coarse lock. Per-channel fields are guarded by
	// each channelInfo's own mutex (coarse-then-fine ordering).
	channels map[int]*channelInfo
	mu       sync.RWMutex

	// Reconnection queue, FIFO across channels
	reconnectQueue chan int

	listener listenerRef

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	runMu     sync.Mutex
}

// NewStateMachine creates a new channel state machine
func NewStateMachine(config Config, logger *logrus.Logger) *StateMachine {
	if config.MaxChannels <= 0 || config.MaxChannels > MaxChannels {
		config.MaxChannels = MaxChannels
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 50
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 2 * time.Second
	}
	if config.FrameTimeout <= 0 {
		config.FrameTimeout = 5 * time.Second
	}
	if config.ReconnectQueueSize <= 0 {
		config.ReconnectQueueSize = 4 * MaxChannels
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &StateMachine{
		config:         config,
		logger:         logger,
		channels:       make(map[int]*channelInfo),
		reconnectQueue: make(chan int, config.ReconnectQueueSize),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetListener replaces the active listener. Passing nil detaches it.
func (sm *StateMachine) SetListener(l Listener) {
	sm.listener.set(l)
}

// Start launches the health monitor and reconnection workers
func (sm *StateMachine) Start() error {
	sm.runMu.Lock()
	defer sm.runMu.Unlock()

	if sm.isRunning {
		return nil
	}

	sm.logger.WithFields(logrus.Fields{
		"max_channels":          sm.config.MaxChannels,
		"health_check_interval": sm.config.HealthCheckInterval,
		"frame_timeout":         sm.config.FrameTimeout,
	}).Info("Starting channel state machine")

	sm.wg.Add(2)
	go sm.reconnectionWorker()
	go sm.healthMonitor()

	sm.isRunning = true
	return nil
}

// Stop signals both workers and waits for them to exit
func (sm *StateMachine) Stop() error {
	sm.runMu.Lock()
	defer sm.runMu.Unlock()

	if !sm.isRunning {
		return nil
	}

	sm.logger.Info("Stopping channel state machine")
	sm.cancel()
	sm.wg.Wait()
	sm.isRunning = false
	return nil
}

// AddChannel registers a channel at the given index. It fails if the
// index is out of range or already registered.
func (sm *StateMachine) AddChannel(index int, policy ReconnectionPolicy) bool {
	if index < 0 || index >= sm.config.MaxChannels {
		sm.logger.WithField("channel", index).Warn("Rejected channel index out of range")
		return false
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.channels[index]; exists {
		sm.logger.WithField("channel", index).Warn("Channel already registered")
		return false
	}

	sm.channels[index] = &channelInfo{
		state:         StateInactive,
		previousState: StateInactive,
		health:        HealthHealthy,
		policy:        policy,
	}

	metrics.ChannelState.WithLabelValues(strconv.Itoa(index), StateInactive.String()).Set(1)
	sm.logger.WithFields(logrus.Fields{
		"channel":      index,
		"max_attempts": policy.MaxAttempts,
	}).Info("Channel registered")
	return true
}

// RemoveChannel forces the channel to DESTROYED and removes it
func (sm *StateMachine) RemoveChannel(index int) bool {
	info, ok := sm.getChannel(index)
	if !ok {
		return false
	}

	sm.transition(index, info, StateDestroyed, "Channel removed")

	sm.mu.Lock()
	delete(sm.channels, index)
	sm.mu.Unlock()

	sm.logger.WithField("channel", index).Info("Channel removed")
	return true
}

// SetState transitions a channel to newState. Setting the current state
// again is a no-op: no history entry, no notification.
func (sm *StateMachine) SetState(index int, newState State, reason string) bool {
	info, ok := sm.getChannel(index)
	if !ok {
		return false
	}
	sm.transition(index, info, newState, reason)
	return true
}

// transition performs the state change on info and fires notifications.
// The listener is invoked after the per-channel lock is released. It
// reports whether the state actually changed, so callers racing toward
// the same target state can tell which one performed the transition.
func (sm *StateMachine) transition(index int, info *channelInfo, newState State, reason string) bool {
	info.mu.Lock()
	if info.state == newState {
		info.mu.Unlock()
		return false
	}

	from := info.state
	info.previousState = from
	info.state = newState
	info.history = append(info.history, Transition{
		From:      from,
		To:        newState,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if len(info.history) > sm.config.HistoryLimit {
		info.history = info.history[len(info.history)-sm.config.HistoryLimit:]
	}

	if newState == StateActive {
		info.reconnectAttempts = 0
		info.metrics.RecentErrors = nil
		info.metrics.LastFrameTime = time.Now()
	}
	info.mu.Unlock()

	ch := strconv.Itoa(index)
	metrics.ChannelState.WithLabelValues(ch, from.String()).Set(0)
	metrics.ChannelState.WithLabelValues(ch, newState.String()).Set(1)
	metrics.StateTransitionsTotal.WithLabelValues(ch, from.String(), newState.String()).Inc()

	sm.logger.WithFields(logrus.Fields{
		"channel": index,
		"from":    from.String(),
		"to":      newState.String(),
		"reason":  reason,
	}).Info("Channel state changed")

	if l := sm.listener.get(); l != nil {
		l.OnStateChanged(index, from, newState, reason)
	}
	return true
}

// ReportError records an error against a channel, recomputes health,
// and escalates to ERROR state with a reconnection request unless the
// channel is already in ERROR or DESTROYED.
func (sm *StateMachine) ReportError(index int, msg string) bool {
	info, ok := sm.getChannel(index)
	if !ok {
		return false
	}

	info.mu.Lock()
	info.metrics.ErrorCount++
	info.metrics.RecentErrors = append(info.metrics.RecentErrors, msg)
	if len(info.metrics.RecentErrors) > recentErrorCapacity {
		info.metrics.RecentErrors = info.metrics.RecentErrors[1:]
	}
	info.lastError = msg
	oldHealth := info.health
	info.health = deriveHealth(info.metrics)
	newHealth := info.health
	state := info.state
	reconnectEnabled := info.policy.Enabled
	info.mu.Unlock()

	metrics.RecordError("channel", "reported")
	metrics.ChannelHealth.WithLabelValues(strconv.Itoa(index)).Set(float64(newHealth))

	sm.logger.WithFields(logrus.Fields{
		"channel": index,
		"error":   msg,
		"health":  newHealth.String(),
	}).Warn("Channel error reported")

	if newHealth != oldHealth {
		if l := sm.listener.get(); l != nil {
			l.OnHealthChanged(index, newHealth)
		}
	}

	if state != StateDestroyed {
		// Only the caller whose transition actually entered ERROR
		// enqueues, so concurrent reports yield exactly one
		// reconnection request.
		if sm.transition(index, info, StateError, msg) && reconnectEnabled {
			sm.enqueueReconnection(index)
		}
	}
	return true
}

// ReportFrame records a frame delivery with current rate and drop
// counters, then recomputes health.
func (sm *StateMachine) ReportFrame(index int, frameRate float64, droppedFrames int) bool {
	info, ok := sm.getChannel(index)
	if !ok {
		return false
	}

	info.mu.Lock()
	info.metrics.LastFrameTime = time.Now()
	info.metrics.FrameRate = frameRate
	info.metrics.DroppedFrames = droppedFrames
	oldHealth := info.health
	info.health = deriveHealth(info.metrics)
	newHealth := info.health
	info.mu.Unlock()

	metrics.ChannelHealth.WithLabelValues(strconv.Itoa(index)).Set(float64(newHealth))

	if newHealth != oldHealth {
		if l := sm.listener.get(); l != nil {
			l.OnHealthChanged(index, newHealth)
		}
	}
	return true
}

// CancelReconnection permanently blocks further automatic reconnection
// attempts for a channel by exhausting its attempt counter. The current
// state is left untouched.
func (sm *StateMachine) CancelReconnection(index int) bool {
	info, ok := sm.getChannel(index)
	if !ok {
		return false
	}

	info.mu.Lock()
	info.reconnectAttempts = info.policy.MaxAttempts
	info.mu.Unlock()

	sm.logger.WithField("channel", index).Info("Reconnection cancelled")
	return true
}

// SetReconnectionPolicy replaces a channel's reconnection policy
func (sm *StateMachine) SetReconnectionPolicy(index int, policy ReconnectionPolicy) bool {
	info, ok := sm.getChannel(index)
	if !ok {
		return false
	}

	info.mu.Lock()
	info.policy = policy
	info.mu.Unlock()
	return true
}

// GetReconnectionPolicy returns a copy of a channel's reconnection policy
func (sm *StateMachine) GetReconnectionPolicy(index int) (ReconnectionPolicy, bool) {
	info, ok := sm.getChannel(index)
	if !ok {
		return ReconnectionPolicy{}, false
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	policy := info.policy
	policy.DelaySequence = append([]time.Duration(nil), info.policy.DelaySequence...)
	return policy, true
}

// GetState returns the current state of a channel
func (sm *StateMachine) GetState(index int) (State, bool) {
	info, ok := sm.getChannel(index)
	if !ok {
		return StateInactive, false
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	return info.state, true
}

// GetHealth returns the derived health status of a channel
func (sm *StateMachine) GetHealth(index int) (HealthStatus, bool) {
	info, ok := sm.getChannel(index)
	if !ok {
		return HealthHealthy, false
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	return info.health, true
}

// GetSnapshot returns a point-in-time copy of a channel's full record
func (sm *StateMachine) GetSnapshot(index int) (Snapshot, bool) {
	info, ok := sm.getChannel(index)
	if !ok {
		return Snapshot{}, false
	}

	info.mu.Lock()
	defer info.mu.Unlock()

	snap := Snapshot{
		Index:             index,
		State:             info.state,
		PreviousState:     info.previousState,
		Health:            info.health,
		Metrics:           info.metrics,
		Policy:            info.policy,
		ReconnectAttempts: info.reconnectAttempts,
		LastError:         info.lastError,
		History:           append([]Transition(nil), info.history...),
	}
	snap.Metrics.RecentErrors = append([]string(nil), info.metrics.RecentErrors...)
	return snap, true
}

// Channels returns the sorted indices of all registered channels
func (sm *StateMachine) Channels() []int {
	sm.mu.RLock()
	indices := make([]int, 0, len(sm.channels))
	for idx := range sm.channels {
		indices = append(indices, idx)
	}
	sm.mu.RUnlock()

	sort.Ints(indices)
	return indices
}

// StatusReport renders a human-readable summary of all channels
func (sm *StateMachine) StatusReport() string {
	var b strings.Builder
	b.WriteString("=== Channel State Machine ===\n")

	indices := sm.Channels()
	fmt.Fprintf(&b, "Registered channels: %d/%d\n", len(indices), sm.config.MaxChannels)

	for _, idx := range indices {
		snap, ok := sm.GetSnapshot(idx)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "channel %2d: state=%s health=%s errors=%d fps=%.1f dropped=%d attempts=%d transitions=%d",
			idx, snap.State, snap.Health, snap.Metrics.ErrorCount, snap.Metrics.FrameRate,
			snap.Metrics.DroppedFrames, snap.ReconnectAttempts, len(snap.History))
		if snap.LastError != "" {
			fmt.Fprintf(&b, " last_error=%q", snap.LastError)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// getChannel looks up a channel record under the coarse lock
func (sm *StateMachine) getChannel(index int) (*channelInfo, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	info, ok := sm.channels[index]
	return info, ok
}
