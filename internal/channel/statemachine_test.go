package channel

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

// recordingListener captures events for assertions
type recordingListener struct {
	mu             sync.Mutex
	stateChanges   []Transition
	healthChanges  []HealthStatus
	attempts       []int
	failedChannels []int
	timeouts       []int
}

func (r *recordingListener) OnStateChanged(index int, from, to State, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateChanges = append(r.stateChanges, Transition{From: from, To: to, Reason: reason})
}

func (r *recordingListener) OnHealthChanged(index int, health HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthChanges = append(r.healthChanges, health)
}

func (r *recordingListener) OnReconnectionAttempt(index, attempt int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
}

func (r *recordingListener) OnReconnectionFailed(index, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedChannels = append(r.failedChannels, index)
}

func (r *recordingListener) OnChannelTimeout(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, index)
}

func (r *recordingListener) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

func (r *recordingListener) failedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failedChannels)
}

func TestAddChannelBounds(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())

	assert.True(t, sm.AddChannel(0, DefaultReconnectionPolicy()))
	assert.True(t, sm.AddChannel(15, DefaultReconnectionPolicy()))
	assert.False(t, sm.AddChannel(-1, DefaultReconnectionPolicy()))
	assert.False(t, sm.AddChannel(16, DefaultReconnectionPolicy()))
	assert.False(t, sm.AddChannel(0, DefaultReconnectionPolicy()), "duplicate index must be rejected")
}

func TestStateTransitions(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	listener := &recordingListener{}
	sm.SetListener(listener)

	require.True(t, sm.AddChannel(3, DefaultReconnectionPolicy()))

	state, ok := sm.GetState(3)
	require.True(t, ok)
	assert.Equal(t, StateInactive, state)

	assert.True(t, sm.SetState(3, StateInitializing, "configure"))
	assert.True(t, sm.SetState(3, StateConnecting, "connect"))
	assert.True(t, sm.SetState(3, StateActive, "stream up"))

	state, _ = sm.GetState(3)
	assert.Equal(t, StateActive, state)

	snap, ok := sm.GetSnapshot(3)
	require.True(t, ok)
	assert.Equal(t, StateConnecting, snap.PreviousState)
	assert.Len(t, snap.History, 3)
	assert.Equal(t, "stream up", snap.History[2].Reason)

	listener.mu.Lock()
	changes := len(listener.stateChanges)
	listener.mu.Unlock()
	assert.Equal(t, 3, changes)
}

func TestSameStateTransitionIsNoOp(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	listener := &recordingListener{}
	sm.SetListener(listener)

	require.True(t, sm.AddChannel(0, DefaultReconnectionPolicy()))
	require.True(t, sm.SetState(0, StateActive, "up"))
	require.True(t, sm.SetState(0, StateActive, "still up"))

	snap, _ := sm.GetSnapshot(0)
	assert.Len(t, snap.History, 1, "repeated state must not add history")

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Len(t, listener.stateChanges, 1, "repeated state must not notify")
}

func TestHistoryBounded(t *testing.T) {
	sm := NewStateMachine(Config{HistoryLimit: 5}, testLogger())
	require.True(t, sm.AddChannel(0, DefaultReconnectionPolicy()))

	states := []State{StateActive, StatePaused}
	for i := 0; i < 20; i++ {
		sm.SetState(0, states[i%2], "flip")
	}

	snap, _ := sm.GetSnapshot(0)
	assert.Len(t, snap.History, 5)
}

func TestUnknownChannelOperations(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())

	assert.False(t, sm.SetState(9, StateActive, ""))
	assert.False(t, sm.ReportError(9, "x"))
	assert.False(t, sm.ReportFrame(9, 30, 0))
	assert.False(t, sm.RemoveChannel(9))
	_, ok := sm.GetState(9)
	assert.False(t, ok)
}

func TestReportErrorForcesErrorState(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	policy := DefaultReconnectionPolicy()
	policy.Enabled = false
	require.True(t, sm.AddChannel(2, policy))
	require.True(t, sm.SetState(2, StateActive, "up"))

	require.True(t, sm.ReportError(2, "decode failure"))

	state, _ := sm.GetState(2)
	assert.Equal(t, StateError, state)

	snap, _ := sm.GetSnapshot(2)
	assert.Equal(t, 1, snap.Metrics.ErrorCount)
	assert.Equal(t, "decode failure", snap.LastError)
}

func TestConcurrentErrorReportsEnqueueOnce(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	require.True(t, sm.AddChannel(0, DefaultReconnectionPolicy()))
	require.True(t, sm.SetState(0, StateActive, "up"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.ReportError(0, "stream reset")
		}()
	}
	wg.Wait()

	state, _ := sm.GetState(0)
	assert.Equal(t, StateError, state)

	// One transition into ERROR means exactly one reconnection request
	assert.Len(t, sm.reconnectQueue, 1)
}

func TestHealthDerivation(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	policy := DefaultReconnectionPolicy()
	policy.Enabled = false
	require.True(t, sm.AddChannel(0, policy))
	require.True(t, sm.SetState(0, StateActive, "up"))

	// Healthy at a good frame rate
	sm.ReportFrame(0, 30.0, 0)
	health, _ := sm.GetHealth(0)
	assert.Equal(t, HealthHealthy, health)

	// Low frame rate degrades to warning
	sm.ReportFrame(0, 20.0, 0)
	health, _ = sm.GetHealth(0)
	assert.Equal(t, HealthWarning, health)

	// Very low frame rate degrades to critical
	sm.ReportFrame(0, 10.0, 0)
	health, _ = sm.GetHealth(0)
	assert.Equal(t, HealthCritical, health)

	// Error count dominates
	for i := 0; i < 11; i++ {
		sm.ReportError(0, "err")
	}
	health, _ = sm.GetHealth(0)
	assert.Equal(t, HealthFailed, health)
}

func TestRecentErrorsBounded(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	policy := DefaultReconnectionPolicy()
	policy.Enabled = false
	require.True(t, sm.AddChannel(0, policy))

	for i := 0; i < 25; i++ {
		sm.ReportError(0, "e")
	}

	snap, _ := sm.GetSnapshot(0)
	assert.Len(t, snap.Metrics.RecentErrors, 10)
	assert.Equal(t, 25, snap.Metrics.ErrorCount)
}

func TestActiveEntryResetsRecovery(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	policy := DefaultReconnectionPolicy()
	policy.Enabled = false
	require.True(t, sm.AddChannel(0, policy))

	sm.ReportError(0, "fail one")
	sm.ReportError(0, "fail two")
	require.True(t, sm.SetState(0, StateActive, "recovered"))

	snap, _ := sm.GetSnapshot(0)
	assert.Empty(t, snap.Metrics.RecentErrors, "entering ACTIVE clears recent errors")
	assert.Equal(t, 0, snap.ReconnectAttempts)
	assert.False(t, snap.Metrics.LastFrameTime.IsZero())
}

func TestReconnectionFlow(t *testing.T) {
	defer goleak.VerifyNone(t)

	sm := NewStateMachine(Config{}, testLogger())
	listener := &recordingListener{}
	sm.SetListener(listener)

	policy := ReconnectionPolicy{
		Enabled:       true,
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		DelaySequence: []time.Duration{time.Millisecond},
	}
	require.True(t, sm.AddChannel(0, policy))
	require.NoError(t, sm.Start())
	defer sm.Stop()

	require.True(t, sm.SetState(0, StateActive, "up"))
	require.True(t, sm.ReportError(0, "stream lost"))

	// The worker should pick the request up, wait the delay, and move
	// the channel into CONNECTING.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := sm.GetState(0); state == StateConnecting {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := sm.GetState(0)
	require.Equal(t, StateConnecting, state)
	assert.GreaterOrEqual(t, listener.attemptCount(), 1)
}

func TestReconnectionExhaustion(t *testing.T) {
	defer goleak.VerifyNone(t)

	sm := NewStateMachine(Config{}, testLogger())
	listener := &recordingListener{}
	sm.SetListener(listener)

	policy := ReconnectionPolicy{
		Enabled:       true,
		MaxAttempts:   1,
		BaseDelay:     time.Millisecond,
		MaxDelay:      time.Millisecond,
		DelaySequence: []time.Duration{time.Millisecond},
	}
	require.True(t, sm.AddChannel(0, policy))
	require.NoError(t, sm.Start())
	defer sm.Stop()

	require.True(t, sm.ReportError(0, "first failure"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := sm.GetState(0); state == StateConnecting {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Second failure exceeds the single allowed attempt
	require.True(t, sm.ReportError(0, "second failure"))

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if listener.failedCount() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, listener.failedCount())
}

func TestCancelReconnection(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	require.True(t, sm.AddChannel(0, DefaultReconnectionPolicy()))

	require.True(t, sm.CancelReconnection(0))

	snap, _ := sm.GetSnapshot(0)
	assert.Equal(t, snap.Policy.MaxAttempts, snap.ReconnectAttempts)
}

func TestPolicyRoundTrip(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	require.True(t, sm.AddChannel(0, DefaultReconnectionPolicy()))

	custom := ReconnectionPolicy{
		Enabled:       true,
		MaxAttempts:   7,
		BaseDelay:     2 * time.Second,
		MaxDelay:      20 * time.Second,
		DelaySequence: []time.Duration{time.Second, 3 * time.Second},
	}
	require.True(t, sm.SetReconnectionPolicy(0, custom))

	got, ok := sm.GetReconnectionPolicy(0)
	require.True(t, ok)
	assert.Equal(t, 7, got.MaxAttempts)
	assert.Equal(t, custom.DelaySequence, got.DelaySequence)

	// Returned copy must not alias internal state
	got.DelaySequence[0] = time.Hour
	again, _ := sm.GetReconnectionPolicy(0)
	assert.Equal(t, time.Second, again.DelaySequence[0])
}

func TestPolicyDelay(t *testing.T) {
	policy := ReconnectionPolicy{
		BaseDelay:          time.Second,
		MaxDelay:           10 * time.Second,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
	}

	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, 2*time.Second, policy.Delay(2))
	assert.Equal(t, 4*time.Second, policy.Delay(3))
	assert.Equal(t, 8*time.Second, policy.Delay(4))
	assert.Equal(t, 10*time.Second, policy.Delay(5), "delay clamps at max")

	policy.DelaySequence = []time.Duration{5 * time.Second}
	assert.Equal(t, 5*time.Second, policy.Delay(1), "sequence overrides formula")
	assert.Equal(t, 2*time.Second, policy.Delay(2), "formula resumes past sequence")

	flat := ReconnectionPolicy{BaseDelay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, flat.Delay(4))
}

func TestFrameTimeoutDetection(t *testing.T) {
	defer goleak.VerifyNone(t)

	sm := NewStateMachine(Config{
		HealthCheckInterval: 10 * time.Millisecond,
		FrameTimeout:        20 * time.Millisecond,
	}, testLogger())
	listener := &recordingListener{}
	sm.SetListener(listener)

	policy := DefaultReconnectionPolicy()
	policy.Enabled = false
	require.True(t, sm.AddChannel(0, policy))
	require.NoError(t, sm.Start())
	defer sm.Stop()

	require.True(t, sm.SetState(0, StateActive, "up"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := sm.GetState(0); state == StateError {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	state, _ := sm.GetState(0)
	assert.Equal(t, StateError, state, "silent active channel must fault")

	listener.mu.Lock()
	timeouts := len(listener.timeouts)
	listener.mu.Unlock()
	assert.GreaterOrEqual(t, timeouts, 1)
}

func TestRemoveChannelTransitionsToDestroyed(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	listener := &recordingListener{}
	sm.SetListener(listener)

	require.True(t, sm.AddChannel(0, DefaultReconnectionPolicy()))
	require.True(t, sm.RemoveChannel(0))

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.NotEmpty(t, listener.stateChanges)
	assert.Equal(t, StateDestroyed, listener.stateChanges[len(listener.stateChanges)-1].To)

	_, ok := sm.GetState(0)
	assert.False(t, ok)
}

func TestChannelsSorted(t *testing.T) {
	sm := NewStateMachine(Config{}, testLogger())
	for _, i := range []int{7, 1, 12} {
		require.True(t, sm.AddChannel(i, DefaultReconnectionPolicy()))
	}
	assert.Equal(t, []int{1, 7, 12}, sm.Channels())
}

func TestStartStopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	sm := NewStateMachine(Config{}, testLogger())
	require.NoError(t, sm.Start())
	require.NoError(t, sm.Start())
	require.NoError(t, sm.Stop())
	require.NoError(t, sm.Stop())
}

func TestSynchronizer(t *testing.T) {
	s := NewSynchronizer()

	require.True(t, s.TryAcquire(0))
	assert.False(t, s.TryAcquire(0), "slot is exclusive")
	assert.True(t, s.TryAcquire(1), "slots are independent")

	s.Release(0)
	assert.True(t, s.TryAcquire(0))

	// Timed acquire on a held slot must time out
	assert.False(t, s.Acquire(0, 10*time.Millisecond))

	// Release while waiting unblocks the waiter
	done := make(chan bool)
	go func() {
		done <- s.Acquire(1, time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Release(1)
	assert.True(t, <-done)
}
