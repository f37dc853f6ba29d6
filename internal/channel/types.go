package channel

import (
	"time"
)

// MaxChannels is the hard cap on concurrently managed channels.
const MaxChannels = 16

// State represents the lifecycle state of a channel
type State int

const (
	StateInactive State = iota
	StateInitializing
	StateConnecting
	StateActive
	StatePaused
	StateError
	StateReconnecting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateInitializing:
		return "INITIALIZING"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StatePaused:
		return "PAUSED"
	case StateError:
		return "ERROR"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// ParseState maps a state name to its State value
func ParseState(name string) (State, bool) {
	switch name {
	case "INACTIVE":
		return StateInactive, true
	case "INITIALIZING":
		return StateInitializing, true
	case "CONNECTING":
		return StateConnecting, true
	case "ACTIVE":
		return StateActive, true
	case "PAUSED":
		return StatePaused, true
	case "ERROR":
		return StateError, true
	case "RECONNECTING":
		return StateReconnecting, true
	case "DESTROYED":
		return StateDestroyed, true
	default:
		return StateInactive, false
	}
}

// HealthStatus is derived from channel metrics, never set directly by callers
type HealthStatus int

const (
	HealthHealthy HealthStatus = iota
	HealthWarning
	HealthCritical
	HealthFailed
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "HEALTHY"
	case HealthWarning:
		return "WARNING"
	case HealthCritical:
		return "CRITICAL"
	case HealthFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Health derivation thresholds
const (
	failedErrorCount    = 10
	criticalErrorCount  = 5
	warningErrorCount   = 2
	criticalFrameRate   = 15.0
	warningFrameRate    = 25.0
	criticalDropped     = 100
	warningDropped      = 50
	recentErrorCapacity = 10
)

// HealthMetrics holds the raw readings health is derived from
type HealthMetrics struct {
	ErrorCount    int       `json:"error_count"`
	FrameRate     float64   `json:"frame_rate"`
	DroppedFrames int       `json:"dropped_frames"`
	LastFrameTime time.Time `json:"last_frame_time"`
	RecentErrors  []string  `json:"recent_errors"`
}

// deriveHealth computes the health status from current metrics.
// A frame rate of zero means no frame-rate signal yet and is not
// counted against the channel.
func deriveHealth(m HealthMetrics) HealthStatus {
	switch {
	case m.ErrorCount > failedErrorCount:
		return HealthFailed
	case m.ErrorCount > criticalErrorCount ||
		(m.FrameRate > 0 && m.FrameRate < criticalFrameRate) ||
		m.DroppedFrames > criticalDropped:
		return HealthCritical
	case m.ErrorCount > warningErrorCount ||
		(m.FrameRate > 0 && m.FrameRate < warningFrameRate) ||
		m.DroppedFrames > warningDropped:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// ReconnectionPolicy controls automatic reconnection of a channel.
// It is read-only while a reconnection attempt is in flight.
type ReconnectionPolicy struct {
	Enabled            bool            `yaml:"enabled" json:"enabled"`
	MaxAttempts        int             `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay          time.Duration   `yaml:"base_delay" json:"base_delay"`
	MaxDelay           time.Duration   `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier  float64         `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	ExponentialBackoff bool            `yaml:"exponential_backoff" json:"exponential_backoff"`
	DelaySequence      []time.Duration `yaml:"delay_sequence,omitempty" json:"delay_sequence,omitempty"`
}

// DefaultReconnectionPolicy returns the default reconnection policy
func DefaultReconnectionPolicy() ReconnectionPolicy {
	return ReconnectionPolicy{
		Enabled:            true,
		MaxAttempts:        5,
		BaseDelay:          1 * time.Second,
		MaxDelay:           30 * time.Second,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
	}
}

// Delay returns the backoff delay before the given attempt (1-based).
// An explicit delay sequence overrides the backoff formula for the
// attempts it covers.
func (p ReconnectionPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if len(p.DelaySequence) > 0 && attempt <= len(p.DelaySequence) {
		return p.DelaySequence[attempt-1]
	}
	if !p.ExponentialBackoff {
		return p.BaseDelay
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffMultiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Transition is one entry in a channel's bounded state history
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time copy of one channel's state, safe to
// hand to callers. External code never receives the internal record.
type Snapshot struct {
	Index             int                `json:"index"`
	State             State              `json:"state"`
	PreviousState     State              `json:"previous_state"`
	Health            HealthStatus       `json:"health"`
	Metrics           HealthMetrics      `json:"metrics"`
	Policy            ReconnectionPolicy `json:"policy"`
	ReconnectAttempts int                `json:"reconnect_attempts"`
	LastError         string             `json:"last_error"`
	History           []Transition       `json:"history"`
}
