package pool

import (
	"time"

	"github.com/maxenergy/channelcore/pkg/workerpool"
)

// Type identifies one kind of pooled resource
type Type int

const (
	TypeThreadPool Type = iota
	TypeDecoder
	TypeMemoryBuffer
	TypeFrameBuffer
)

func (t Type) String() string {
	switch t {
	case TypeThreadPool:
		return "thread_pool"
	case TypeDecoder:
		return "decoder"
	case TypeMemoryBuffer:
		return "memory_buffer"
	case TypeFrameBuffer:
		return "frame_buffer"
	default:
		return "unknown"
	}
}

// SelectionStrategy picks which idle instance an allocation receives
type SelectionStrategy int

const (
	// StrategyRoundRobin hands out the first idle instance. True
	// rotation state is intentionally not kept; any idle instance
	// satisfies fairness over time given uniform release timing.
	StrategyRoundRobin SelectionStrategy = iota
	// StrategyLeastLoaded picks the idle instance with the smallest
	// lifetime usage count.
	StrategyLeastLoaded
	// StrategyPriority uses the same usage-count metric as
	// least-loaded. Kept as a named strategy for configuration
	// compatibility; not a true priority queue.
	StrategyPriority
	// StrategyAffinity prefers the instance bound to the requesting
	// channel via SetChannelAffinity, falling back to least-loaded.
	StrategyAffinity
	// StrategyAdaptive tries affinity first, then least-loaded.
	StrategyAdaptive
)

func (s SelectionStrategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyLeastLoaded:
		return "least_loaded"
	case StrategyPriority:
		return "priority"
	case StrategyAffinity:
		return "affinity"
	case StrategyAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParseType maps a configuration name to a pool type
func ParseType(name string) (Type, bool) {
	switch name {
	case "thread_pool":
		return TypeThreadPool, true
	case "decoder":
		return TypeDecoder, true
	case "memory_buffer":
		return TypeMemoryBuffer, true
	case "frame_buffer":
		return TypeFrameBuffer, true
	default:
		return TypeThreadPool, false
	}
}

// ParseSelectionStrategy maps a configuration name to a strategy,
// defaulting to least-loaded on unknown names.
func ParseSelectionStrategy(name string) SelectionStrategy {
	switch name {
	case "round_robin":
		return StrategyRoundRobin
	case "least_loaded":
		return StrategyLeastLoaded
	case "priority":
		return StrategyPriority
	case "affinity":
		return StrategyAffinity
	case "adaptive":
		return StrategyAdaptive
	default:
		return StrategyLeastLoaded
	}
}

// Decoder is an opaque pooled decoder slot. The actual codec work is
// an external responsibility; the pool only tracks ownership.
type Decoder struct {
	Codec      string
	Scratch    []byte
	PacketSize int
}

// FrameBuffer is a pooled raw frame backing store
type FrameBuffer struct {
	Width  int
	Height int
	Data   []byte
}

// Resource is the tagged-union resource handle: exactly one variant
// field matching Kind is set. Selection and release logic match on
// Kind instead of performing unchecked casts.
type Resource struct {
	Kind Type

	ThreadPool *workerpool.Pool
	Decoder    *Decoder
	Buffer     []byte
	Frame      *FrameBuffer
}

// Factory creates one resource instance for a pool
type Factory func() (*Resource, error)

// Config configures one pool
type Config struct {
	InitialSize          int               `yaml:"initial_size"`
	MinSize              int               `yaml:"min_size"`
	MaxSize              int               `yaml:"max_size"`
	DynamicResize        bool              `yaml:"dynamic_resize"`
	UtilizationThreshold float64           `yaml:"utilization_threshold"`
	ShrinkThreshold      float64           `yaml:"shrink_threshold"`
	ExpandIncrement      int               `yaml:"expand_increment"`
	Strategy             SelectionStrategy `yaml:"-"`

	// Variant parameters consumed by the built-in factories
	BufferSize  int    `yaml:"buffer_size"`
	FrameWidth  int    `yaml:"frame_width"`
	FrameHeight int    `yaml:"frame_height"`
	Codec       string `yaml:"codec"`
	Workers     int    `yaml:"workers"`

	// Factory overrides the built-in factory for the pool type
	Factory Factory `yaml:"-"`
}

// Statistics is the derived per-pool metrics snapshot, recomputed on a
// fixed interval off the allocation path.
type Statistics struct {
	Type              Type          `json:"type"`
	Size              int           `json:"size"`
	Busy              int           `json:"busy"`
	Utilization       float64       `json:"utilization"`
	TotalAllocations  int64         `json:"total_allocations"`
	FailedAllocations int64         `json:"failed_allocations"`
	AverageLatency    time.Duration `json:"average_latency"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// InstanceSnapshot is a point-in-time copy of one pool instance's
// bookkeeping, for diagnostics.
type InstanceSnapshot struct {
	ID         int64     `json:"id"`
	InUse      bool      `json:"in_use"`
	Channel    int       `json:"channel"`
	UsageCount int64     `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used"`
}

// Listener receives pool events. Callbacks are synchronous and must
// not block significantly. At most one listener is active at a time.
type Listener interface {
	OnPoolExpanded(poolType Type, newSize int)
	OnPoolShrunk(poolType Type, newSize int)
	OnAllocationFailed(poolType Type, channel int)
	OnUtilizationAlert(poolType Type, utilization float64)
}

// latencyWindowSize bounds the rolling allocation-latency sample
// window kept per pool, for reporting only.
const latencyWindowSize = 100
