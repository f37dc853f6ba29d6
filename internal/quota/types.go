package quota

import (
	"strings"
	"time"
)

// ResourceType identifies one system-wide quota shared across channels
type ResourceType int

const (
	ResourceMemory ResourceType = iota
	ResourceCPU
	ResourceGPU
	ResourceDecoder
	ResourceEncoder
	ResourceNetwork
	ResourceStorage
)

func (rt ResourceType) String() string {
	switch rt {
	case ResourceMemory:
		return "MEMORY"
	case ResourceCPU:
		return "CPU"
	case ResourceGPU:
		return "GPU"
	case ResourceDecoder:
		return "DECODER"
	case ResourceEncoder:
		return "ENCODER"
	case ResourceNetwork:
		return "NETWORK"
	case ResourceStorage:
		return "STORAGE"
	default:
		return "UNKNOWN"
	}
}

// ResourceTypes returns all known resource types in declaration order
func ResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceMemory,
		ResourceCPU,
		ResourceGPU,
		ResourceDecoder,
		ResourceEncoder,
		ResourceNetwork,
		ResourceStorage,
	}
}

// ParseResourceType maps a configuration name to a resource type
func ParseResourceType(name string) (ResourceType, bool) {
	switch strings.ToLower(name) {
	case "memory":
		return ResourceMemory, true
	case "cpu":
		return ResourceCPU, true
	case "gpu":
		return ResourceGPU, true
	case "decoder":
		return ResourceDecoder, true
	case "encoder":
		return ResourceEncoder, true
	case "network":
		return ResourceNetwork, true
	case "storage":
		return ResourceStorage, true
	default:
		return ResourceMemory, false
	}
}

// Strategy selects how Request negotiates allocation amounts. It is a
// process-wide setting, not per-request.
type Strategy int

const (
	StrategyFairShare Strategy = iota
	StrategyPriority
	StrategyDemand
	StrategyAdaptive
)

func (s Strategy) String() string {
	switch s {
	case StrategyFairShare:
		return "fair_share"
	case StrategyPriority:
		return "priority"
	case StrategyDemand:
		return "demand"
	case StrategyAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a config string to a Strategy, defaulting to
// fair-share for unknown values.
func ParseStrategy(name string) Strategy {
	switch name {
	case "priority":
		return StrategyPriority
	case "demand":
		return StrategyDemand
	case "adaptive":
		return StrategyAdaptive
	default:
		return StrategyFairShare
	}
}

// Adaptive strategy weights. The blend shifts toward demand once a
// channel's usage efficiency crosses the threshold.
const (
	adaptivePriorityWeight          = 0.6
	adaptiveDemandWeight            = 0.4
	adaptiveEfficientPriorityWeight = 0.3
	adaptiveEfficientDemandWeight   = 0.7
	adaptiveEfficiencyThreshold     = 0.8
)

// Rebalancing shrinks allocations whose actual usage exceeds the
// allocated amount by more than this fraction.
const rebalanceExcessFraction = 0.2

// QuotaSnapshot is a point-in-time copy of one quota's accounting
type QuotaSnapshot struct {
	Type               ResourceType  `json:"type"`
	MaxAmount          int64         `json:"max_amount"`
	CurrentUsage       int64         `json:"current_usage"`
	ReservedAmount     int64         `json:"reserved_amount"`
	ChannelAllocations map[int]int64 `json:"channel_allocations"`
}

// ChannelSnapshot is a point-in-time copy of one channel's resource
// accounting inside the allocator.
type ChannelSnapshot struct {
	Index       int                    `json:"index"`
	Priority    int                    `json:"priority"`
	Active      bool                   `json:"active"`
	Requested   map[ResourceType]int64 `json:"requested"`
	Allocated   map[ResourceType]int64 `json:"allocated"`
	ActualUsage map[ResourceType]int64 `json:"actual_usage"`
	LastUpdate  time.Time              `json:"last_update"`
}

// Listener receives quota events. Callbacks are synchronous and must
// not block significantly. At most one listener is active at a time.
type Listener interface {
	OnResourceAllocated(channel int, resourceType ResourceType, amount int64)
	OnResourceDeallocated(channel int, resourceType ResourceType, amount int64)
	OnQuotaExhausted(resourceType ResourceType, requested, available int64)
	OnQuotaRebalanced(affected []int)
}
