package resources

import (
	"strings"
	"time"
)

// ResourceType identifies the kind of raw allocation a managed
// resource wraps.
type ResourceType int

const (
	TypeMemoryBuffer ResourceType = iota
	TypeGPUMemory
	TypeDecoderContext
	TypeFrameStore
	TypeModelData
)

func (rt ResourceType) String() string {
	switch rt {
	case TypeMemoryBuffer:
		return "memory_buffer"
	case TypeGPUMemory:
		return "gpu_memory"
	case TypeDecoderContext:
		return "decoder_context"
	case TypeFrameStore:
		return "frame_store"
	case TypeModelData:
		return "model_data"
	default:
		return "unknown"
	}
}

// ParseResourceType maps a type name to its ResourceType
func ParseResourceType(name string) (ResourceType, bool) {
	switch strings.ToLower(name) {
	case "memory_buffer":
		return TypeMemoryBuffer, true
	case "gpu_memory":
		return TypeGPUMemory, true
	case "decoder_context":
		return TypeDecoderContext, true
	case "frame_store":
		return TypeFrameStore, true
	case "model_data":
		return TypeModelData, true
	default:
		return TypeMemoryBuffer, false
	}
}

// State is the authoritative lifecycle state of a managed resource.
// Only the manager mutates it; holders go through Reserve/Release.
type State int

const (
	StateAvailable State = iota
	StateInUse
	StateReserved
	StateError
	StateCleanupPending
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "AVAILABLE"
	case StateInUse:
		return "IN_USE"
	case StateReserved:
		return "RESERVED"
	case StateError:
		return "ERROR"
	case StateCleanupPending:
		return "CLEANUP_PENDING"
	default:
		return "UNKNOWN"
	}
}

// InvalidID is the sentinel returned by failed allocations. Valid ids
// are monotonically increasing and never reused within a process.
const InvalidID int64 = 0

// GPUMemoryManager is the consumed external allocator for GPU-backed
// resources. The manager stores a nil backing block for these and
// defers the actual allocation here.
type GPUMemoryManager interface {
	Allocate(size int64) error
	Free(size int64)
}

// Snapshot is a point-in-time copy of one managed resource's record
type Snapshot struct {
	ID        int64        `json:"id"`
	Type      ResourceType `json:"type"`
	State     State        `json:"state"`
	Size      int64        `json:"size"`
	Owner     int          `json:"owner"`
	RefCount  int64        `json:"ref_count"`
	CreatedAt time.Time    `json:"created_at"`
	LastUsed  time.Time    `json:"last_used"`
}
