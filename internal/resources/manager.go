package resources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxenergy/channelcore/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Config configures the resource manager
type Config struct {
	MaxTotalMemory  int64         `yaml:"max_total_memory"`
	MaxPerChannel   int           `yaml:"max_per_channel"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
}

// managedResource is the authoritative record for one raw allocation.
// The reference count is atomic; everything else is guarded by the
// record's own mutex. The cleanup closure runs exactly once.
type managedResource struct {
	mu sync.Mutex

	id        int64
	rtype     ResourceType
	state     State
	data      []byte
	size      int64
	owner     int
	createdAt time.Time
	lastUsed  time.Time

	refCount    atomic.Int64
	cleanup     func()
	cleanupOnce sync.Once
}

// destroy runs the cleanup closure exactly once
func (r *managedResource) destroy() {
	r.cleanupOnce.Do(func() {
		if r.cleanup != nil {
			r.cleanup()
		}
	})
}

// Manager is the lowest-level allocator: it generates resource ids,
// tracks reference counts and expiry, and reclaims timed-out or
// over-limit resources in a background sweeper. A resource with a
// nonzero reference count is never physically freed; deallocation is
// deferred via CLEANUP_PENDING instead.
type Manager struct {
	config Config
	logger *logrus.Logger

	// Resource index; coarse lock. Per-resource fields are guarded by
	// each record's own mutex (coarse-then-fine ordering).
	resources     map[int64]*managedResource
	channelCounts map[int]int
	mu            sync.RWMutex

	totalMemory atomic.Int64
	nextID      atomic.Int64

	gpu GPUMemoryManager

	// Control; the sweeper must be explicitly started
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	runMu     sync.Mutex
}

// NewManager creates a resource manager. The background sweeper is not
// started until StartCleanup is called.
func NewManager(config Config, logger *logrus.Logger) *Manager {
	if config.MaxTotalMemory <= 0 {
		config.MaxTotalMemory = 512 * 1024 * 1024
	}
	if config.MaxPerChannel <= 0 {
		config.MaxPerChannel = 32
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:        config,
		logger:        logger,
		resources:     make(map[int64]*managedResource),
		channelCounts: make(map[int]int),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetGPUMemoryManager attaches the external GPU allocator consumed by
// GPU-memory allocations.
func (m *Manager) SetGPUMemoryManager(gpu GPUMemoryManager) {
	m.gpu = gpu
}

// StartCleanup launches the background reclamation sweeper
func (m *Manager) StartCleanup() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.isRunning {
		return nil
	}

	m.logger.WithFields(logrus.Fields{
		"cleanup_interval": m.config.CleanupInterval,
		"idle_timeout":     m.config.IdleTimeout,
		"max_total_memory": m.config.MaxTotalMemory,
	}).Info("Starting resource manager sweeper")

	m.wg.Add(1)
	go m.sweepLoop()

	m.isRunning = true
	return nil
}

// Stop signals the sweeper and waits for it to exit
func (m *Manager) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.isRunning {
		return nil
	}

	m.logger.Info("Stopping resource manager")
	m.cancel()
	m.wg.Wait()
	m.isRunning = false
	return nil
}

// Allocate performs a raw allocation for a channel and returns the new
// resource id, or InvalidID when the global memory cap or the owning
// channel's resource cap would be exceeded.
func (m *Manager) Allocate(rtype ResourceType, size int64, channel int) int64 {
	if size < 0 {
		return InvalidID
	}

	m.mu.Lock()
	// The cap projection must run under the coarse lock: additions
	// happen there too, so concurrent allocations cannot jointly
	// overshoot the cap.
	memoryBacked := rtype != TypeGPUMemory
	if memoryBacked && m.totalMemory.Load()+size > m.config.MaxTotalMemory {
		m.mu.Unlock()
		metrics.RecordError("resources", "memory_cap")
		m.logger.WithFields(logrus.Fields{
			"resource_type": rtype.String(),
			"size":          size,
			"total":         m.totalMemory.Load(),
			"cap":           m.config.MaxTotalMemory,
		}).Warn("Allocation rejected, global memory cap")
		return InvalidID
	}

	if m.channelCounts[channel] >= m.config.MaxPerChannel {
		m.mu.Unlock()
		metrics.RecordError("resources", "channel_cap")
		m.logger.WithFields(logrus.Fields{
			"channel": channel,
			"cap":     m.config.MaxPerChannel,
		}).Warn("Allocation rejected, per-channel resource cap")
		return InvalidID
	}

	id := m.nextID.Add(1)
	now := time.Now()
	res := &managedResource{
		id:        id,
		rtype:     rtype,
		state:     StateAvailable,
		size:      size,
		owner:     channel,
		createdAt: now,
		lastUsed:  now,
	}

	switch rtype {
	case TypeGPUMemory:
		// Actual allocation is the external GPU manager's job; the
		// backing block stays a nil placeholder.
		if m.gpu != nil {
			if err := m.gpu.Allocate(size); err != nil {
				m.mu.Unlock()
				metrics.RecordError("resources", "gpu_alloc")
				m.logger.WithError(err).Warn("GPU allocation failed")
				return InvalidID
			}
			gpu := m.gpu
			res.cleanup = func() { gpu.Free(size) }
		}
	default:
		block := make([]byte, size)
		res.data = block
		res.cleanup = func() {
			// Drop the reference so the block can be collected
			res.data = nil
		}
		m.totalMemory.Add(size)
	}

	m.resources[id] = res
	m.channelCounts[channel]++
	m.mu.Unlock()

	metrics.ManagedResources.WithLabelValues(rtype.String(), StateAvailable.String()).Inc()
	metrics.ManagedMemoryBytes.Set(float64(m.totalMemory.Load()))

	m.logger.WithFields(logrus.Fields{
		"resource_id":   id,
		"resource_type": rtype.String(),
		"size":          size,
		"channel":       channel,
	}).Debug("Resource allocated")
	return id
}

// LoadModelData copies a caller-supplied model byte buffer into
// manager-owned storage and returns its resource id. The model format
// is opaque to this core.
func (m *Manager) LoadModelData(data []byte, channel int) int64 {
	id := m.Allocate(TypeModelData, int64(len(data)), channel)
	if id == InvalidID {
		return InvalidID
	}

	res, ok := m.getResource(id)
	if !ok {
		return InvalidID
	}

	res.mu.Lock()
	copy(res.data, data)
	res.mu.Unlock()
	return id
}

// Reserve increments a resource's reference count. Fails on unknown
// ids and on resources already scheduled for cleanup. A freshly
// reserved resource is RESERVED until a holder touches its backing
// block, which promotes it to IN_USE.
func (m *Manager) Reserve(id int64) bool {
	res, ok := m.getResource(id)
	if !ok {
		return false
	}

	res.mu.Lock()
	defer res.mu.Unlock()

	if res.state == StateCleanupPending || res.state == StateError {
		return false
	}

	res.refCount.Add(1)
	if res.state == StateAvailable {
		res.state = StateReserved
	}
	res.lastUsed = time.Now()
	return true
}

// Release decrements a resource's reference count. At zero the
// resource returns to AVAILABLE, unless a deallocation was deferred,
// in which case it stays CLEANUP_PENDING for the sweeper.
func (m *Manager) Release(id int64) bool {
	res, ok := m.getResource(id)
	if !ok {
		return false
	}

	res.mu.Lock()
	defer res.mu.Unlock()

	if res.refCount.Load() <= 0 {
		return false
	}

	if res.refCount.Add(-1) == 0 && (res.state == StateReserved || res.state == StateInUse) {
		res.state = StateAvailable
	}
	res.lastUsed = time.Now()
	return true
}

// Deallocate frees a resource. A resource still referenced by holders
// is never freed underneath them: it transitions to CLEANUP_PENDING
// and the call returns false; the sweeper (or an explicit retry)
// completes the free once the count reaches zero.
func (m *Manager) Deallocate(id int64) bool {
	res, ok := m.getResource(id)
	if !ok {
		return false
	}

	if m.remove(res, "deallocate") {
		return true
	}

	res.mu.Lock()
	referenced := res.refCount.Load() > 0
	if referenced {
		res.state = StateCleanupPending
	}
	res.mu.Unlock()

	if referenced {
		m.logger.WithField("resource_id", id).Debug("Deallocation deferred, resource still referenced")
	}
	return false
}

// remove unregisters a resource and runs its cleanup exactly once. The
// reference count is re-checked under the record lock so a Reserve that
// raced ahead keeps the resource alive: a nonzero count aborts the
// removal entirely and remove reports false. Once the count is observed
// at zero the state flips to CLEANUP_PENDING before the lock is
// dropped, so any later Reserve on a stale pointer is rejected.
func (m *Manager) remove(res *managedResource, reason string) bool {
	res.mu.Lock()
	if res.refCount.Load() > 0 {
		res.mu.Unlock()
		return false
	}
	state := res.state
	res.state = StateCleanupPending
	memoryBacked := res.rtype != TypeGPUMemory
	res.mu.Unlock()

	m.mu.Lock()
	if _, ok := m.resources[res.id]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.resources, res.id)
	m.channelCounts[res.owner]--
	if m.channelCounts[res.owner] <= 0 {
		delete(m.channelCounts, res.owner)
	}
	m.mu.Unlock()

	res.mu.Lock()
	res.destroy()
	res.mu.Unlock()
	if memoryBacked {
		m.totalMemory.Add(-res.size)
	}

	metrics.ManagedResources.WithLabelValues(res.rtype.String(), state.String()).Dec()
	metrics.ManagedMemoryBytes.Set(float64(m.totalMemory.Load()))
	metrics.ResourcesReclaimedTotal.WithLabelValues(reason).Inc()

	m.logger.WithFields(logrus.Fields{
		"resource_id":   res.id,
		"resource_type": res.rtype.String(),
		"reason":        reason,
	}).Debug("Resource freed")
	return true
}

// GetSnapshot returns a point-in-time copy of one resource's record
func (m *Manager) GetSnapshot(id int64) (Snapshot, bool) {
	res, ok := m.getResource(id)
	if !ok {
		return Snapshot{}, false
	}

	res.mu.Lock()
	defer res.mu.Unlock()

	return Snapshot{
		ID:        res.id,
		Type:      res.rtype,
		State:     res.state,
		Size:      res.size,
		Owner:     res.owner,
		RefCount:  res.refCount.Load(),
		CreatedAt: res.createdAt,
		LastUsed:  res.lastUsed,
	}, true
}

// Data exposes the backing block of a memory-backed resource. GPU
// resources return nil. Accessing the block of a reserved resource
// promotes it to IN_USE.
func (m *Manager) Data(id int64) []byte {
	res, ok := m.getResource(id)
	if !ok {
		return nil
	}

	res.mu.Lock()
	defer res.mu.Unlock()

	if res.state == StateReserved && res.data != nil {
		res.state = StateInUse
	}
	return res.data
}

// Count returns the number of tracked resources
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.resources)
}

// TotalMemory returns the memory currently held by managed resources
func (m *Manager) TotalMemory() int64 {
	return m.totalMemory.Load()
}

// ChannelResourceCount returns how many resources a channel holds
func (m *Manager) ChannelResourceCount(channel int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channelCounts[channel]
}

// ids returns all resource ids sorted ascending, which is also
// oldest-first since ids are monotonic.
func (m *Manager) ids() []int64 {
	m.mu.RLock()
	out := make([]int64, 0, len(m.resources))
	for id := range m.resources {
		out = append(out, id)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StatusReport renders a human-readable summary of managed resources
func (m *Manager) StatusReport() string {
	var b strings.Builder
	b.WriteString("=== Resource Manager ===\n")
	fmt.Fprintf(&b, "Resources: %d, memory: %d/%d bytes\n",
		m.Count(), m.TotalMemory(), m.config.MaxTotalMemory)

	byType := make(map[ResourceType]int)
	byState := make(map[State]int)
	for _, id := range m.ids() {
		snap, ok := m.GetSnapshot(id)
		if !ok {
			continue
		}
		byType[snap.Type]++
		byState[snap.State]++
	}
	for rt, n := range byType {
		fmt.Fprintf(&b, "type %-15s count=%d\n", rt.String(), n)
	}
	for st, n := range byState {
		fmt.Fprintf(&b, "state %-15s count=%d\n", st.String(), n)
	}
	return b.String()
}

// getResource looks up a record under the coarse lock
func (m *Manager) getResource(id int64) (*managedResource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.resources[id]
	return res, ok
}
