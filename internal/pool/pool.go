package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxenergy/channelcore/internal/metrics"
	"github.com/maxenergy/channelcore/pkg/workerpool"

	"github.com/sirupsen/logrus"
)

var (
	ErrPoolExists   = errors.New("pool already exists for type")
	ErrNoFactory    = errors.New("no factory for pool type")
	ErrPoolNotFound = errors.New("pool not found")
)

// ManagerConfig configures the pool manager's background workers
type ManagerConfig struct {
	ResizeInterval time.Duration `yaml:"resize_interval"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
}

// instance is one slot in a pool. The pool exclusively owns the slot;
// the resource handle is shared with whichever caller holds it, so
// busy/idle state is tracked separately from handle lifetime.
type instance struct {
	id         int64
	resource   *Resource
	inUse      bool
	channel    int
	usageCount int64
	createdAt  time.Time
	lastUsed   time.Time
}

// pool holds the instances of one resource type. All instance fields
// are guarded by the pool's own lock, independent of the manager's
// coarse pools-map lock.
type pool struct {
	mu sync.Mutex

	ptype     Type
	config    Config
	factory   Factory
	instances []*instance

	// Explicit channel-to-instance affinity side table
	affinity map[int]int64

	// Rolling latency window, reporting only
	latencies    []time.Duration
	latencyIndex int

	// Counters
	totalAllocations  int64
	failedAllocations int64

	stats Statistics
}

// listenerBox wraps the listener interface for atomic replacement
type listenerBox struct {
	listener Listener
}

// Manager owns the typed resource pools. It runs two background
// workers: the resize loop and the statistics loop.
type Manager struct {
	config ManagerConfig
	logger *logrus.Logger

	pools map[Type]*pool
	mu    sync.RWMutex

	listener   atomic.Pointer[listenerBox]
	nextInstID atomic.Int64

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	runMu     sync.Mutex
}

// NewManager creates a pool manager with no pools
func NewManager(config ManagerConfig, logger *logrus.Logger) *Manager {
	if config.ResizeInterval <= 0 {
		config.ResizeInterval = 5 * time.Second
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config: config,
		logger: logger,
		pools:  make(map[Type]*pool),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetListener replaces the active listener. Passing nil detaches it.
func (m *Manager) SetListener(l Listener) {
	if l == nil {
		m.listener.Store(nil)
		return
	}
	m.listener.Store(&listenerBox{listener: l})
}

func (m *Manager) getListener() Listener {
	box := m.listener.Load()
	if box == nil {
		return nil
	}
	return box.listener
}

// Start launches the resize and statistics workers
func (m *Manager) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.isRunning {
		return nil
	}

	m.logger.WithFields(logrus.Fields{
		"resize_interval": m.config.ResizeInterval,
		"stats_interval":  m.config.StatsInterval,
	}).Info("Starting resource pool manager")

	m.wg.Add(2)
	go m.resizeLoop()
	go m.statsLoop()

	m.isRunning = true
	return nil
}

// Stop signals both workers, waits for them, and shuts down any pooled
// thread pools.
func (m *Manager) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.isRunning {
		return nil
	}

	m.logger.Info("Stopping resource pool manager")
	m.cancel()
	m.wg.Wait()

	m.mu.RLock()
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, p := range pools {
		p.mu.Lock()
		for _, inst := range p.instances {
			if inst.resource.Kind == TypeThreadPool && inst.resource.ThreadPool != nil {
				inst.resource.ThreadPool.Stop()
			}
		}
		p.mu.Unlock()
	}

	m.isRunning = false
	return nil
}

// CreatePool creates the pool for a resource type and seeds it with
// config.InitialSize instances. Duplicate types and factory failures
// are configuration errors surfaced synchronously.
func (m *Manager) CreatePool(ptype Type, config Config) error {
	if config.MinSize <= 0 {
		config.MinSize = 1
	}
	if config.InitialSize < config.MinSize {
		config.InitialSize = config.MinSize
	}
	if config.MaxSize < config.InitialSize {
		config.MaxSize = config.InitialSize
	}
	if config.UtilizationThreshold <= 0 || config.UtilizationThreshold > 1 {
		config.UtilizationThreshold = 0.8
	}
	if config.ShrinkThreshold <= 0 {
		config.ShrinkThreshold = 0.3
	}
	if config.ExpandIncrement <= 0 {
		config.ExpandIncrement = 1
	}

	factory := config.Factory
	if factory == nil {
		factory = m.builtinFactory(ptype, config)
	}
	if factory == nil {
		return ErrNoFactory
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[ptype]; exists {
		return fmt.Errorf("%w: %s", ErrPoolExists, ptype)
	}

	p := &pool{
		ptype:     ptype,
		config:    config,
		factory:   factory,
		affinity:  make(map[int]int64),
		latencies: make([]time.Duration, 0, latencyWindowSize),
	}

	for i := 0; i < config.InitialSize; i++ {
		inst, err := m.newInstance(p)
		if err != nil {
			return fmt.Errorf("seeding pool %s: %w", ptype, err)
		}
		p.instances = append(p.instances, inst)
	}

	m.pools[ptype] = p

	metrics.PoolSize.WithLabelValues(ptype.String()).Set(float64(len(p.instances)))
	m.logger.WithFields(logrus.Fields{
		"pool_type":    ptype.String(),
		"initial_size": config.InitialSize,
		"max_size":     config.MaxSize,
		"strategy":     config.Strategy.String(),
	}).Info("Resource pool created")
	return nil
}

// Allocate hands out an idle instance's resource handle, or nil if the
// pool is exhausted. When no instance is idle, dynamic resize is
// enabled, and the pool is under its max, a new instance is created
// synchronously on this path rather than deferred to the resize loop.
func (m *Manager) Allocate(ptype Type, channel, priority int) *Resource {
	start := time.Now()

	p, ok := m.getPool(ptype)
	if !ok {
		return nil
	}

	p.mu.Lock()
	p.totalAllocations++

	inst := p.selectIdle(channel)
	if inst == nil && p.config.DynamicResize && len(p.instances) < p.config.MaxSize {
		created, err := m.newInstance(p)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"pool_type": ptype.String(),
				"error":     err,
			}).Error("Synchronous pool expansion failed")
		} else {
			p.instances = append(p.instances, created)
			inst = created
			metrics.PoolResizesTotal.WithLabelValues(ptype.String(), "expand").Inc()
		}
	}

	if inst == nil {
		p.failedAllocations++
		p.recordLatency(time.Since(start))
		p.mu.Unlock()

		metrics.RecordPoolAllocation(ptype.String(), "failure")
		m.logger.WithFields(logrus.Fields{
			"pool_type": ptype.String(),
			"channel":   channel,
		}).Warn("Pool allocation failed")

		if l := m.getListener(); l != nil {
			l.OnAllocationFailed(ptype, channel)
		}
		return nil
	}

	inst.inUse = true
	inst.channel = channel
	inst.usageCount++
	inst.lastUsed = time.Now()
	resource := inst.resource
	size := len(p.instances)
	p.recordLatency(time.Since(start))
	p.mu.Unlock()

	metrics.RecordPoolAllocation(ptype.String(), "success")
	metrics.PoolAllocationDuration.WithLabelValues(ptype.String()).Observe(time.Since(start).Seconds())
	metrics.PoolSize.WithLabelValues(ptype.String()).Set(float64(size))

	return resource
}

// Release returns a handle to its pool. The owning instance is located
// by handle identity, not by channel, so a channel releasing a handle
// it no longer owns still releases the right slot. An owner mismatch is
// logged as a misuse signal, never propagated.
func (m *Manager) Release(ptype Type, resource *Resource, channel int) bool {
	if resource == nil {
		return false
	}
	p, ok := m.getPool(ptype)
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, inst := range p.instances {
		if inst.resource != resource {
			continue
		}
		if !inst.inUse {
			return false
		}
		if inst.channel != channel {
			m.logger.WithFields(logrus.Fields{
				"pool_type":      ptype.String(),
				"owner_channel":  inst.channel,
				"caller_channel": channel,
				"instance_id":    inst.id,
			}).Warn("Pool release channel mismatch")
		}
		inst.inUse = false
		inst.channel = -1
		inst.lastUsed = time.Now()
		return true
	}
	return false
}

// SetChannelAffinity binds a channel to a specific instance for a pool
// type. The binding is best-effort: the affinity strategies prefer it
// when the instance is idle.
func (m *Manager) SetChannelAffinity(ptype Type, channel int, instanceID int64) bool {
	p, ok := m.getPool(ptype)
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, inst := range p.instances {
		if inst.id == instanceID {
			p.affinity[channel] = instanceID
			return true
		}
	}
	return false
}

// GetStatistics returns the last computed statistics for a pool
func (m *Manager) GetStatistics(ptype Type) (Statistics, bool) {
	p, ok := m.getPool(ptype)
	if !ok {
		return Statistics{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats, true
}

// GetInstances returns point-in-time copies of a pool's instance slots
func (m *Manager) GetInstances(ptype Type) ([]InstanceSnapshot, bool) {
	p, ok := m.getPool(ptype)
	if !ok {
		return nil, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	snaps := make([]InstanceSnapshot, 0, len(p.instances))
	for _, inst := range p.instances {
		snaps = append(snaps, InstanceSnapshot{
			ID:         inst.id,
			InUse:      inst.inUse,
			Channel:    inst.channel,
			UsageCount: inst.usageCount,
			CreatedAt:  inst.createdAt,
			LastUsed:   inst.lastUsed,
		})
	}
	return snaps, true
}

// Types returns the pool types currently registered, sorted
func (m *Manager) Types() []Type {
	m.mu.RLock()
	types := make([]Type, 0, len(m.pools))
	for t := range m.pools {
		types = append(types, t)
	}
	m.mu.RUnlock()

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// StatusReport renders a human-readable summary of all pools
func (m *Manager) StatusReport() string {
	var b strings.Builder
	b.WriteString("=== Generic Resource Pool ===\n")

	for _, t := range m.Types() {
		stats, ok := m.GetStatistics(t)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%-13s size=%d busy=%d util=%.2f allocs=%d failed=%d avg_latency=%s\n",
			t.String(), stats.Size, stats.Busy, stats.Utilization,
			stats.TotalAllocations, stats.FailedAllocations, stats.AverageLatency)
	}
	return b.String()
}

// newInstance creates one instance through the pool's factory. Called
// with p.mu held (or during pool creation before publication).
func (m *Manager) newInstance(p *pool) (*instance, error) {
	resource, err := p.factory()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &instance{
		id:        m.nextInstID.Add(1),
		resource:  resource,
		channel:   -1,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// builtinFactory returns the default factory for a pool type
func (m *Manager) builtinFactory(ptype Type, config Config) Factory {
	switch ptype {
	case TypeThreadPool:
		logger := m.logger
		workers := config.Workers
		return func() (*Resource, error) {
			wp := workerpool.New(workerpool.Config{Workers: workers}, logger)
			if err := wp.Start(); err != nil {
				return nil, err
			}
			return &Resource{Kind: TypeThreadPool, ThreadPool: wp}, nil
		}
	case TypeDecoder:
		codec := config.Codec
		if codec == "" {
			codec = "h264"
		}
		packetSize := config.BufferSize
		if packetSize <= 0 {
			packetSize = 64 * 1024
		}
		return func() (*Resource, error) {
			return &Resource{Kind: TypeDecoder, Decoder: &Decoder{
				Codec:      codec,
				Scratch:    make([]byte, packetSize),
				PacketSize: packetSize,
			}}, nil
		}
	case TypeMemoryBuffer:
		size := config.BufferSize
		if size <= 0 {
			size = 1024 * 1024
		}
		return func() (*Resource, error) {
			return &Resource{Kind: TypeMemoryBuffer, Buffer: make([]byte, size)}, nil
		}
	case TypeFrameBuffer:
		width, height := config.FrameWidth, config.FrameHeight
		if width <= 0 {
			width = 1920
		}
		if height <= 0 {
			height = 1080
		}
		return func() (*Resource, error) {
			return &Resource{Kind: TypeFrameBuffer, Frame: &FrameBuffer{
				Width:  width,
				Height: height,
				Data:   make([]byte, width*height*3/2),
			}}, nil
		}
	default:
		return nil
	}
}

// recordLatency appends to the bounded rolling latency window.
// Called with p.mu held.
func (p *pool) recordLatency(d time.Duration) {
	if len(p.latencies) < latencyWindowSize {
		p.latencies = append(p.latencies, d)
		return
	}
	p.latencies[p.latencyIndex] = d
	p.latencyIndex = (p.latencyIndex + 1) % latencyWindowSize
}

// getPool looks up a pool under the coarse lock
func (m *Manager) getPool(ptype Type) (*pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[ptype]
	return p, ok
}
