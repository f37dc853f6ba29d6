package quota

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

// Config configures the quota allocator
type Config struct {
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	Strategy          string        `yaml:"strategy"`
}

// quotaRecord is the authoritative accounting for one resource type.
// currentUsage must equal the sum of allocations at all times; the
// monitor loop re-derives it to heal drift.
type quotaRecord struct {
	mu sync.Mutex

	maxAmount    int64
	currentUsage int64
	reserved     int64
	allocations  map[int]int64
}

// channelRecord tracks one channel's requested, allocated, and actual
// usage per resource type. Independent of the state machine's channel
// map; the two subsystems track channels separately by the same index.
type channelRecord struct {
	mu sync.Mutex

	priority    int
	active      bool
	requested   map[ResourceType]int64
	allocated   map[ResourceType]int64
	actualUsage map[ResourceType]int64
	lastUpdate  time.Time
}

// listenerBox wraps the listener interface for atomic replacement
type listenerBox struct {
	listener Listener
}

// Allocator arbitrates per-resource-type quotas across channels.
// Allocation failure is a normal outcome, reported via return value
// and listener event, never an error condition.
type Allocator struct {
	config Config
	logger *logrus.Logger

	// Quota table is fixed at construction; each record has its own
	// lock. Channel map is guarded by the coarse mutex; per-channel
	// fields by each record's lock (coarse-then-fine ordering, and
	// channel lock before quota lock).
	quotas   map[ResourceType]*quotaRecord
	channels map[int]*channelRecord
	mu       sync.RWMutex

	strategy atomic.Int32
	listener atomic.Pointer[listenerBox]

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	runMu     sync.Mutex
}

// NewAllocator creates a quota allocator with empty quotas for every
// resource type. Capacities are set via SetQuota.
func NewAllocator(config Config, logger *logrus.Logger) *Allocator {
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = 5 * time.Second
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Allocator{
		config:   config,
		logger:   logger,
		quotas:   make(map[ResourceType]*quotaRecord),
		channels: make(map[int]*channelRecord),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, rt := range ResourceTypes() {
		a.quotas[rt] = &quotaRecord{
			allocations: make(map[int]int64),
		}
	}
	a.strategy.Store(int32(ParseStrategy(config.Strategy)))
	return a
}

// SetListener replaces the active listener. Passing nil detaches it.
func (a *Allocator) SetListener(l Listener) {
	if l == nil {
		a.listener.Store(nil)
		return
	}
	a.listener.Store(&listenerBox{listener: l})
}

func (a *Allocator) getListener() Listener {
	box := a.listener.Load()
	if box == nil {
		return nil
	}
	return box.listener
}

// SetStrategy selects the process-wide allocation strategy
func (a *Allocator) SetStrategy(s Strategy) {
	a.strategy.Store(int32(s))
	a.logger.WithField("strategy", s.String()).Info("Allocation strategy changed")
}

// GetStrategy returns the active allocation strategy
func (a *Allocator) GetStrategy() Strategy {
	return Strategy(a.strategy.Load())
}

// Start launches the background monitor worker
func (a *Allocator) Start() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.isRunning {
		return nil
	}

	a.logger.WithFields(logrus.Fields{
		"monitor_interval":   a.config.MonitorInterval,
		"inactivity_timeout": a.config.InactivityTimeout,
		"strategy":           a.GetStrategy().String(),
	}).Info("Starting quota allocator")

	a.wg.Add(1)
	go a.monitorLoop()

	a.isRunning = true
	return nil
}

// Stop signals the monitor worker and waits for it to exit
func (a *Allocator) Stop() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if !a.isRunning {
		return nil
	}

	a.logger.Info("Stopping quota allocator")
	a.cancel()
	a.wg.Wait()
	a.isRunning = false
	return nil
}

// SetQuota sets the maximum amount for a resource type
func (a *Allocator) SetQuota(rt ResourceType, maxAmount int64) bool {
	q, ok := a.quotas[rt]
	if !ok {
		return false
	}

	q.mu.Lock()
	q.maxAmount = maxAmount
	q.mu.Unlock()

	metrics.QuotaCapacity.WithLabelValues(rt.String()).Set(float64(maxAmount))
	a.logger.WithFields(logrus.Fields{
		"resource_type": rt.String(),
		"max_amount":    maxAmount,
	}).Info("Quota configured")
	return true
}

// SetReserved marks part of a quota as reserved. Reported in snapshots
// only; the allocation check uses max minus current usage.
func (a *Allocator) SetReserved(rt ResourceType, reserved int64) bool {
	q, ok := a.quotas[rt]
	if !ok {
		return false
	}

	q.mu.Lock()
	q.reserved = reserved
	q.mu.Unlock()
	return true
}

// AddChannel registers a channel with the given priority weight
func (a *Allocator) AddChannel(index, priority int) bool {
	if priority < 1 {
		priority = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.channels[index]; exists {
		return false
	}

	a.channels[index] = &channelRecord{
		priority:    priority,
		active:      true,
		requested:   make(map[ResourceType]int64),
		allocated:   make(map[ResourceType]int64),
		actualUsage: make(map[ResourceType]int64),
		lastUpdate:  time.Now(),
	}

	a.logger.WithFields(logrus.Fields{
		"channel":  index,
		"priority": priority,
	}).Info("Channel registered with quota allocator")
	return true
}

// RemoveChannel releases all of a channel's allocations and drops it
func (a *Allocator) RemoveChannel(index int) bool {
	ch, ok := a.getChannel(index)
	if !ok {
		return false
	}

	for _, rt := range ResourceTypes() {
		ch.mu.Lock()
		allocated := ch.allocated[rt]
		ch.mu.Unlock()
		if allocated > 0 {
			a.Deallocate(index, rt, allocated)
		}
	}

	a.mu.Lock()
	delete(a.channels, index)
	a.mu.Unlock()

	a.logger.WithField("channel", index).Info("Channel removed from quota allocator")
	return true
}

// SetChannelPriority updates a channel's priority weight
func (a *Allocator) SetChannelPriority(index, priority int) bool {
	ch, ok := a.getChannel(index)
	if !ok {
		return false
	}
	if priority < 1 {
		priority = 1
	}

	ch.mu.Lock()
	ch.priority = priority
	ch.mu.Unlock()
	return true
}

// SetChannelActive flags a channel as active or inactive for the
// strategy computations and leak detection.
func (a *Allocator) SetChannelActive(index int, active bool) bool {
	ch, ok := a.getChannel(index)
	if !ok {
		return false
	}

	ch.mu.Lock()
	ch.active = active
	ch.lastUpdate = time.Now()
	ch.mu.Unlock()
	return true
}

// ReportUsage records a channel's measured usage of a resource type,
// feeding the adaptive strategy and rebalancing.
func (a *Allocator) ReportUsage(index int, rt ResourceType, amount int64) bool {
	ch, ok := a.getChannel(index)
	if !ok {
		return false
	}

	ch.mu.Lock()
	ch.actualUsage[rt] = amount
	ch.lastUpdate = time.Now()
	ch.mu.Unlock()
	return true
}

// Allocate reserves exactly amount of a resource for a channel. The
// check and both bookkeeping updates happen atomically; failure mutates
// nothing.
func (a *Allocator) Allocate(index int, rt ResourceType, amount int64) bool {
	if amount <= 0 {
		return false
	}
	ch, ok := a.getChannel(index)
	if !ok {
		return false
	}
	q, ok := a.quotas[rt]
	if !ok {
		return false
	}

	ch.mu.Lock()
	q.mu.Lock()

	available := q.maxAmount - q.currentUsage
	if amount > available {
		q.mu.Unlock()
		ch.mu.Unlock()

		metrics.RecordQuotaAllocation(rt.String(), "exhausted")
		a.logger.WithFields(logrus.Fields{
			"channel":       index,
			"resource_type": rt.String(),
			"requested":     amount,
			"available":     available,
		}).Warn("Quota exhausted")

		if l := a.getListener(); l != nil {
			l.OnQuotaExhausted(rt, amount, available)
		}
		return false
	}

	q.currentUsage += amount
	q.allocations[index] += amount
	ch.allocated[rt] += amount
	ch.lastUpdate = time.Now()
	usage := q.currentUsage

	q.mu.Unlock()
	ch.mu.Unlock()

	metrics.RecordQuotaAllocation(rt.String(), "success")
	metrics.QuotaUsage.WithLabelValues(rt.String()).Set(float64(usage))

	if l := a.getListener(); l != nil {
		l.OnResourceAllocated(index, rt, amount)
	}
	return true
}

// Deallocate frees up to amount of a channel's allocation. The freed
// amount is clamped to what the channel actually holds, so usage never
// goes negative. The deallocated event fires only for a positive clamp.
func (a *Allocator) Deallocate(index int, rt ResourceType, amount int64) bool {
	if amount <= 0 {
		return false
	}
	ch, ok := a.getChannel(index)
	if !ok {
		return false
	}
	q, ok := a.quotas[rt]
	if !ok {
		return false
	}

	ch.mu.Lock()
	q.mu.Lock()

	held := q.allocations[index]
	freed := amount
	if freed > held {
		freed = held
	}
	if freed > 0 {
		q.currentUsage -= freed
		q.allocations[index] -= freed
		if q.allocations[index] == 0 {
			delete(q.allocations, index)
		}
		ch.allocated[rt] -= freed
		ch.lastUpdate = time.Now()
	}
	usage := q.currentUsage

	q.mu.Unlock()
	ch.mu.Unlock()

	if freed <= 0 {
		return false
	}

	metrics.QuotaUsage.WithLabelValues(rt.String()).Set(float64(usage))

	if l := a.getListener(); l != nil {
		l.OnResourceDeallocated(index, rt, freed)
	}
	return true
}

// Request is the negotiated allocation path: the active strategy
// computes an optimal amount from the raw request, and that amount is
// allocated instead. The granted amount is returned alongside the
// result so callers can tell a partial grant from a full one. Callers
// that need an exact amount use Allocate directly.
func (a *Allocator) Request(index int, rt ResourceType, amount int64) (int64, bool) {
	if amount <= 0 {
		return 0, false
	}
	ch, ok := a.getChannel(index)
	if !ok {
		return 0, false
	}
	if _, ok := a.quotas[rt]; !ok {
		return 0, false
	}

	ch.mu.Lock()
	ch.requested[rt] = amount
	ch.lastUpdate = time.Now()
	ch.mu.Unlock()

	optimal := a.computeOptimalAmount(index, rt, amount)
	if optimal <= 0 {
		metrics.RecordQuotaAllocation(rt.String(), "exhausted")
		if l := a.getListener(); l != nil {
			l.OnQuotaExhausted(rt, amount, a.available(rt))
		}
		return 0, false
	}

	if !a.Allocate(index, rt, optimal) {
		return 0, false
	}
	return optimal, true
}

// GetQuota returns a point-in-time copy of one quota's accounting
func (a *Allocator) GetQuota(rt ResourceType) (QuotaSnapshot, bool) {
	q, ok := a.quotas[rt]
	if !ok {
		return QuotaSnapshot{}, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	snap := QuotaSnapshot{
		Type:               rt,
		MaxAmount:          q.maxAmount,
		CurrentUsage:       q.currentUsage,
		ReservedAmount:     q.reserved,
		ChannelAllocations: make(map[int]int64, len(q.allocations)),
	}
	for idx, amount := range q.allocations {
		snap.ChannelAllocations[idx] = amount
	}
	return snap, true
}

// GetChannel returns a point-in-time copy of one channel's accounting
func (a *Allocator) GetChannel(index int) (ChannelSnapshot, bool) {
	ch, ok := a.getChannel(index)
	if !ok {
		return ChannelSnapshot{}, false
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	snap := ChannelSnapshot{
		Index:       index,
		Priority:    ch.priority,
		Active:      ch.active,
		Requested:   make(map[ResourceType]int64, len(ch.requested)),
		Allocated:   make(map[ResourceType]int64, len(ch.allocated)),
		ActualUsage: make(map[ResourceType]int64, len(ch.actualUsage)),
		LastUpdate:  ch.lastUpdate,
	}
	for rt, v := range ch.requested {
		snap.Requested[rt] = v
	}
	for rt, v := range ch.allocated {
		snap.Allocated[rt] = v
	}
	for rt, v := range ch.actualUsage {
		snap.ActualUsage[rt] = v
	}
	return snap, true
}

// Channels returns the sorted indices of all registered channels
func (a *Allocator) Channels() []int {
	a.mu.RLock()
	indices := make([]int, 0, len(a.channels))
	for idx := range a.channels {
		indices = append(indices, idx)
	}
	a.mu.RUnlock()

	sort.Ints(indices)
	return indices
}

// StatusReport renders a human-readable summary of quotas and channels
func (a *Allocator) StatusReport() string {
	var b strings.Builder
	b.WriteString("=== Resource Quota Allocator ===\n")
	fmt.Fprintf(&b, "Strategy: %s\n", a.GetStrategy())

	for _, rt := range ResourceTypes() {
		snap, ok := a.GetQuota(rt)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%-8s max=%d used=%d reserved=%d channels=%d\n",
			rt.String(), snap.MaxAmount, snap.CurrentUsage, snap.ReservedAmount, len(snap.ChannelAllocations))
	}

	for _, idx := range a.Channels() {
		snap, ok := a.GetChannel(idx)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "channel %2d: priority=%d active=%t allocations=%d\n",
			idx, snap.Priority, snap.Active, len(snap.Allocated))
	}
	return b.String()
}

// available returns the unallocated amount of a quota
func (a *Allocator) available(rt ResourceType) int64 {
	q, ok := a.quotas[rt]
	if !ok {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxAmount - q.currentUsage
}

// getChannel looks up a channel record under the coarse lock
func (a *Allocator) getChannel(index int) (*channelRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ch, ok := a.channels[index]
	return ch, ok
}
