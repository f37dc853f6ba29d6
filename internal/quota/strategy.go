package quota

// computeOptimalAmount negotiates the amount Request will actually
// allocate, according to the active strategy. The result is always
// clamped to the raw request and to the quota's available headroom.
func (a *Allocator) computeOptimalAmount(index int, rt ResourceType, requested int64) int64 {
	available := a.available(rt)
	if available <= 0 {
		return 0
	}

	var optimal int64
	switch a.GetStrategy() {
	case StrategyPriority:
		optimal = a.priorityAmount(index, available)
	case StrategyDemand:
		optimal = a.demandAmount(index, rt, requested, available)
	case StrategyAdaptive:
		optimal = a.adaptiveAmount(index, rt, requested, available)
	default:
		optimal = a.fairShareAmount(available)
	}

	if optimal > requested {
		optimal = requested
	}
	if optimal > available {
		optimal = available
	}
	if optimal < 0 {
		optimal = 0
	}
	return optimal
}

// fairShareAmount divides the available headroom evenly across all
// registered channels.
func (a *Allocator) fairShareAmount(available int64) int64 {
	a.mu.RLock()
	count := int64(len(a.channels))
	a.mu.RUnlock()

	if count == 0 {
		return 0
	}
	return available / count
}

// priorityAmount weights the available headroom by the channel's
// priority relative to all active channels.
func (a *Allocator) priorityAmount(index int, available int64) int64 {
	var prioritySum, channelPriority int64

	a.mu.RLock()
	for idx, ch := range a.channels {
		ch.mu.Lock()
		if ch.active {
			prioritySum += int64(ch.priority)
		}
		if idx == index {
			channelPriority = int64(ch.priority)
		}
		ch.mu.Unlock()
	}
	a.mu.RUnlock()

	if prioritySum == 0 {
		return 0
	}
	return available * channelPriority / prioritySum
}

// demandAmount weights the available headroom by the channel's share of
// total demand for the resource type. Zero total demand falls back to
// the raw request.
func (a *Allocator) demandAmount(index int, rt ResourceType, requested, available int64) int64 {
	var demandSum int64

	a.mu.RLock()
	for _, ch := range a.channels {
		ch.mu.Lock()
		if ch.active {
			demandSum += ch.requested[rt]
		}
		ch.mu.Unlock()
	}
	a.mu.RUnlock()

	if demandSum == 0 {
		return requested
	}
	return available * requested / demandSum
}

// adaptiveAmount blends the priority and demand allocations. Channels
// whose measured usage efficiency exceeds the threshold get a
// demand-favoring blend, rewarding channels that use what they ask for.
func (a *Allocator) adaptiveAmount(index int, rt ResourceType, requested, available int64) int64 {
	priorityAlloc := a.priorityAmount(index, available)
	demandAlloc := a.demandAmount(index, rt, requested, available)

	wp, wd := adaptivePriorityWeight, adaptiveDemandWeight
	if a.usageEfficiency(index, rt) > adaptiveEfficiencyThreshold {
		wp, wd = adaptiveEfficientPriorityWeight, adaptiveEfficientDemandWeight
	}

	return int64(wp*float64(priorityAlloc) + wd*float64(demandAlloc))
}

// usageEfficiency is the ratio of measured usage to allocated amount
// for one channel and resource type. Zero when nothing is allocated.
func (a *Allocator) usageEfficiency(index int, rt ResourceType) float64 {
	ch, ok := a.getChannel(index)
	if !ok {
		return 0
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	allocated := ch.allocated[rt]
	if allocated == 0 {
		return 0
	}
	return float64(ch.actualUsage[rt]) / float64(allocated)
}
