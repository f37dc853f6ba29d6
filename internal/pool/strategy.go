package pool

// selectIdle picks an idle instance according to the pool's configured
// strategy. Called with p.mu held. Returns nil when nothing is idle.
func (p *pool) selectIdle(channel int) *instance {
	switch p.config.Strategy {
	case StrategyLeastLoaded, StrategyPriority:
		return p.leastLoaded()
	case StrategyAffinity, StrategyAdaptive:
		if inst := p.affinityMatch(channel); inst != nil {
			return inst
		}
		return p.leastLoaded()
	default:
		return p.firstIdle()
	}
}

// firstIdle returns the first idle instance in slot order
func (p *pool) firstIdle() *instance {
	for _, inst := range p.instances {
		if !inst.inUse {
			return inst
		}
	}
	return nil
}

// leastLoaded returns the idle instance with the smallest lifetime
// usage count.
func (p *pool) leastLoaded() *instance {
	var best *instance
	for _, inst := range p.instances {
		if inst.inUse {
			continue
		}
		if best == nil || inst.usageCount < best.usageCount {
			best = inst
		}
	}
	return best
}

// dropAffinity removes any bindings that point at a removed instance.
// Called with p.mu held.
func (p *pool) dropAffinity(instanceID int64) {
	for ch, id := range p.affinity {
		if id == instanceID {
			delete(p.affinity, ch)
		}
	}
}

// affinityMatch returns the channel's bound instance if it is idle
func (p *pool) affinityMatch(channel int) *instance {
	id, ok := p.affinity[channel]
	if !ok {
		return nil
	}
	for _, inst := range p.instances {
		if inst.id == id && !inst.inUse {
			return inst
		}
	}
	return nil
}
