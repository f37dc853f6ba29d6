package resources

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// BlockPool is a typed pool of fixed-size blocks layered on the
// id-based manager. AllocateFromPool reuses an available block when
// one exists, creates a new block through the base allocator while
// under the block cap, and otherwise fails. There is no implicit
// fallback to unpooled allocation.
type BlockPool struct {
	manager *Manager
	logger  *logrus.Logger

	blockSize int64
	maxBlocks int
	rtype     ResourceType

	mu     sync.Mutex
	free   []int64
	blocks map[int64]struct{}
}

// NewBlockPool creates a fixed-block pool on top of a manager
func NewBlockPool(manager *Manager, rtype ResourceType, blockSize int64, maxBlocks int, logger *logrus.Logger) *BlockPool {
	if blockSize <= 0 {
		blockSize = 64 * 1024
	}
	if maxBlocks <= 0 {
		maxBlocks = 16
	}

	return &BlockPool{
		manager:   manager,
		logger:    logger,
		blockSize: blockSize,
		maxBlocks: maxBlocks,
		rtype:     rtype,
		blocks:    make(map[int64]struct{}),
	}
}

// AllocateFromPool hands out a block id for a channel, or InvalidID
// when the pool is exhausted.
func (bp *BlockPool) AllocateFromPool(channel int) int64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	// Reuse an available block first
	for len(bp.free) > 0 {
		id := bp.free[len(bp.free)-1]
		bp.free = bp.free[:len(bp.free)-1]
		if bp.manager.Reserve(id) {
			return id
		}
		// Block was reclaimed by the sweeper underneath us
		delete(bp.blocks, id)
	}

	if len(bp.blocks) >= bp.maxBlocks {
		bp.logger.WithFields(logrus.Fields{
			"block_size": bp.blockSize,
			"max_blocks": bp.maxBlocks,
		}).Warn("Block pool exhausted")
		return InvalidID
	}

	id := bp.manager.Allocate(bp.rtype, bp.blockSize, channel)
	if id == InvalidID {
		return InvalidID
	}
	if !bp.manager.Reserve(id) {
		return InvalidID
	}
	bp.blocks[id] = struct{}{}
	return id
}

// ReleaseToPool returns a block for reuse
func (bp *BlockPool) ReleaseToPool(id int64) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if _, ok := bp.blocks[id]; !ok {
		return false
	}
	if !bp.manager.Release(id) {
		return false
	}
	bp.free = append(bp.free, id)
	return true
}

// Size returns the current and maximum block counts
func (bp *BlockPool) Size() (blocks, maxBlocks int) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.blocks), bp.maxBlocks
}
