package channel

import (
	"sync"
	"time"
)

// Synchronizer hands out exclusive use of a channel's processing slot.
// Acquire blocks the calling goroutine up to an optional timeout, or
// indefinitely when no timeout is given; all other public methods in
// this package are non-blocking.
type Synchronizer struct {
	mu    sync.Mutex
	slots map[int]chan struct{}
}

// NewSynchronizer creates an empty synchronizer
func NewSynchronizer() *Synchronizer {
	return &Synchronizer{
		slots: make(map[int]chan struct{}),
	}
}

// slot returns the semaphore for a channel, creating it on first use
func (s *Synchronizer) slot(index int) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[index]
	if !ok {
		slot = make(chan struct{}, 1)
		slot <- struct{}{}
		s.slots[index] = slot
	}
	return slot
}

// Acquire takes the slot for a channel, blocking up to timeout. A
// timeout of zero or less blocks until the slot is free. Returns true
// when the slot was acquired.
func (s *Synchronizer) Acquire(index int, timeout time.Duration) bool {
	slot := s.slot(index)

	if timeout <= 0 {
		<-slot
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-slot:
		return true
	case <-timer.C:
		return false
	}
}

// TryAcquire takes the slot for a channel without blocking
func (s *Synchronizer) TryAcquire(index int) bool {
	select {
	case <-s.slot(index):
		return true
	default:
		return false
	}
}

// Release returns the slot for a channel. Releasing a slot that is not
// held is a no-op.
func (s *Synchronizer) Release(index int) {
	select {
	case s.slot(index) <- struct{}{}:
	default:
	}
}
