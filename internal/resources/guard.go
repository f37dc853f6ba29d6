package resources

import (
	"sync"
)

// Guard runs a registered release action exactly once on scope exit
// unless it is disarmed or transferred first. Used wherever a raw
// resource handle is created and must not leak across early-return or
// error paths:
//
//	id := mgr.Allocate(TypeMemoryBuffer, size, ch)
//	g := NewGuard(func() { mgr.Deallocate(id) })
//	defer g.Close()
//	...
//	g.Disarm() // ownership handed off, release skipped
type Guard struct {
	mu      sync.Mutex
	release func()
	done    bool
}

// NewGuard creates a guard armed with the given release action
func NewGuard(release func()) *Guard {
	return &Guard{release: release}
}

// Close runs the release action if the guard is still armed. Safe to
// call more than once; the action runs at most once.
func (g *Guard) Close() {
	g.mu.Lock()
	release := g.release
	armed := !g.done
	g.done = true
	g.mu.Unlock()

	if armed && release != nil {
		release()
	}
}

// Disarm cancels the release action without running it
func (g *Guard) Disarm() {
	g.mu.Lock()
	g.done = true
	g.mu.Unlock()
}

// Transfer moves ownership of the release action to a new guard and
// disarms this one.
func (g *Guard) Transfer() *Guard {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done {
		return NewGuard(nil)
	}
	g.done = true
	return NewGuard(g.release)
}
