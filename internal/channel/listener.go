package channel

import (
	"sync/atomic"
	"time"
)

// Listener receives channel lifecycle notifications. Callbacks run
// synchronously on the goroutine that detected the event and must not
// block significantly. At most one listener is active at a time.
type Listener interface {
	OnStateChanged(index int, from, to State, reason string)
	OnHealthChanged(index int, health HealthStatus)
	OnReconnectionAttempt(index, attempt int, delay time.Duration)
	OnReconnectionFailed(index, attempts int)
	OnChannelTimeout(index int)
}

// listenerBox wraps the interface so it can live in an atomic.Pointer
// regardless of the concrete listener type.
type listenerBox struct {
	listener Listener
}

type listenerRef struct {
	ptr atomic.Pointer[listenerBox]
}

func (r *listenerRef) set(l Listener) {
	if l == nil {
		r.ptr.Store(nil)
		return
	}
	r.ptr.Store(&listenerBox{listener: l})
}

func (r *listenerRef) get() Listener {
	box := r.ptr.Load()
	if box == nil {
		return nil
	}
	return box.listener
}
