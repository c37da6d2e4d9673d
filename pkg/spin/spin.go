// Package spin implements the interrupt-safe synchronization primitives used
// by the boot pipeline.
//
// The primitives never allocate and never fail. There is no scheduler in the
// environment they target; contention is resolved purely by spinning, so
// callers must keep critical sections short. A handler that can preempt the
// holder of a lock must use TryAcquire and skip its work on contention,
// since blocking there would deadlock.
package spin

import (
	"runtime"
	"sync/atomic"
)

// Lock is a spin-wait mutual exclusion lock.
//
// The zero value is an unlocked Lock. A Lock must not be copied after first
// use.
type Lock struct {
	state uint32
}

// Guard represents held ownership of a Lock. Release returns ownership;
// releasing twice panics.
type Guard struct {
	lock     *Lock
	released bool
}

// Acquire spins until exclusive access is obtained.
func (l *Lock) Acquire() *Guard {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		spinWait()
	}
	return &Guard{lock: l}
}

// TryAcquire attempts to obtain exclusive access without blocking. The guard
// is nil when ok is false.
func (l *Lock) TryAcquire() (*Guard, bool) {
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		return &Guard{lock: l}, true
	}
	return nil, false
}

// Do runs fn while holding the lock. The lock is released on every exit
// path, including a panic in fn.
func (l *Lock) Do(fn func()) {
	g := l.Acquire()
	defer g.Release()
	fn()
}

// Release returns ownership of the lock.
func (g *Guard) Release() {
	if g.released {
		panic("spin: lock released twice")
	}
	g.released = true
	atomic.StoreUint32(&g.lock.state, 0)
}

// Once is a one-shot initialization cell holding a value of type T.
//
// Concurrent first-time initializers race: exactly one runs its init
// function and wins, the losers spin until the winner's value is stored and
// then observe it, discarding their own init function unrun. All observers
// past the race see the same value.
//
// The zero value is an empty Once. A Once must not be copied after first
// use.
type Once[T any] struct {
	state uint32
	value T
}

const (
	onceEmpty = iota
	onceBusy
	onceDone
)

// Init returns the stored value, running fn to produce it if the cell is
// still empty. fn runs at most once per cell across all callers.
func (o *Once[T]) Init(fn func() T) T {
	if atomic.CompareAndSwapUint32(&o.state, onceEmpty, onceBusy) {
		o.value = fn()
		atomic.StoreUint32(&o.state, onceDone)
		return o.value
	}
	for atomic.LoadUint32(&o.state) != onceDone {
		spinWait()
	}
	return o.value
}

// Get observes the stored value without initializing. ok is false while the
// cell is empty or an initializer is still running.
func (o *Once[T]) Get() (T, bool) {
	if atomic.LoadUint32(&o.state) == onceDone {
		return o.value, true
	}
	var zero T
	return zero, false
}

// spinWait burns a short busy loop between atomic attempts. The Gosched call
// lets contending goroutines make progress when a Go scheduler is running;
// before one exists it is a no-op.
func spinWait() {
	for i := 0; i < 32; i++ {
	}
	runtime.Gosched()
}
