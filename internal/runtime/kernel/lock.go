package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// OwnerExternal identifies lock holders that are not CPU dispatch contexts
// (boot code, introspection, wakeups from outside the scheduler).
const OwnerExternal = -1

// TableLock is the single process-table lock. It guards the run queue, every
// scheduling field and the process state. It is not reentrant: a CPU that
// already holds it and tries to acquire it again panics.
type TableLock struct {
	mu sync.Mutex
	// holder is owner+2 so that the zero value means "free".
	holder atomic.Int32
}

// Acquire takes the lock on behalf of owner (a CPU id or OwnerExternal).
func (l *TableLock) Acquire(owner int) {
	if owner >= 0 && l.Holding(owner) {
		panic(fmt.Sprintf("acquire: table lock already held by cpu %d", owner))
	}
	l.mu.Lock()
	l.holder.Store(int32(owner + 2))
}

// Release drops the lock. Releasing a lock that owner does not hold panics.
func (l *TableLock) Release(owner int) {
	if !l.Holding(owner) {
		panic(fmt.Sprintf("release: table lock not held by owner %d", owner))
	}
	l.holder.Store(0)
	l.mu.Unlock()
}

// Holding reports whether owner currently holds the lock.
func (l *TableLock) Holding(owner int) bool {
	return l.holder.Load() == int32(owner+2)
}

// Do runs fn with the lock held and releases it on every exit path,
// including a panic raised inside fn.
func (l *TableLock) Do(owner int, fn func()) {
	l.Acquire(owner)
	defer l.Release(owner)
	fn()
}
