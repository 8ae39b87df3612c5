package wayland

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// dispatchLock serializes dispatching of one queue. It is reentrant for the
// OS thread holding it so that event handlers can dispatch the same queue
// again. The holder stays pinned to its thread while it holds the lock.
type dispatchLock struct {
	sem   *semaphore.Weighted
	owner atomic.Int64
	// depth is only touched by the owner.
	depth int
}

func newDispatchLock() *dispatchLock {
	return &dispatchLock{sem: semaphore.NewWeighted(1)}
}

func (l *dispatchLock) lock(ctx context.Context) (func(), error) {
	runtime.LockOSThread()
	tid := int64(unix.Gettid())
	if l.owner.Load() == tid {
		l.depth++
		return l.unlock, nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	l.owner.Store(tid)
	l.depth = 1
	return l.unlock, nil
}

// heldByCaller reports whether the calling thread holds the lock.
func (l *dispatchLock) heldByCaller() bool {
	return l.owner.Load() == int64(unix.Gettid())
}

func (l *dispatchLock) unlock() {
	l.depth--
	if l.depth == 0 {
		l.owner.Store(0)
		l.sem.Release(1)
	}
	runtime.UnlockOSThread()
}
