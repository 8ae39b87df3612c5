package wayland

import (
	"context"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/stanluk/wayland-client/wire"
)

// Queue is an event queue. Events of every proxy attached to a queue are
// delivered, in order, by whoever dispatches it.
//
// A local queue is bound to the goroutine that created it: every use from
// another OS thread panics, and so does attaching a non-local handler to
// one of its proxies from elsewhere.
type Queue struct {
	conn      *Connection
	raw       *wire.Queue
	name      string
	local     bool
	tid       int
	stateType reflect.Type
	lock      *dispatchLock
	log       *logrus.Entry

	// state is the data of the dispatch in progress. Only the holder of
	// lock touches it.
	state any

	mu        sync.Mutex
	proxies   map[*Proxy]struct{}
	destroyed bool
	display   *Display
}

func newQueue(c *Connection, name string, local bool, stateType reflect.Type) (*Queue, error) {
	c.checkOpen()
	if err := c.Err(); err != nil {
		return nil, errors.Wrapf(err, "creating queue %q", name)
	}
	q := &Queue{
		conn:      c.Clone(),
		raw:       c.c.display.CreateQueue(name),
		name:      name,
		local:     local,
		stateType: stateType,
		lock:      newDispatchLock(),
		log:       c.c.log.WithField("queue", name),
		proxies:   make(map[*Proxy]struct{}),
	}
	if local {
		runtime.LockOSThread()
		q.tid = unix.Gettid()
	}
	q.log.WithField("local", local).Debug("Created queue")
	return q, nil
}

func (q *Queue) Name() string {
	return q.name
}

// Connection returns the handle the queue holds. It must not be closed.
func (q *Queue) Connection() *Connection {
	return q.conn
}

func (q *Queue) IsLocal() bool {
	return q.local
}

func (q *Queue) checkThread() {
	if q.local && unix.Gettid() != q.tid {
		contractf("local queue %q used from a thread other than its creator", q.name)
	}
}

func (q *Queue) checkState(st reflect.Type) {
	if st != q.stateType {
		contractf("queue %q dispatched with %s, created for %s", q.name, typeName(st), typeName(q.stateType))
	}
}

func (q *Queue) checkUsable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		contractf("queue %q used after Destroy", q.name)
	}
}

func (q *Queue) track(p *Proxy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		contractf("object attached to destroyed queue %q", q.name)
	}
	q.proxies[p] = struct{}{}
}

func (q *Queue) untrack(p *Proxy) {
	q.mu.Lock()
	delete(q.proxies, p)
	q.mu.Unlock()
}

// DispatchPending dispatches the events already read for q without
// blocking and returns how many were dispatched.
func (q *Queue) DispatchPending() (int, error) {
	return q.dispatchPending(context.Background(), nil, nil)
}

// DispatchBlocking dispatches pending events, reading from the connection
// first if there are none.
func (q *Queue) DispatchBlocking() (int, error) {
	return q.dispatch(context.Background(), nil, nil)
}

// DispatchContext is DispatchBlocking that gives up when ctx is done.
func (q *Queue) DispatchContext(ctx context.Context) (int, error) {
	return q.dispatch(ctx, nil, nil)
}

// Roundtrip sends a sync request and dispatches q until the compositor
// has answered it. All events the compositor sent before the answer have
// been dispatched when it returns.
func (q *Queue) Roundtrip() error {
	return q.roundtrip(context.Background(), nil, nil)
}

// RoundtripContext is Roundtrip that gives up when ctx is done.
func (q *Queue) RoundtripContext(ctx context.Context) error {
	return q.roundtrip(ctx, nil, nil)
}

func (q *Queue) dispatchPending(ctx context.Context, state any, st reflect.Type) (int, error) {
	q.checkThread()
	q.checkState(st)
	unlock, err := q.lock.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	q.checkUsable()
	prev := q.state
	q.state = state
	defer func() { q.state = prev }()

	n, err := q.conn.c.display.DispatchQueuePending(q.raw)
	q.conn.c.dispatched.Add(uint64(n))
	return n, err
}

func (q *Queue) dispatch(ctx context.Context, state any, st reflect.Type) (int, error) {
	for {
		n, err := q.dispatchPending(ctx, state, st)
		if err != nil || n > 0 {
			return n, err
		}
		if err := q.conn.c.waitForEvents(ctx, q.raw); err != nil {
			return 0, err
		}
	}
}

func (q *Queue) roundtrip(ctx context.Context, state any, st reflect.Type) error {
	q.checkThread()
	q.checkState(st)
	// wait is cancelled as soon as the callback fires, also when another
	// goroutine dispatching q handles it.
	wait, stop := context.WithCancel(ctx)
	defer stop()
	var done atomic.Bool

	// No other dispatcher may see the answer before the handler is set.
	unlock, err := q.lock.lock(ctx)
	if err != nil {
		return err
	}
	cb, err := q.Display().Sync()
	if err != nil {
		unlock()
		return errors.Wrap(err, "sending sync request")
	}
	cb.SetEventHandler(CallbackHandler{Done: func(*Callback, uint32) {
		done.Store(true)
		stop()
	}})
	unlock()

	q.conn.c.roundtrips.Add(1)
	for {
		if _, err := q.dispatchPending(ctx, state, st); err != nil {
			cb.Destroy()
			return err
		}
		if done.Load() {
			return nil
		}
		if err := q.conn.c.waitForEvents(wait, q.raw); err != nil {
			if done.Load() {
				return nil
			}
			cb.Destroy()
			return err
		}
	}
}

// LockDispatch blocks dispatching of q by other threads until the returned
// function is called. Handlers running on the calling thread may still
// dispatch. The returned function must be called from the goroutine that
// took the lock; calling it again is a no-op.
func (q *Queue) LockDispatch() func() {
	unlock, _ := q.LockDispatchContext(context.Background())
	return unlock
}

// LockDispatchContext is LockDispatch that gives up when ctx is done.
func (q *Queue) LockDispatchContext(ctx context.Context) (func(), error) {
	q.checkThread()
	unlock, err := q.lock.lock(ctx)
	if err != nil {
		return nil, err
	}
	var released atomic.Bool
	return func() {
		if released.Load() {
			return
		}
		if !q.lock.heldByCaller() {
			contractf("dispatch lock of queue %q released by a thread that does not hold it", q.name)
		}
		if released.CompareAndSwap(false, true) {
			unlock()
		}
	}, nil
}

// Display returns a wl_display wrapper attached to q. Objects created
// through it deliver their events to q.
func (q *Queue) Display() *Display {
	q.mu.Lock()
	d := q.display
	q.mu.Unlock()
	if d != nil && !d.IsDestroyed() {
		return d
	}
	w, err := q.conn.Display().Wrapper(q)
	if err != nil {
		contractf("creating display wrapper for queue %q: %v", q.name, err)
	}
	d = DisplayType.MustCast(w)
	q.mu.Lock()
	q.display = d
	q.mu.Unlock()
	return d
}

// Destroy destroys q and every proxy still attached to it, without
// sending destructor requests for them. Destroying a queue twice is a
// no-op.
func (q *Queue) Destroy() {
	q.checkThread()
	unlock, _ := q.lock.lock(context.Background())
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		unlock()
		return
	}
	q.destroyed = true
	proxies := make([]*Proxy, 0, len(q.proxies))
	for p := range q.proxies {
		proxies = append(proxies, p)
	}
	q.mu.Unlock()

	for _, p := range proxies {
		p.Destroy()
	}
	if len(proxies) > 0 {
		q.log.Debugf("Destroyed %d objects still attached to the queue", len(proxies))
	}
	q.raw.Destroy()
	unlock()
	q.conn.Close()
	if q.local {
		runtime.UnlockOSThread()
	}
	q.log.Debug("Destroyed queue")
}

// DataQueue is a queue whose dispatch functions hand a value of type T to
// the handlers of its proxies. Handlers receive it with StateOf.
type DataQueue[T any] struct {
	*Queue
}

// NewQueueWithData creates a shared queue dispatched with a *T.
func NewQueueWithData[T any](c *Connection, name string) (*DataQueue[T], error) {
	q, err := newQueue(c, name, false, reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	return &DataQueue[T]{q}, nil
}

// NewLocalQueueWithData creates a local queue dispatched with a *T.
func NewLocalQueueWithData[T any](c *Connection, name string) (*DataQueue[T], error) {
	q, err := newQueue(c, name, true, reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	return &DataQueue[T]{q}, nil
}

func (q *DataQueue[T]) DispatchPending(state *T) (int, error) {
	return q.dispatchPending(context.Background(), state, q.stateType)
}

func (q *DataQueue[T]) DispatchBlocking(state *T) (int, error) {
	return q.dispatch(context.Background(), state, q.stateType)
}

func (q *DataQueue[T]) DispatchContext(ctx context.Context, state *T) (int, error) {
	return q.dispatch(ctx, state, q.stateType)
}

func (q *DataQueue[T]) Roundtrip(state *T) error {
	return q.roundtrip(context.Background(), state, q.stateType)
}

func (q *DataQueue[T]) RoundtripContext(ctx context.Context, state *T) error {
	return q.roundtrip(ctx, state, q.stateType)
}
