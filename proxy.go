package wayland

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/stanluk/wayland-client/wire"
)

// Proxy is an owned handle to a protocol object, or to a wrapper of one.
//
// Destroying a proxy is mutually exclusive with every other use of it: a
// request that started before Destroy completes first, and one that starts
// after it fails with ErrProxyDestroyed. A wrapper aliases another object
// on a different queue; it never receives events and destroying it only
// frees the alias.
type Proxy struct {
	mu sync.RWMutex
	// raw is nil once the proxy has been destroyed.
	raw *wire.Proxy

	iface   *wire.Interface
	version uint32
	queue   *Queue
	wrapper bool
	slot    handlerSlot
}

// sendConstructor sends a request through raw that creates an object on q.
func sendConstructor(raw *wire.Proxy, q *Queue, opcode uint32, iface *wire.Interface, version uint32, args []wire.Argument) (*Proxy, error) {
	q.checkUsable()
	p := &Proxy{queue: q}
	np, err := raw.Send(wire.Request{
		Opcode:     opcode,
		Args:       args,
		Interface:  iface,
		Version:    version,
		Dispatcher: dispatchEvent,
		Data:       p,
	})
	if err != nil {
		return nil, err
	}
	if np == nil {
		return nil, errors.Errorf("%s request %d does not create an object", raw.Interface().Name, opcode)
	}
	p.mu.Lock()
	p.raw, p.iface, p.version = np, np.Interface(), np.Version()
	p.mu.Unlock()
	q.track(p)
	return p, nil
}

// adopt takes ownership of an object the compositor created.
func (q *Queue) adopt(raw *wire.Proxy) *Proxy {
	p := &Proxy{raw: raw, iface: raw.Interface(), version: raw.Version(), queue: q}
	if err := raw.AddDispatcher(dispatchEvent, p); err != nil {
		contractf("adopting %s@%d: %v", raw.Interface().Name, raw.ID(), err)
	}
	q.track(p)
	return p
}

func newWrapper(raw *wire.Proxy, q *Queue) (*Proxy, error) {
	w, err := raw.CreateWrapper()
	if err != nil {
		return nil, err
	}
	w.SetQueue(q.raw)
	p := &Proxy{raw: w, iface: w.Interface(), version: w.Version(), queue: q, wrapper: true}
	q.track(p)
	return p, nil
}

// ID returns the protocol id, or 0 once the proxy has been destroyed.
func (p *Proxy) ID() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.raw == nil {
		return 0
	}
	return p.raw.ID()
}

func (p *Proxy) Version() uint32 {
	return p.version
}

func (p *Proxy) Interface() *wire.Interface {
	return p.iface
}

// Queue returns the queue the proxy delivers its events to.
func (p *Proxy) Queue() *Queue {
	return p.queue
}

func (p *Proxy) IsWrapper() bool {
	return p.wrapper
}

func (p *Proxy) IsDestroyed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.raw == nil
}

func (p *Proxy) String() string {
	return p.iface.Name + "@" + strconv.FormatUint(uint64(p.ID()), 10)
}

// Borrow returns a borrowed reference. It is the zero Borrowed once the
// proxy has been destroyed.
func (p *Proxy) Borrow() Borrowed {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Borrowed{raw: p.raw}
}

// Locked calls fn with a borrowed reference that stays valid for the
// duration of the call. fn must not destroy p.
func (p *Proxy) Locked(fn func(b Borrowed)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fn(Borrowed{raw: p.raw})
}

// Marshal sends a request that does not create an object.
func (p *Proxy) Marshal(opcode uint32, args ...wire.Argument) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.raw == nil {
		return ErrProxyDestroyed
	}
	_, err := p.raw.Marshal(opcode, args, nil, 0, 0)
	return err
}

// MarshalConstructor sends a request that creates an object. The object
// is attached to the queue of p. iface and version are only consulted when
// the request leaves the interface open.
func (p *Proxy) MarshalConstructor(opcode uint32, iface *wire.Interface, version uint32, args ...wire.Argument) (*Proxy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.raw == nil {
		return nil, ErrProxyDestroyed
	}
	return sendConstructor(p.raw, p.queue, opcode, iface, version, args)
}

// Wrapper returns a wrapper of p attached to q.
func (p *Proxy) Wrapper(q *Queue) (*Proxy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.raw == nil {
		return nil, ErrProxyDestroyed
	}
	return newWrapper(p.raw, q)
}

func (p *Proxy) take() *wire.Proxy {
	if p.queue.local {
		p.queue.checkThread()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	raw := p.raw
	p.raw = nil
	return raw
}

func (p *Proxy) finish() {
	p.slot.detach()
	p.queue.untrack(p)
}

// Destroy frees the local object without telling the compositor. It waits
// for requests in progress on other goroutines. Destroying a proxy twice
// is a no-op.
func (p *Proxy) Destroy() {
	raw := p.take()
	if raw == nil {
		return
	}
	if p.wrapper {
		raw.DestroyWrapper()
	} else {
		raw.Destroy()
	}
	p.finish()
}

// DestroyWith sends the destructor request opcode and destroys p. It is a
// no-op on a destroyed proxy.
func (p *Proxy) DestroyWith(opcode uint32, args ...wire.Argument) error {
	if p.wrapper {
		contractf("destructor of %s sent through a wrapper", p.iface.Name)
	}
	raw := p.take()
	if raw == nil {
		return nil
	}
	_, err := raw.Marshal(opcode, args, nil, 0, wire.MarshalDestroy)
	if err != nil {
		raw.Destroy()
	}
	p.finish()
	return err
}

// Borrowed is a non-owning reference to a protocol object. It never
// destroys the object; requests through it fail once the owner has
// destroyed it.
type Borrowed struct {
	raw *wire.Proxy
}

// BorrowRaw wraps an engine proxy.
func BorrowRaw(raw *wire.Proxy) Borrowed {
	return Borrowed{raw: raw}
}

func (b Borrowed) IsNil() bool {
	return b.raw == nil
}

// ID returns the protocol id, or 0 for a nil or destroyed object.
func (b Borrowed) ID() uint32 {
	if b.raw == nil || b.raw.Destroyed() {
		return 0
	}
	return b.raw.ID()
}

func (b Borrowed) Version() uint32 {
	if b.raw == nil {
		return 0
	}
	return b.raw.Version()
}

func (b Borrowed) Interface() *wire.Interface {
	if b.raw == nil {
		return nil
	}
	return b.raw.Interface()
}

// Is reports whether the object may be used through code generated for
// iface.
func (b Borrowed) Is(iface *wire.Interface) bool {
	return b.raw != nil && b.raw.Interface().Compatible(iface)
}

// Raw returns the engine proxy.
func (b Borrowed) Raw() *wire.Proxy {
	return b.raw
}

// Argument returns b as an object argument of a request.
func (b Borrowed) Argument() wire.Argument {
	return wire.Object(b.raw)
}

func (b Borrowed) Marshal(opcode uint32, args ...wire.Argument) error {
	if b.raw == nil {
		return ErrProxyDestroyed
	}
	_, err := b.raw.Marshal(opcode, args, nil, 0, 0)
	return err
}

// MarshalConstructor sends a request that creates an object attached to q.
func (b Borrowed) MarshalConstructor(q *Queue, opcode uint32, iface *wire.Interface, version uint32, args ...wire.Argument) (*Proxy, error) {
	if b.raw == nil {
		return nil, ErrProxyDestroyed
	}
	w, err := b.raw.CreateWrapper()
	if err != nil {
		return nil, err
	}
	defer w.DestroyWrapper()
	w.SetQueue(q.raw)
	return sendConstructor(w, q, opcode, iface, version, args)
}

// Wrapper returns an owned wrapper of the object attached to q.
func (b Borrowed) Wrapper(q *Queue) (*Proxy, error) {
	if b.raw == nil {
		return nil, ErrProxyDestroyed
	}
	return newWrapper(b.raw, q)
}

// ObjectType converts untyped proxies to the type generated for an
// interface.
type ObjectType[T any] struct {
	Interface *wire.Interface
	Wrap      func(p *Proxy) T
}

// Cast returns p as a T. It fails unless the interface of p is compatible
// with t.Interface.
func (t ObjectType[T]) Cast(p *Proxy) (T, error) {
	var zero T
	if p == nil {
		return zero, errors.New("cast of nil proxy")
	}
	if !p.iface.Compatible(t.Interface) {
		return zero, errors.Wrapf(ErrIncompatibleInterface, "%s is not %s", p.iface.Name, t.Interface.Name)
	}
	return t.Wrap(p), nil
}

// MustCast is Cast that panics on failure.
func (t ObjectType[T]) MustCast(p *Proxy) T {
	v, err := t.Cast(p)
	if err != nil {
		panic(err)
	}
	return v
}
