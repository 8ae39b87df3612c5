package wire

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Dispatcher receives the events of a proxy. It is called by
// DispatchQueuePending without engine locks held. Ownership of descriptors
// and new objects in args passes to the dispatcher.
type Dispatcher func(p *Proxy, opcode uint32, msg *Message, args []Argument, data any)

// MarshalFlags modify Marshal.
type MarshalFlags uint32

const (
	// MarshalDestroy destroys the proxy together with sending the request.
	MarshalDestroy MarshalFlags = 1 << iota
)

// Proxy is the engine side of a protocol object, or a wrapper of one.
type Proxy struct {
	display *Display
	id      uint32
	iface   *Interface
	version uint32
	// wrapped is the proxy a wrapper aliases; nil for real proxies.
	wrapped *Proxy

	// Guarded by display.mu.
	queue          *Queue
	destroyed      bool
	idDeleted      bool
	dispatcher     Dispatcher
	dispatcherData any
}

// ID returns the protocol id. It stays readable after destruction.
func (p *Proxy) ID() uint32 {
	return p.id
}

func (p *Proxy) Version() uint32 {
	return p.version
}

func (p *Proxy) Interface() *Interface {
	return p.iface
}

func (p *Proxy) Display() *Display {
	return p.display
}

// IsWrapper reports whether p was created by CreateWrapper.
func (p *Proxy) IsWrapper() bool {
	return p.wrapped != nil
}

// Destroyed reports whether p has been destroyed.
func (p *Proxy) Destroyed() bool {
	p.display.mu.Lock()
	defer p.display.mu.Unlock()
	return p.destroyed
}

// Queue returns the queue events of p and objects created through p are
// delivered to.
func (p *Proxy) Queue() *Queue {
	p.display.mu.Lock()
	defer p.display.mu.Unlock()
	return p.queue
}

// SetQueue moves p to q; nil means the default queue. Events already
// queued stay where they are.
func (p *Proxy) SetQueue(q *Queue) {
	d := p.display
	d.mu.Lock()
	defer d.mu.Unlock()
	if q == nil {
		q = d.defaultQueue
	}
	p.queue = q
}

// AddDispatcher installs the function events of p are delivered to. A
// proxy has at most one dispatcher.
func (p *Proxy) AddDispatcher(fn Dispatcher, data any) error {
	d := p.display
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case p.wrapped != nil:
		return errors.New("cannot add a dispatcher to a proxy wrapper")
	case p.destroyed:
		return ErrProxyDestroyed
	case p.dispatcher != nil:
		return ErrDispatcherSet
	}
	p.dispatcher = fn
	p.dispatcherData = data
	return nil
}

// Destroy frees the local object without sending anything. Destroying a
// proxy twice is a no-op.
func (p *Proxy) Destroy() {
	d := p.display
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyLocked(p)
}

func (d *Display) destroyLocked(p *Proxy) {
	if p.destroyed || p.id == displayID && p.wrapped == nil {
		return
	}
	p.destroyed = true
	p.dispatcher = nil
	p.dispatcherData = nil
	if p.wrapped != nil {
		return
	}
	if d.objects[p.id] == p {
		delete(d.objects, p.id)
	}
	switch {
	case p.id >= serverIDStart:
		// The compositor never releases its own ids; the zombie lives
		// until the id is reused.
		d.zombies[p.id] = p.iface
	case p.idDeleted:
		d.freeIDs = append(d.freeIDs, p.id)
	default:
		d.zombies[p.id] = p.iface
	}
}

// CreateWrapper returns an alias of p with its own queue assignment.
// Requests sent through the wrapper create objects on the wrapper's queue.
// A wrapper never receives events.
func (p *Proxy) CreateWrapper() (*Proxy, error) {
	d := p.display
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.destroyed {
		return nil, ErrProxyDestroyed
	}
	base := p
	if p.wrapped != nil {
		base = p.wrapped
	}
	return &Proxy{
		display: d,
		id:      p.id,
		iface:   p.iface,
		version: p.version,
		wrapped: base,
		queue:   p.queue,
	}, nil
}

// DestroyWrapper frees a wrapper created by CreateWrapper.
func (p *Proxy) DestroyWrapper() {
	if p.wrapped == nil {
		panic("wire: DestroyWrapper on a proxy that is not a wrapper")
	}
	p.Destroy()
}

// Request is one request sent through Send.
type Request struct {
	Opcode uint32
	Args   []Argument
	// Interface and Version choose the new object's interface when the
	// message leaves it open. Version 0 means the version of the sender.
	Interface *Interface
	Version   uint32
	Flags     MarshalFlags
	// Dispatcher and Data are installed on the new object before it is
	// visible to the reading side.
	Dispatcher Dispatcher
	Data       any
}

// Marshal sends request opcode with args. If the request creates an object,
// the new proxy is returned.
func (p *Proxy) Marshal(opcode uint32, args []Argument, iface *Interface, version uint32, flags MarshalFlags) (*Proxy, error) {
	return p.Send(Request{Opcode: opcode, Args: args, Interface: iface, Version: version, Flags: flags})
}

// Send sends r. If the request creates an object, the new proxy is
// returned.
func (p *Proxy) Send(r Request) (*Proxy, error) {
	d := p.display
	d.mu.Lock()
	np, err := d.marshalLocked(p, r)
	if r.Flags&MarshalDestroy != 0 {
		d.destroyLocked(p)
	}
	hooks := d.hooks
	d.mu.Unlock()
	if err == nil {
		for _, h := range hooks {
			h.fn()
		}
	}
	return np, err
}

func (d *Display) marshalLocked(p *Proxy, r Request) (*Proxy, error) {
	opcode, args := r.Opcode, r.Args
	if p.destroyed || p.wrapped != nil && p.wrapped.destroyed {
		return nil, ErrProxyDestroyed
	}
	if d.err != nil {
		return nil, d.err
	}
	if int(opcode) >= len(p.iface.Requests) {
		return nil, errors.Errorf("%s has no request with opcode %d", p.iface.Name, opcode)
	}
	msg := &p.iface.Requests[opcode]
	specs := msg.Args()
	if len(args) != len(specs) {
		return nil, errors.Errorf("%s.%s: got %d arguments, want %d", p.iface.Name, msg.Name, len(args), len(specs))
	}
	args = append([]Argument(nil), args...)
	var (
		np   *Proxy
		dups []int
	)
	fail := func(err error) (*Proxy, error) {
		closeFDs(dups)
		if np != nil {
			d.freeIDs = append(d.freeIDs, np.id)
		}
		return nil, err
	}
	for i, spec := range specs {
		a := &args[i]
		switch spec.Type {
		case ArgNewID:
			ni := msg.typeAt(i)
			if ni == nil {
				ni = r.Interface
			}
			if ni == nil {
				return fail(errors.Errorf("%s.%s: no interface for the new object", p.iface.Name, msg.Name))
			}
			v := r.Version
			if v == 0 {
				v = p.version
			}
			np = &Proxy{
				display:        d,
				id:             d.allocIDLocked(),
				iface:          ni,
				version:        v,
				queue:          p.queue,
				dispatcher:     r.Dispatcher,
				dispatcherData: r.Data,
			}
			a.Type = ArgNewID
			a.Object = np
		case ArgObject:
			if a.Object != nil && a.Object.destroyed {
				return fail(errors.Wrapf(ErrProxyDestroyed, "%s.%s: argument %d", p.iface.Name, msg.Name, i))
			}
		case ArgFD:
			fd, err := unix.FcntlInt(uintptr(a.FD), unix.F_DUPFD_CLOEXEC, 0)
			if err != nil {
				return fail(errors.Wrapf(err, "%s.%s: duplicating descriptor", p.iface.Name, msg.Name))
			}
			dups = append(dups, fd)
			a.FD = fd
		}
	}
	start, startFDs := len(d.out), len(d.outFDs)
	out, outFDs, err := Encode(d.out, d.outFDs, p.id, opcode, msg, args)
	if err != nil {
		d.out, d.outFDs = out[:start], outFDs[:startFDs]
		return fail(err)
	}
	d.out, d.outFDs = out, outFDs
	if np != nil {
		d.objects[np.id] = np
	}
	if d.debug {
		d.traceLocked(true, p, msg, args)
	}
	if len(d.out) > flushThreshold {
		// Errors are sticky in d.err and surface on the next call.
		_ = d.flushLocked()
	}
	return np, nil
}
