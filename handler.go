package wayland

import (
	"os"
	"reflect"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/stanluk/wayland-client/wire"
)

// EventHandler receives the events of one proxy. Generated code provides
// an implementation per interface that decodes the arguments and calls
// user functions.
type EventHandler interface {
	// Interface is the interface the handler was generated for.
	Interface() *wire.Interface
	Dispatch(ev *Event)
}

// StatefulHandler is implemented by handlers that expect the queue to be
// dispatched with a value of StateType.
type StatefulHandler interface {
	EventHandler
	StateType() reflect.Type
}

// HandlerReleaser is implemented by handlers that want to know when they
// have been detached for good. Release is called exactly once, after the
// last invocation of Dispatch has returned.
type HandlerReleaser interface {
	Release()
}

// Event is one event being dispatched. Descriptors and new objects in Args
// that the handler does not take with FD or NewObject are released when
// Dispatch returns.
type Event struct {
	Queue   *Queue
	Proxy   *Proxy
	Opcode  uint32
	Message *wire.Message
	Args    []wire.Argument

	iface   *wire.Interface
	state   any
	claimed []bool
}

func (ev *Event) claim(i int, t wire.ArgType) bool {
	if i < 0 || i >= len(ev.Args) || ev.Args[i].Type != t {
		contractf("%s.%s has no %c argument %d", ev.iface.Name, ev.Message.Name, t, i)
	}
	if ev.claimed == nil {
		ev.claimed = make([]bool, len(ev.Args))
	}
	if ev.claimed[i] {
		return false
	}
	ev.claimed[i] = true
	return true
}

// NewObject takes ownership of the object created by argument i. The
// object is attached to the queue the event is dispatched on.
func (ev *Event) NewObject(i int) *Proxy {
	if !ev.claim(i, wire.ArgNewID) {
		contractf("new object of %s.%s taken twice", ev.iface.Name, ev.Message.Name)
	}
	return ev.Queue.adopt(ev.Args[i].Object)
}

// Object returns the object argument i. It is nil for a null object or one
// that has been destroyed.
func (ev *Event) Object(i int) Borrowed {
	if i < 0 || i >= len(ev.Args) || ev.Args[i].Type != wire.ArgObject {
		contractf("%s.%s has no object argument %d", ev.iface.Name, ev.Message.Name, i)
	}
	return Borrowed{raw: ev.Args[i].Object}
}

// FD takes ownership of the descriptor in argument i.
func (ev *Event) FD(i int) int {
	if !ev.claim(i, wire.ArgFD) {
		contractf("descriptor of %s.%s taken twice", ev.iface.Name, ev.Message.Name)
	}
	return ev.Args[i].FD
}

// File is FD wrapped in an *os.File.
func (ev *Event) File(i int, name string) *os.File {
	return os.NewFile(uintptr(ev.FD(i)), name)
}

// State returns the value the queue is being dispatched with.
func (ev *Event) State() any {
	return ev.state
}

// StateOf returns the value the queue is being dispatched with as a *T.
func StateOf[T any](ev *Event) *T {
	s, ok := ev.state.(*T)
	if !ok {
		contractf("queue %q is dispatched with %T, not *%s", ev.Queue.name, ev.state, reflect.TypeFor[T]())
	}
	return s
}

// InvalidOpcode panics. Generated handlers call it for opcodes their
// interface does not define.
func (ev *Event) InvalidOpcode() {
	contractf("%s has no event with opcode %d", ev.iface.Name, ev.Opcode)
}

func (ev *Event) release(handled bool) {
	n := 0
	for i := range ev.Args {
		if ev.claimed != nil && ev.claimed[i] {
			continue
		}
		a := &ev.Args[i]
		switch a.Type {
		case wire.ArgFD:
			unix.Close(a.FD)
			n++
		case wire.ArgNewID:
			if a.Object != nil {
				a.Object.Destroy()
				n++
			}
		}
	}
	if n == 0 {
		return
	}
	log := ev.Queue.log.WithField("event", ev.iface.Name+"."+ev.Message.Name)
	if handled {
		log.Debugf("Released %d unclaimed resources", n)
	} else {
		log.Warnf("Released %d resources of an event without handler", n)
	}
}

// handlerSlot holds the handler of a proxy. It is written at most once.
// A handler detached while running is released when its last invocation
// returns.
type handlerSlot struct {
	mu       sync.Mutex
	set      bool
	handler  EventHandler
	active   int
	detached bool
}

func (s *handlerSlot) store(h EventHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return false
	}
	s.set = true
	s.handler = h
	return true
}

func (s *handlerSlot) enter() EventHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil || s.detached {
		return nil
	}
	s.active++
	return s.handler
}

func (s *handlerSlot) exit() {
	s.mu.Lock()
	s.active--
	var h EventHandler
	if s.detached && s.active == 0 {
		h, s.handler = s.handler, nil
	}
	s.mu.Unlock()
	releaseHandler(h)
}

func (s *handlerSlot) detach() {
	s.mu.Lock()
	if s.handler == nil || s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	var h EventHandler
	if s.active == 0 {
		h, s.handler = s.handler, nil
	}
	s.mu.Unlock()
	releaseHandler(h)
}

func releaseHandler(h EventHandler) {
	if r, ok := h.(HandlerReleaser); ok {
		r.Release()
	}
}

// dispatchEvent is the dispatcher installed on every owned proxy.
func dispatchEvent(raw *wire.Proxy, opcode uint32, msg *wire.Message, args []wire.Argument, data any) {
	p := data.(*Proxy)
	ev := &Event{
		Queue:   p.queue,
		Proxy:   p,
		Opcode:  opcode,
		Message: msg,
		Args:    args,
		iface:   raw.Interface(),
		state:   p.queue.state,
	}
	h := p.slot.enter()
	defer func() { ev.release(h != nil) }()
	if h != nil {
		func() {
			defer p.slot.exit()
			h.Dispatch(ev)
		}()
	}
	if msg.Destructor {
		p.Destroy()
	}
}

// SetEventHandler attaches h to p. It panics if p already has a handler,
// is a wrapper or destroyed, if h was generated for another interface, or
// if h expects a state the queue of p is not dispatched with. Attaching a
// handler to a proxy of a local queue is only allowed from the thread that
// owns the queue.
func (p *Proxy) SetEventHandler(h EventHandler) {
	p.setHandler(h, false)
}

// SetEventHandlerLocal is SetEventHandler for handlers that must only run
// on the thread of a local queue. It panics unless p is attached to a
// local queue owned by the calling thread.
func (p *Proxy) SetEventHandlerLocal(h EventHandler) {
	p.setHandler(h, true)
}

// SetEventHandlerNoOp attaches a handler that ignores every event.
func (p *Proxy) SetEventHandlerNoOp() {
	p.setHandler(noOpHandler{iface: p.iface}, false)
}

func (p *Proxy) setHandler(h EventHandler, local bool) {
	q := p.queue
	switch {
	case h == nil:
		contractf("nil event handler for %s", p.iface.Name)
	case p.wrapper:
		contractf("event handler set on a wrapper of %s", p.iface.Name)
	case local && !q.local:
		contractf("local event handler set on %s of shared queue %q", p.iface.Name, q.name)
	case !p.iface.Compatible(h.Interface()):
		contractf("handler for %s set on %s", h.Interface().Name, p.iface.Name)
	}
	q.checkThread()
	if sh, ok := h.(StatefulHandler); ok {
		if st := sh.StateType(); st != q.stateType {
			contractf("handler for %s expects %s, queue %q is dispatched with %s",
				p.iface.Name, typeName(st), q.name, typeName(q.stateType))
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.raw == nil {
		contractf("event handler set on destroyed %s", p.iface.Name)
	}
	if !p.slot.store(h) {
		contractf("%s@%d already has an event handler", p.iface.Name, p.raw.ID())
	}
}

type noOpHandler struct {
	iface *wire.Interface
}

func (h noOpHandler) Interface() *wire.Interface {
	return h.iface
}

func (noOpHandler) Dispatch(*Event) {}
