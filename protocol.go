package wayland

import (
	"reflect"

	"github.com/stanluk/wayland-client/wire"
)

// Display is a wl_display wrapper attached to a queue. Use Queue.Display
// to get one.
type Display struct {
	*Proxy
}

// Registry is a wl_registry object.
type Registry struct {
	*Proxy
}

// Callback is a wl_callback object.
type Callback struct {
	*Proxy
}

var (
	DisplayType = ObjectType[*Display]{
		Interface: wire.DisplayInterface,
		Wrap:      func(p *Proxy) *Display { return &Display{p} },
	}
	RegistryType = ObjectType[*Registry]{
		Interface: wire.RegistryInterface,
		Wrap:      func(p *Proxy) *Registry { return &Registry{p} },
	}
	CallbackType = ObjectType[*Callback]{
		Interface: wire.CallbackInterface,
		Wrap:      func(p *Proxy) *Callback { return &Callback{p} },
	}
)

// Sync asks the compositor to signal the returned callback once it has
// processed every request sent before.
func (d *Display) Sync() (*Callback, error) {
	p, err := d.MarshalConstructor(wire.DisplaySync, nil, 0, wire.NewID())
	if err != nil {
		return nil, err
	}
	return CallbackType.MustCast(p), nil
}

// GetRegistry creates a registry object announcing the globals of the
// compositor.
func (d *Display) GetRegistry() (*Registry, error) {
	p, err := d.MarshalConstructor(wire.DisplayGetRegistry, nil, 0, wire.NewID())
	if err != nil {
		return nil, err
	}
	return RegistryType.MustCast(p), nil
}

// Bind binds the global called name. The returned proxy is attached to
// the queue of the registry.
func (r *Registry) Bind(name uint32, iface *wire.Interface, version uint32) (*Proxy, error) {
	return r.MarshalConstructor(wire.RegistryBind, iface, version,
		wire.Uint(name), wire.String(iface.Name), wire.Uint(version), wire.NewID())
}

// Bind binds the global called name as a t.
func Bind[T any](r *Registry, name uint32, t ObjectType[T], version uint32) (T, error) {
	p, err := r.Bind(name, t.Interface, version)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := t.Cast(p)
	if err != nil {
		p.Destroy()
	}
	return v, err
}

// CallbackHandler handles wl_callback events. Nil functions ignore their
// event.
type CallbackHandler struct {
	Done func(cb *Callback, data uint32)
}

func (CallbackHandler) Interface() *wire.Interface {
	return wire.CallbackInterface
}

func (h CallbackHandler) Dispatch(ev *Event) {
	switch ev.Opcode {
	case wire.CallbackDoneEvent:
		if h.Done != nil {
			h.Done(CallbackType.MustCast(ev.Proxy), ev.Args[0].Uint)
		}
	default:
		ev.InvalidOpcode()
	}
}

// CallbackHandlerWithData is CallbackHandler for a DataQueue[T].
type CallbackHandlerWithData[T any] struct {
	Done func(state *T, cb *Callback, data uint32)
}

func (CallbackHandlerWithData[T]) Interface() *wire.Interface {
	return wire.CallbackInterface
}

func (CallbackHandlerWithData[T]) StateType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (h CallbackHandlerWithData[T]) Dispatch(ev *Event) {
	switch ev.Opcode {
	case wire.CallbackDoneEvent:
		if h.Done != nil {
			h.Done(StateOf[T](ev), CallbackType.MustCast(ev.Proxy), ev.Args[0].Uint)
		}
	default:
		ev.InvalidOpcode()
	}
}

// RegistryHandler handles wl_registry events. Nil functions ignore their
// event.
type RegistryHandler struct {
	Global       func(r *Registry, name uint32, iface string, version uint32)
	GlobalRemove func(r *Registry, name uint32)
}

func (RegistryHandler) Interface() *wire.Interface {
	return wire.RegistryInterface
}

func (h RegistryHandler) Dispatch(ev *Event) {
	switch ev.Opcode {
	case wire.RegistryGlobalEvent:
		if h.Global != nil {
			h.Global(RegistryType.MustCast(ev.Proxy), ev.Args[0].Uint, ev.Args[1].String, ev.Args[2].Uint)
		}
	case wire.RegistryGlobalRemoveEvent:
		if h.GlobalRemove != nil {
			h.GlobalRemove(RegistryType.MustCast(ev.Proxy), ev.Args[0].Uint)
		}
	default:
		ev.InvalidOpcode()
	}
}

// RegistryHandlerWithData is RegistryHandler for a DataQueue[T].
type RegistryHandlerWithData[T any] struct {
	Global       func(state *T, r *Registry, name uint32, iface string, version uint32)
	GlobalRemove func(state *T, r *Registry, name uint32)
}

func (RegistryHandlerWithData[T]) Interface() *wire.Interface {
	return wire.RegistryInterface
}

func (RegistryHandlerWithData[T]) StateType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (h RegistryHandlerWithData[T]) Dispatch(ev *Event) {
	switch ev.Opcode {
	case wire.RegistryGlobalEvent:
		if h.Global != nil {
			h.Global(StateOf[T](ev), RegistryType.MustCast(ev.Proxy), ev.Args[0].Uint, ev.Args[1].String, ev.Args[2].Uint)
		}
	case wire.RegistryGlobalRemoveEvent:
		if h.GlobalRemove != nil {
			h.GlobalRemove(StateOf[T](ev), RegistryType.MustCast(ev.Proxy), ev.Args[0].Uint)
		}
	default:
		ev.InvalidOpcode()
	}
}
