package wayland

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"

	"github.com/stanluk/wayland-client/wire"
)

var (
	// ErrProxyDestroyed is returned by requests on a destroyed proxy.
	ErrProxyDestroyed = wire.ErrProxyDestroyed
	// ErrConnectionClosed is the fatal error of a connection the
	// compositor hung up on.
	ErrConnectionClosed = wire.ErrConnectionClosed
	// ErrIncompatibleInterface is returned when a proxy is cast to a type
	// generated for a different interface.
	ErrIncompatibleInterface = errors.New("incompatible interface")
)

// ProtocolError is the fatal error reported by the compositor.
type ProtocolError = wire.ProtocolError

// contractf reports misuse of the API. These are bugs in the caller and
// are never returned as errors.
func contractf(format string, args ...any) {
	panic(fmt.Sprintf("wayland: "+format, args...))
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "no state"
	}
	return t.String()
}
