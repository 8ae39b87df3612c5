package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrWouldBlock is returned by Flush when the socket buffer is full.
	ErrWouldBlock = errors.New("operation would block")
	// ErrQueueNotEmpty is returned by PrepareRead when the queue already
	// holds events that must be dispatched first.
	ErrQueueNotEmpty = errors.New("event queue is not empty")
	// ErrProxyDestroyed is returned for requests on a destroyed proxy.
	ErrProxyDestroyed = errors.New("proxy has been destroyed")
	// ErrConnectionClosed is the fatal error after the compositor hung up
	// or the display was disconnected.
	ErrConnectionClosed = errors.New("wayland connection closed")
	// ErrDispatcherSet is returned when a proxy already has a dispatcher.
	ErrDispatcherSet = errors.New("proxy already has a dispatcher")
)

// ProtocolError is the fatal error the compositor reports through
// wl_display.error.
type ProtocolError struct {
	ObjectID  uint32
	Interface string
	Code      uint32
	Message   string
}

func (e *ProtocolError) Error() string {
	if e.Interface == "" {
		return fmt.Sprintf("protocol error on object %d: code %d: %s", e.ObjectID, e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error on %s@%d: code %d: %s", e.Interface, e.ObjectID, e.Code, e.Message)
}
