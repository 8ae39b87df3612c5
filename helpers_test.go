package wayland

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stanluk/wayland-client/internal/testserver"
	"github.com/stanluk/wayland-client/wire"
)

func newTestConn(t testing.TB, globals ...testserver.Global) (*Connection, *testserver.Server) {
	t.Helper()
	srv, fd, err := testserver.New(globals...)
	require.NoError(t, err)
	conn, err := ConnectToFD(fd, WithName(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		srv.Close()
	})
	return conn, srv
}

func newTestQueue(t testing.TB, conn *Connection, name string) *Queue {
	t.Helper()
	q, err := conn.NewQueue(name)
	require.NoError(t, err)
	t.Cleanup(q.Destroy)
	return q
}

// bindTest binds the wlt_test global on q.
func bindTest(t testing.TB, q *Queue) *Proxy {
	t.Helper()
	reg, err := q.Display().GetRegistry()
	require.NoError(t, err)
	var name uint32
	reg.SetEventHandler(RegistryHandler{
		Global: func(_ *Registry, n uint32, iface string, _ uint32) {
			if iface == testserver.TestInterface.Name {
				name = n
			}
		},
	})
	require.NoError(t, q.Roundtrip())
	require.NotZero(t, name)
	p, err := reg.Bind(name, testserver.TestInterface, 3)
	require.NoError(t, err)
	return p
}

// testHandler handles wlt_test events.
type testHandler struct {
	mu       sync.Mutex
	pongs    []uint32
	onPong   func(ev *Event, serial uint32)
	onFD     func(ev *Event)
	onChild  func(ev *Event)
	released atomic.Int32
}

func (h *testHandler) Interface() *wire.Interface {
	return testserver.TestInterface
}

func (h *testHandler) Dispatch(ev *Event) {
	switch ev.Opcode {
	case testserver.TestPongEvent:
		serial := ev.Args[0].Uint
		h.mu.Lock()
		h.pongs = append(h.pongs, serial)
		h.mu.Unlock()
		if h.onPong != nil {
			h.onPong(ev, serial)
		}
	case testserver.TestFDEvent:
		if h.onFD != nil {
			h.onFD(ev)
		}
	case testserver.TestChildEvent:
		if h.onChild != nil {
			h.onChild(ev)
		}
	default:
		ev.InvalidOpcode()
	}
}

func (h *testHandler) Release() {
	h.released.Add(1)
}

func (h *testHandler) pongCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pongs)
}

type childHandler struct {
	hello atomic.Int32
}

func (h *childHandler) Interface() *wire.Interface {
	return testserver.ChildInterface
}

func (h *childHandler) Dispatch(ev *Event) {
	switch ev.Opcode {
	case testserver.ChildHelloEvent:
		h.hello.Add(1)
	default:
		ev.InvalidOpcode()
	}
}

// onOtherThread runs fn on a fresh OS thread and returns what it panicked
// with, or nil.
func onOtherThread(fn func()) (v any) {
	done := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(done)
		defer func() { v = recover() }()
		fn()
	}()
	<-done
	return v
}
