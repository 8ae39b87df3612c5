package wire_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/stanluk/wayland-client/internal/testserver"
	"github.com/stanluk/wayland-client/wire"
)

func connect(t *testing.T) (*wire.Display, *testserver.Server) {
	t.Helper()
	srv, fd, err := testserver.New()
	require.NoError(t, err)
	d, err := wire.ConnectToFD(fd)
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Disconnect()
		srv.Close()
	})
	return d, srv
}

// readOnce blocks until the socket is readable and reads events for q.
func readOnce(t *testing.T, d *wire.Display, q *wire.Queue) error {
	t.Helper()
	if err := d.Flush(); err != nil {
		return err
	}
	if err := d.PrepareRead(q); err != nil {
		if errors.Is(err, wire.ErrQueueNotEmpty) {
			return nil
		}
		return err
	}
	pfd := []unix.PollFd{{Fd: int32(d.FD()), Events: unix.POLLIN}}
	if _, err := unix.Poll(pfd, -1); err != nil {
		d.CancelRead()
		return err
	}
	return d.ReadEvents()
}

type recorder struct {
	events []string
}

func (r *recorder) dispatch(p *wire.Proxy, _ uint32, msg *wire.Message, _ []wire.Argument, _ any) {
	r.events = append(r.events, p.Interface().Name+"."+msg.Name)
}

func sendSync(t *testing.T, d *wire.Display, q *wire.Queue, r *recorder) *wire.Proxy {
	t.Helper()
	w, err := d.Proxy().CreateWrapper()
	require.NoError(t, err)
	defer w.DestroyWrapper()
	w.SetQueue(q)
	cb, err := w.Send(wire.Request{
		Opcode:     wire.DisplaySync,
		Args:       []wire.Argument{wire.NewID()},
		Dispatcher: r.dispatch,
	})
	require.NoError(t, err)
	assert.Same(t, q, cb.Queue())
	return cb
}

func TestSyncOnQueue(t *testing.T) {
	d, _ := connect(t)
	q := d.CreateQueue("test")
	r := &recorder{}
	sendSync(t, d, q, r)

	for len(r.events) == 0 {
		require.NoError(t, readOnce(t, d, q))
		_, err := d.DispatchQueuePending(q)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"wl_callback.done"}, r.events)
	assert.Zero(t, d.DefaultQueue().Len())
}

func TestDestroyedProxyEventsAreDropped(t *testing.T) {
	d, _ := connect(t)
	q := d.CreateQueue("test")
	r := &recorder{}
	cb := sendSync(t, d, q, r)
	id := cb.ID()
	cb.Destroy()
	cb.Destroy()
	assert.True(t, cb.Destroyed())

	// The second callback's done event proves the first one has been
	// answered, and the id released by delete_id is reused afterwards.
	r2 := &recorder{}
	sendSync(t, d, q, r2)
	for len(r2.events) == 0 {
		require.NoError(t, readOnce(t, d, q))
		_, err := d.DispatchQueuePending(q)
		require.NoError(t, err)
	}
	assert.Empty(t, r.events)
	third := sendSync(t, d, q, &recorder{})
	assert.Equal(t, id, third.ID())
}

func TestQueueDestroyDropsEvents(t *testing.T) {
	d, _ := connect(t)
	q := d.CreateQueue("doomed")
	r := &recorder{}
	sendSync(t, d, q, r)
	require.NoError(t, d.Flush())

	other := d.CreateQueue("other")
	r2 := &recorder{}
	sendSync(t, d, other, r2)
	for len(r2.events) == 0 {
		require.NoError(t, readOnce(t, d, other))
		_, err := d.DispatchQueuePending(other)
		require.NoError(t, err)
	}
	q.Destroy()
	assert.Zero(t, q.Len())
	assert.Empty(t, r.events)
}

func TestProtocolErrorIsFatal(t *testing.T) {
	d, _ := connect(t)
	w, err := d.Proxy().CreateWrapper()
	require.NoError(t, err)
	defer w.DestroyWrapper()
	// wl_display has no request 7.
	_, err = w.Marshal(7, nil, nil, 0, 0)
	require.Error(t, err)

	reg, err := w.Marshal(wire.DisplayGetRegistry, []wire.Argument{wire.NewID()}, nil, 0, 0)
	require.NoError(t, err)
	_, err = reg.Marshal(wire.RegistryBind, []wire.Argument{
		wire.Uint(99), wire.String("nope"), wire.Uint(1), wire.NewID(),
	}, testserver.TestInterface, 1, 0)
	require.NoError(t, err)

	for d.Err() == nil {
		if readOnce(t, d, nil) == nil {
			_, err = d.DispatchQueuePending(nil)
		}
	}
	var pe *wire.ProtocolError
	require.ErrorAs(t, d.Err(), &pe)
	assert.Equal(t, reg.ID(), pe.ObjectID)
	assert.Equal(t, "wl_registry", pe.Interface)
	assert.Equal(t, uint32(wire.DisplayErrorInvalidObject), pe.Code)

	_, err = reg.Marshal(wire.RegistryBind, []wire.Argument{
		wire.Uint(1), wire.String("wlt_test"), wire.Uint(1), wire.NewID(),
	}, testserver.TestInterface, 1, 0)
	assert.Equal(t, pe, err)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	d, _ := connect(t)
	q := d.CreateQueue("test")
	sendSync(t, d, q, &recorder{})
	d.Disconnect()
	d.Disconnect()
	assert.ErrorIs(t, d.Err(), wire.ErrConnectionClosed)
	assert.ErrorIs(t, d.Flush(), wire.ErrConnectionClosed)
}

func TestReadEventsWithoutPrepareReadPanics(t *testing.T) {
	d, _ := connect(t)
	assert.Panics(t, func() { d.ReadEvents() })
	assert.Panics(t, func() { d.CancelRead() })
}

// bind binds the wlt_test global announced by the test server.
func bind(t *testing.T, reg *wire.Proxy, fn wire.Dispatcher) *wire.Proxy {
	t.Helper()
	p, err := reg.Send(wire.Request{
		Opcode: wire.RegistryBind,
		Args: []wire.Argument{
			wire.Uint(testserver.DefaultGlobals[0].Name), wire.String(testserver.TestInterface.Name),
			wire.Uint(3), wire.NewID(),
		},
		Interface:  testserver.TestInterface,
		Version:    3,
		Dispatcher: fn,
	})
	require.NoError(t, err)
	return p
}

func TestZombieChildrenDropTheirDescriptors(t *testing.T) {
	d, _ := connect(t)
	q := d.CreateQueue("test")
	w, err := d.Proxy().CreateWrapper()
	require.NoError(t, err)
	defer w.DestroyWrapper()
	w.SetQueue(q)
	reg, err := w.Marshal(wire.DisplayGetRegistry, []wire.Argument{wire.NewID()}, nil, 0, 0)
	require.NoError(t, err)

	dead := bind(t, reg, (&recorder{}).dispatch)
	var fds []int
	live := bind(t, reg, func(_ *wire.Proxy, opcode uint32, _ *wire.Message, args []wire.Argument, _ any) {
		if opcode == testserver.TestFDEvent {
			fds = append(fds, args[0].FD)
		}
	})

	// The child created by the destroyed object sends a descriptor before
	// the live object does.
	_, err = dead.Marshal(testserver.TestEmitChildFD, nil, nil, 0, 0)
	require.NoError(t, err)
	dead.Destroy()
	_, err = live.Marshal(testserver.TestEmitFD, nil, nil, 0, 0)
	require.NoError(t, err)

	for len(fds) == 0 {
		require.NoError(t, readOnce(t, d, q))
		_, err := d.DispatchQueuePending(q)
		require.NoError(t, err)
	}
	require.Len(t, fds, 1)
	defer unix.Close(fds[0])
	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fds[0], &st))
	assert.Equal(t, int64(16), st.Size)
}
