package wayland

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanluk/wayland-client/internal/testserver"
	"github.com/stanluk/wayland-client/wire"
)

func TestLocalQueueRejectsOtherThreads(t *testing.T) {
	conn, _ := newTestConn(t)
	q, err := conn.NewLocalQueue("local")
	require.NoError(t, err)
	defer q.Destroy()
	p := bindTest(t, q)

	const msg = `wayland: local queue "local" used from a thread other than its creator`
	assert.Equal(t, msg, onOtherThread(func() { q.DispatchPending() }))
	assert.Equal(t, msg, onOtherThread(func() { q.Roundtrip() }))
	assert.Equal(t, msg, onOtherThread(func() { q.LockDispatch() }))
	assert.Equal(t, msg, onOtherThread(func() { p.SetEventHandler(&testHandler{}) }))
	assert.Equal(t, msg, onOtherThread(func() { p.Destroy() }))

	// The same call panics the same way every time.
	assert.Equal(t, msg, onOtherThread(func() { q.DispatchPending() }))

	h := &testHandler{}
	p.SetEventHandlerLocal(h)
	require.NoError(t, p.Marshal(testserver.TestPing, wire.Uint(1)))
	require.NoError(t, q.Roundtrip())
	assert.Equal(t, 1, h.pongCount())
}

func TestLocalHandlerNeedsLocalQueue(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "shared")
	p := bindTest(t, q)
	assert.PanicsWithValue(t, `wayland: local event handler set on wlt_test of shared queue "shared"`, func() {
		p.SetEventHandlerLocal(&testHandler{})
	})
}

func TestDispatchContextCancelled(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	n, err := q.DispatchContext(ctx)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// The connection is still usable.
	require.NoError(t, q.Roundtrip())
}

func TestRoundtripContextCancelled(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.RoundtripContext(ctx), context.Canceled)
	require.NoError(t, q.Roundtrip())
}

func TestNestedDispatch(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	p := bindTest(t, q)

	var nested int
	h := &testHandler{onPong: func(_ *Event, serial uint32) {
		if serial == 0 {
			n, err := q.DispatchPending()
			assert.NoError(t, err)
			nested = n
		}
	}}
	p.SetEventHandler(h)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Marshal(testserver.TestPing, wire.Uint(uint32(i))))
	}
	require.NoError(t, q.Roundtrip())
	assert.Equal(t, 3, h.pongCount())
	assert.Equal(t, []uint32{0, 1, 2}, h.pongs)
	assert.GreaterOrEqual(t, nested, 0)
}

func TestLockDispatchBlocksOtherThreads(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")

	unlock := q.LockDispatch()
	// Reentrant for the holder.
	_, err := q.DispatchPending()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := q.DispatchContext(ctx)
		errc <- err
	}()
	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)

	unlock()
	unlock()
	go func() {
		_, err := q.DispatchPending()
		errc <- err
	}()
	assert.NoError(t, <-errc)
}

func TestDestroyQueueDestroysProxies(t *testing.T) {
	conn, srv := newTestConn(t)
	q, err := conn.NewQueue("doomed")
	require.NoError(t, err)
	p := bindTest(t, q)
	w, err := p.Wrapper(q)
	require.NoError(t, err)

	q.Destroy()
	q.Destroy()
	assert.True(t, p.IsDestroyed())
	assert.True(t, w.IsDestroyed())
	assert.ErrorIs(t, p.Marshal(testserver.TestPing, wire.Uint(1)), ErrProxyDestroyed)
	assert.NotContains(t, srv.Requests(), "wlt_test.destroy")
	assert.PanicsWithValue(t, `wayland: queue "doomed" used after Destroy`, func() {
		q.DispatchPending()
	})
}

type counter struct {
	globals int
	done    int
}

func TestDataQueue(t *testing.T) {
	conn, _ := newTestConn(t)
	q, err := NewQueueWithData[counter](conn, "data")
	require.NoError(t, err)
	defer q.Destroy()

	reg, err := q.Display().GetRegistry()
	require.NoError(t, err)
	reg.SetEventHandler(RegistryHandlerWithData[counter]{
		Global: func(c *counter, _ *Registry, _ uint32, _ string, _ uint32) {
			c.globals++
		},
	})
	var c counter
	require.NoError(t, q.Roundtrip(&c))
	assert.Equal(t, 1, c.globals)

	cb, err := q.Display().Sync()
	require.NoError(t, err)
	cb.SetEventHandler(CallbackHandlerWithData[counter]{
		Done: func(c *counter, _ *Callback, _ uint32) {
			c.done++
		},
	})
	for c.done == 0 {
		_, err := q.DispatchBlocking(&c)
		require.NoError(t, err)
	}
}

func TestDataQueueRejectsWrongState(t *testing.T) {
	conn, _ := newTestConn(t)
	q, err := NewQueueWithData[counter](conn, "data")
	require.NoError(t, err)
	defer q.Destroy()

	assert.PanicsWithValue(t, `wayland: queue "data" dispatched with no state, created for wayland.counter`, func() {
		q.Queue.DispatchPending()
	})

	cb, err := q.Display().Sync()
	require.NoError(t, err)
	assert.PanicsWithValue(t,
		`wayland: handler for wl_callback expects string, queue "data" is dispatched with wayland.counter`,
		func() {
			cb.SetEventHandler(CallbackHandlerWithData[string]{})
		})
	// A handler without state is fine on any queue.
	cb.SetEventHandler(CallbackHandler{})
}

func TestStatefulHandlerOnPlainQueue(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "plain")
	cb, err := q.Display().Sync()
	require.NoError(t, err)
	assert.PanicsWithValue(t,
		`wayland: handler for wl_callback expects wayland.counter, queue "plain" is dispatched with no state`,
		func() {
			cb.SetEventHandler(CallbackHandlerWithData[counter]{})
		})
}

func TestRoundtripWhileRunDispatches(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "shared")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- conn.Run(ctx, q)
	}()
	for i := 0; i < 200; i++ {
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := q.RoundtripContext(rctx)
		rcancel()
		require.NoError(t, err, "roundtrip %d", i)
	}
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestLockDispatchReleasedByOwnerOnly(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")

	unlock := q.LockDispatch()
	assert.Equal(t, `wayland: dispatch lock of queue "main" released by a thread that does not hold it`,
		onOtherThread(unlock))

	// Still held: other threads cannot dispatch.
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := q.DispatchContext(ctx)
		errc <- err
	}()
	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)

	unlock()
	unlock()
	go func() {
		_, err := q.DispatchPending()
		errc <- err
	}()
	assert.NoError(t, <-errc)
}
