package wayland

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanluk/wayland-client/internal/testserver"
	"github.com/stanluk/wayland-client/wire"
)

func TestCloneKeepsConnectionAlive(t *testing.T) {
	conn, _ := newTestConn(t)
	clone := conn.Clone()
	conn.Close()
	conn.Close()

	q, err := clone.NewQueue("after-close")
	require.NoError(t, err)
	require.NoError(t, q.Roundtrip())
	q.Destroy()
	require.NoError(t, clone.Err())

	clone.Close()
	assert.ErrorIs(t, clone.Err(), ErrConnectionClosed)
}

func TestQueueHoldsConnection(t *testing.T) {
	conn, _ := newTestConn(t)
	q, err := conn.NewQueue("holder")
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, q.Roundtrip())
	q.Destroy()
	assert.ErrorIs(t, q.Connection().Err(), ErrConnectionClosed)
}

func TestTakeOwnershipOnce(t *testing.T) {
	conn, _ := newTestConn(t)
	const n = 16
	handles := make([]*Connection, n)
	for i := range handles {
		handles[i] = conn.Clone()
	}
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		display atomic.Pointer[wire.Display]
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h *Connection) {
			defer wg.Done()
			if d, ok := h.TakeOwnership(); ok {
				won.Add(1)
				display.Store(d)
			}
		}(h)
	}
	wg.Wait()
	require.Equal(t, int32(1), won.Load())

	for _, h := range handles {
		h.Close()
	}
	conn.Close()
	d := display.Load()
	require.NoError(t, d.Err())
	d.Disconnect()
	assert.ErrorIs(t, d.Err(), ErrConnectionClosed)
}

func TestBorrowedDisplayIsNotDisconnected(t *testing.T) {
	srv, fd, err := testserver.New()
	require.NoError(t, err)
	defer srv.Close()
	d, err := wire.ConnectToFD(fd)
	require.NoError(t, err)
	defer d.Disconnect()

	conn := FromDisplay(d, false)
	_, ok := conn.TakeOwnership()
	assert.False(t, ok)
	conn.Close()
	assert.NoError(t, d.Err())
}

func TestRunDispatchesQueues(t *testing.T) {
	conn, _ := newTestConn(t)
	q1 := newTestQueue(t, conn, "one")
	q2 := newTestQueue(t, conn, "two")
	p1, p2 := bindTest(t, q1), bindTest(t, q2)
	h1, h2 := &testHandler{}, &testHandler{}
	p1.SetEventHandler(h1)
	p2.SetEventHandler(h2)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- conn.Run(ctx, q1, q2)
	}()
	for i := 0; i < 3; i++ {
		require.NoError(t, p1.Marshal(testserver.TestPing, wire.Uint(uint32(i))))
		require.NoError(t, p2.Marshal(testserver.TestPing, wire.Uint(uint32(i))))
	}
	assert.Eventually(t, func() bool {
		return h1.pongCount() == 3 && h2.pongCount() == 3
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	stats := conn.Stats()
	assert.NotZero(t, stats.Flushes)
	assert.NotZero(t, stats.Reads)
	assert.GreaterOrEqual(t, stats.Dispatched, uint64(6))
}

func TestRunRejectsLocalQueues(t *testing.T) {
	conn, _ := newTestConn(t)
	q, err := conn.NewLocalQueue("local")
	require.NoError(t, err)
	defer q.Destroy()
	assert.PanicsWithValue(t, `wayland: local queue "local" cannot be dispatched by Run`, func() {
		conn.Run(context.Background(), q)
	})
}

func TestFlushContextCancelled(t *testing.T) {
	conn, _ := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Nothing is buffered, so the flush succeeds without waiting.
	assert.NoError(t, conn.FlushContext(ctx))
}

func TestFatalErrorIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	srv, fd, err := testserver.New()
	require.NoError(t, err)
	conn, err := ConnectToFD(fd, WithLogger(logger), WithName("logged"))
	require.NoError(t, err)
	defer conn.Close()
	q, err := conn.NewQueue("main")
	require.NoError(t, err)
	defer q.Destroy()

	srv.Close()
	_, err = q.DispatchBlocking()
	require.Error(t, err)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "logged", entry.Data["display"])
}

func TestBorrowedConnectionsShareDisplay(t *testing.T) {
	srv, fd, err := testserver.New()
	require.NoError(t, err)
	defer srv.Close()
	d, err := wire.ConnectToFD(fd)
	require.NoError(t, err)
	defer d.Disconnect()

	first := FromDisplay(d, false)
	second := FromDisplay(d, false)
	defer first.Close()

	_, err = d.Proxy().Marshal(wire.DisplaySync, []wire.Argument{wire.NewID()}, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, first.c.kick, 1, "first connection is told to flush")
	assert.Len(t, second.c.kick, 1, "second connection is told to flush")

	second.Close()
	<-first.c.kick
	<-second.c.kick
	_, err = d.Proxy().Marshal(wire.DisplaySync, []wire.Argument{wire.NewID()}, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, first.c.kick, 1)
	assert.Empty(t, second.c.kick, "closed connection no longer hooked")
	assert.NoError(t, d.Err())
}
