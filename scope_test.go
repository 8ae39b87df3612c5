package wayland

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanluk/wayland-client/internal/testserver"
	"github.com/stanluk/wayland-client/wire"
)

func TestScopeDetachesOnReturn(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	p := bindTest(t, q)

	h := &testHandler{}
	err := q.Scope(func(s *Scope) error {
		s.SetEventHandler(p, h)
		if err := p.Marshal(testserver.TestPing, wire.Uint(1)); err != nil {
			return err
		}
		return q.Roundtrip()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.pongCount())
	assert.Equal(t, int32(1), h.released.Load())

	// Events after the scope ended reach nobody.
	require.NoError(t, p.Marshal(testserver.TestPing, wire.Uint(2)))
	require.NoError(t, q.Roundtrip())
	assert.Equal(t, 1, h.pongCount())
	assert.Equal(t, int32(1), h.released.Load())
}

func TestScopeDetachesOnError(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	p := bindTest(t, q)

	h := &testHandler{}
	boom := errors.New("boom")
	err := q.Scope(func(s *Scope) error {
		s.SetEventHandler(p, h)
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, int32(1), h.released.Load())
}

func TestScopeDetachesOnPanic(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	p := bindTest(t, q)

	h := &testHandler{}
	assert.PanicsWithValue(t, "boom", func() {
		q.Scope(func(s *Scope) error {
			s.SetEventHandler(p, h)
			panic("boom")
		})
	})
	assert.Equal(t, int32(1), h.released.Load())
}

func TestScopeContextDetachesOnCancel(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	p := bindTest(t, q)

	h := &testHandler{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.ScopeContext(ctx, func(ctx context.Context, s *Scope) error {
		s.SetEventHandler(p, h)
		for {
			if _, err := q.DispatchContext(ctx); err != nil {
				return err
			}
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), h.released.Load())
}

func TestScopeReleasesOnlyItsOwnHandlers(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	p := bindTest(t, q)
	outer := &testHandler{}
	p.SetEventHandler(outer)

	assert.Panics(t, func() {
		q.Scope(func(s *Scope) error {
			s.SetEventHandler(p, &testHandler{})
			return nil
		})
	})
	assert.Zero(t, outer.released.Load())
	require.NoError(t, p.Marshal(testserver.TestPing, wire.Uint(1)))
	require.NoError(t, q.Roundtrip())
	assert.Equal(t, 1, outer.pongCount())
}

func TestScopeRejectsForeignQueue(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	other := newTestQueue(t, conn, "other")
	p := bindTest(t, other)

	assert.PanicsWithValue(t, `wayland: wlt_test belongs to queue "other", not to the scope's queue "main"`, func() {
		q.Scope(func(s *Scope) error {
			s.SetEventHandler(p, &testHandler{})
			return nil
		})
	})
}

func TestScopeUsedAfterEnd(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	p := bindTest(t, q)

	var leaked *Scope
	require.NoError(t, q.Scope(func(s *Scope) error {
		leaked = s
		return nil
	}))
	assert.PanicsWithValue(t, `wayland: scope of queue "main" used after it ended`, func() {
		leaked.SetEventHandler(p, &testHandler{})
	})
}

func TestScopeWithProxyDestroyedInside(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	p := bindTest(t, q)

	h := &testHandler{}
	require.NoError(t, q.Scope(func(s *Scope) error {
		s.SetEventHandler(p, h)
		p.Destroy()
		assert.Equal(t, int32(1), h.released.Load())
		return nil
	}))
	assert.Equal(t, int32(1), h.released.Load())
}

func TestScopedHandlerDestroysItsProxy(t *testing.T) {
	conn, _ := newTestConn(t)
	q := newTestQueue(t, conn, "main")
	p := bindTest(t, q)

	h := &testHandler{}
	h.onPong = func(*Event, uint32) {
		p.Destroy()
	}
	require.NoError(t, q.Scope(func(s *Scope) error {
		s.SetEventHandler(p, h)
		if err := p.Marshal(testserver.TestPing, wire.Uint(1)); err != nil {
			return err
		}
		if err := q.Roundtrip(); err != nil {
			return err
		}
		assert.True(t, p.IsDestroyed())
		return nil
	}))
	assert.Equal(t, 1, h.pongCount())
	assert.Equal(t, int32(1), h.released.Load())
}
