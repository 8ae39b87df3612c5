package wayland

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/stanluk/wayland-client/wire"
)

// pollFD waits until fd reports one of events or ctx is done. Cancellation
// is delivered through a pipe that is polled together with fd.
func pollFD(ctx context.Context, fd int, events int16) error {
	if ctx.Done() == nil {
		return pollLoop([]unix.PollFd{{Fd: int32(fd), Events: events}})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return errors.Wrap(err, "creating wakeup pipe")
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		unix.Write(p[1], []byte{0})
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()
	pfds := []unix.PollFd{
		{Fd: int32(fd), Events: events},
		{Fd: int32(p[0]), Events: unix.POLLIN},
	}
	if err := pollLoop(pfds); err != nil {
		return err
	}
	if pfds[0].Revents == 0 {
		return ctx.Err()
	}
	return nil
}

func pollLoop(pfds []unix.PollFd) error {
	for {
		_, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "polling wayland socket")
		}
		return nil
	}
}

// readCoordinator lets exactly one goroutine at a time block in poll on
// the connection socket. The others wait for it to finish and then take
// part in the read.
type readCoordinator struct {
	mu      sync.Mutex
	polling bool
	ready   chan struct{}
}

// await blocks until the socket is readable or ctx is done.
func (r *readCoordinator) await(ctx context.Context, poll func(context.Context) error) error {
	r.mu.Lock()
	if r.polling {
		ready := r.ready
		r.mu.Unlock()
		select {
		case <-ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.polling = true
	r.ready = make(chan struct{})
	r.mu.Unlock()

	err := poll(ctx)

	r.mu.Lock()
	r.polling = false
	close(r.ready)
	r.mu.Unlock()
	return err
}

// waitForEvents blocks until new events have been read from the socket or
// q already holds events.
func (c *connection) waitForEvents(ctx context.Context, q *wire.Queue) error {
	d := c.display
	if err := c.flush(ctx); err != nil {
		return err
	}
	if err := d.PrepareRead(q); err != nil {
		if errors.Is(err, wire.ErrQueueNotEmpty) {
			return nil
		}
		return err
	}
	err := c.reader.await(ctx, func(ctx context.Context) error {
		return pollFD(ctx, d.FD(), unix.POLLIN)
	})
	if err != nil {
		d.CancelRead()
		return err
	}
	c.reads.Add(1)
	return d.ReadEvents()
}
