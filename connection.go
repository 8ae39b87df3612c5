package wayland

import (
	"context"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/stanluk/wayland-client/wire"
)

type connection struct {
	display *wire.Display
	owned   atomic.Bool
	refs    atomic.Int64
	name    string
	log     *logrus.Entry
	reader  readCoordinator
	kick    chan struct{}
	// unhook removes requestFlush from the display.
	unhook func()

	reads      atomic.Uint64
	dispatched atomic.Uint64
	flushes    atomic.Uint64
	roundtrips atomic.Uint64
}

// Connection is a handle to a connection to a compositor. Handles are
// cheap to clone; the connection is disconnected when the last handle is
// closed, unless it was borrowed or ownership has been taken.
type Connection struct {
	c      *connection
	closed atomic.Bool
}

// Stats are counters of a connection, shared by all of its handles.
type Stats struct {
	Reads      uint64
	Dispatched uint64
	Flushes    uint64
	Roundtrips uint64
}

type connectConfig struct {
	name   string
	logger *logrus.Logger
	debug  *bool
}

// ConnectOption configures a new Connection.
type ConnectOption func(*connectConfig)

// WithLogger sets the logger used for diagnostics. The default is the
// logrus standard logger.
func WithLogger(l *logrus.Logger) ConnectOption {
	return func(c *connectConfig) {
		c.logger = l
	}
}

// WithName sets the name the connection is logged under.
func WithName(name string) ConnectOption {
	return func(c *connectConfig) {
		c.name = name
	}
}

// WithDebug toggles message tracing, overriding $WAYLAND_DEBUG.
func WithDebug(on bool) ConnectOption {
	return func(c *connectConfig) {
		c.debug = &on
	}
}

// Connect connects to the compositor socket called name. An empty name
// selects $WAYLAND_SOCKET, $WAYLAND_DISPLAY or "wayland-0", in that order.
func Connect(name string, opts ...ConnectOption) (*Connection, error) {
	label := name
	if label == "" {
		label = os.Getenv("WAYLAND_DISPLAY")
	}
	d, err := wire.Connect(name)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to the compositor")
	}
	return newConnection(d, true, label, opts), nil
}

// ConnectToFD wraps an already connected socket. The connection owns fd
// from now on, also when an error is returned.
func ConnectToFD(fd int, opts ...ConnectOption) (*Connection, error) {
	d, err := wire.ConnectToFD(fd)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to the compositor")
	}
	return newConnection(d, true, "fd:"+strconv.Itoa(fd), opts), nil
}

// FromDisplay wraps a display created elsewhere. If owned is false the
// display is never disconnected by this package.
func FromDisplay(d *wire.Display, owned bool, opts ...ConnectOption) *Connection {
	return newConnection(d, owned, "fd:"+strconv.Itoa(d.FD()), opts)
}

func newConnection(d *wire.Display, owned bool, name string, opts []ConnectOption) *Connection {
	cfg := connectConfig{name: name}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.name == "" {
		cfg.name = "wayland-0"
	}
	logger := cfg.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &connection{
		display: d,
		name:    cfg.name,
		log:     logger.WithField("display", cfg.name),
		kick:    make(chan struct{}, 1),
	}
	c.owned.Store(owned)
	c.refs.Store(1)
	if owned {
		// A borrowed display keeps the logger of its owner.
		d.SetLogger(c.log)
	}
	if cfg.debug != nil {
		d.SetDebug(*cfg.debug)
	}
	c.unhook = d.AddFlushHook(c.requestFlush)
	c.log.WithField("owned", owned).Debug("Connected to compositor")
	return &Connection{c: c}
}

// Name returns the name the connection is logged under.
func (c *Connection) Name() string {
	return c.c.name
}

// Clone returns a new handle to the same connection.
func (c *Connection) Clone() *Connection {
	c.checkOpen()
	c.c.refs.Add(1)
	return &Connection{c: c.c}
}

// Close releases the handle. Closing a handle twice is a no-op. Closing
// the last handle of an owned connection disconnects it.
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.c.refs.Add(-1) > 0 {
		return
	}
	c.c.unhook()
	if c.c.owned.CompareAndSwap(true, false) {
		c.c.display.Disconnect()
		c.c.log.Debug("Disconnected from compositor")
	}
}

// TakeOwnership transfers responsibility for disconnecting to the caller.
// It succeeds at most once per connection, and never for borrowed ones.
func (c *Connection) TakeOwnership() (*wire.Display, bool) {
	if !c.c.owned.CompareAndSwap(true, false) {
		return nil, false
	}
	return c.c.display, true
}

// Raw returns the underlying display. It stays owned by the connection.
func (c *Connection) Raw() *wire.Display {
	return c.c.display
}

// Display returns the wl_display object. Objects created through it are
// attached to the default queue, which this package never dispatches;
// use Queue.Display instead.
func (c *Connection) Display() Borrowed {
	return Borrowed{raw: c.c.display.Proxy()}
}

// Err returns the fatal error of the connection, if any.
func (c *Connection) Err() error {
	return c.c.display.Err()
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() Stats {
	return Stats{
		Reads:      c.c.reads.Load(),
		Dispatched: c.c.dispatched.Load(),
		Flushes:    c.c.flushes.Load(),
		Roundtrips: c.c.roundtrips.Load(),
	}
}

// Flush writes all buffered requests, waiting for the socket to become
// writable as often as needed.
func (c *Connection) Flush() error {
	return c.c.flush(context.Background())
}

// FlushContext is Flush that gives up when ctx is done.
func (c *Connection) FlushContext(ctx context.Context) error {
	return c.c.flush(ctx)
}

func (c *connection) flush(ctx context.Context) error {
	for {
		err := c.display.Flush()
		if err == nil {
			c.flushes.Add(1)
			return nil
		}
		if !errors.Is(err, wire.ErrWouldBlock) {
			return err
		}
		if err := pollFD(ctx, c.display.FD(), unix.POLLOUT); err != nil {
			return err
		}
	}
}

func (c *connection) requestFlush() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// RunFlusher flushes requests as soon as they are buffered until ctx is
// done or the connection fails.
func (c *Connection) RunFlusher(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.c.kick:
			if err := c.FlushContext(ctx); err != nil {
				return err
			}
		}
	}
}

// Run dispatches queues, each on its own goroutine, and flushes requests
// until ctx is done or one of them fails. Local queues cannot be run this
// way.
func (c *Connection) Run(ctx context.Context, queues ...*Queue) error {
	for _, q := range queues {
		if q.local {
			contractf("local queue %q cannot be dispatched by Run", q.name)
		}
		if q.stateType != nil {
			contractf("queue %q needs %s and cannot be dispatched by Run", q.name, typeName(q.stateType))
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.RunFlusher(ctx)
	})
	for _, q := range queues {
		q := q
		g.Go(func() error {
			for {
				if _, err := q.DispatchContext(ctx); err != nil {
					return errors.Wrapf(err, "dispatching queue %q", q.name)
				}
			}
		})
	}
	return g.Wait()
}

// NewQueue creates a queue that may be dispatched from any goroutine.
func (c *Connection) NewQueue(name string) (*Queue, error) {
	return newQueue(c, name, false, nil)
}

// NewLocalQueue creates a queue bound to the calling goroutine. The
// goroutine is locked to its OS thread until the queue is destroyed.
func (c *Connection) NewLocalQueue(name string) (*Queue, error) {
	return newQueue(c, name, true, nil)
}

func (c *Connection) checkOpen() {
	if c.closed.Load() {
		contractf("connection handle used after Close")
	}
}
