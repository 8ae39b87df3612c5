// Package wire implements the client end of the Wayland wire protocol: the
// socket, message (de)serialization, file descriptor passing and the object
// and event queue bookkeeping that the runtime in the parent package builds
// on. It is primarily intended for usage by that runtime and by generated
// protocol code.
//
// The primitives follow the threading rules of libwayland-client. Every
// method is safe to call from any goroutine, but PrepareRead, ReadEvents and
// CancelRead must be paired exactly as documented, and a Dispatcher runs
// without any engine lock held so it may call back into the engine.
package wire

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	displayID     = 1
	serverIDStart = 0xff000000
	// flushThreshold is the amount of buffered request data after which
	// Marshal tries to flush on its own.
	flushThreshold = 4096
	maxFDsIn       = 28
	readSize       = 4096 * 4
)

// Display is a connection to a compositor.
type Display struct {
	fd int

	mu sync.Mutex
	// cond is signalled when the active read finishes or the display
	// fails.
	cond       *sync.Cond
	readers    int
	readSerial uint64

	err    error
	closed bool

	objects map[uint32]*Proxy
	// zombies holds the interfaces of destroyed objects whose id may
	// still receive events: client ids until delete_id, compositor ids
	// until they are reused.
	zombies map[uint32]*Interface
	freeIDs []uint32
	nextID  uint32

	out    []byte
	outFDs []int
	in     []byte
	inFDs  []int
	rbuf   []byte

	queues       map[*Queue]struct{}
	defaultQueue *Queue
	proxy        *Proxy

	log   *logrus.Entry
	debug bool
	// hooks is replaced, never modified in place, so Send can call a
	// snapshot without holding mu.
	hooks []*flushHook
}

type flushHook struct {
	fn func()
}

// SocketPath resolves the path of the compositor socket for name following
// the libwayland rules: an empty name means $WAYLAND_DISPLAY or
// "wayland-0", relative names live in $XDG_RUNTIME_DIR.
func SocketPath(name string) (string, error) {
	if name == "" {
		name = os.Getenv("WAYLAND_DISPLAY")
	}
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", errors.New("XDG_RUNTIME_DIR not set in the environment")
	}
	return filepath.Join(dir, name), nil
}

// Connect connects to the compositor socket called name. With an empty
// name an inherited $WAYLAND_SOCKET descriptor takes precedence.
func Connect(name string) (*Display, error) {
	if name == "" {
		if s, ok := os.LookupEnv("WAYLAND_SOCKET"); ok {
			os.Unsetenv("WAYLAND_SOCKET")
			fd, err := strconv.Atoi(s)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid WAYLAND_SOCKET %q", s)
			}
			unix.CloseOnExec(fd)
			return ConnectToFD(fd)
		}
	}
	path, err := SocketPath(name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "creating socket")
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "connecting to %s", path)
	}
	return ConnectToFD(fd)
}

// ConnectToFD wraps an already connected socket. The display takes
// ownership of fd, also on failure.
func ConnectToFD(fd int) (*Display, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "setting socket non-blocking")
	}
	d := &Display{
		fd:      fd,
		objects: make(map[uint32]*Proxy),
		zombies: make(map[uint32]*Interface),
		nextID:  displayID + 1,
		queues:  make(map[*Queue]struct{}),
		rbuf:    make([]byte, readSize),
		log:     logrus.WithField("fd", fd),
		debug:   debugFromEnv(),
	}
	d.cond = sync.NewCond(&d.mu)
	d.defaultQueue = d.newQueueLocked("Default Queue")
	d.proxy = &Proxy{
		display: d,
		id:      displayID,
		iface:   DisplayInterface,
		version: 1,
		queue:   d.defaultQueue,
	}
	d.objects[displayID] = d.proxy
	return d, nil
}

func debugFromEnv() bool {
	v := os.Getenv("WAYLAND_DEBUG")
	return v == "1" || strings.Contains(v, "client")
}

// SetLogger replaces the logger used for diagnostics.
func (d *Display) SetLogger(l *logrus.Entry) {
	d.mu.Lock()
	d.log = l
	d.mu.Unlock()
}

// SetDebug toggles logging of every message sent and received. Messages
// are logged at trace level.
func (d *Display) SetDebug(on bool) {
	d.mu.Lock()
	d.debug = on
	d.mu.Unlock()
}

// AddFlushHook registers fn to be called, without locks held, each time
// a request has been buffered. Calling remove unregisters it.
func (d *Display) AddFlushHook(fn func()) (remove func()) {
	h := &flushHook{fn: fn}
	d.mu.Lock()
	d.hooks = append(d.hooks[:len(d.hooks):len(d.hooks)], h)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, x := range d.hooks {
			if x == h {
				hooks := make([]*flushHook, 0, len(d.hooks)-1)
				d.hooks = append(append(hooks, d.hooks[:i]...), d.hooks[i+1:]...)
				return
			}
		}
	}
}

// FD returns the socket descriptor. It stays owned by the display.
func (d *Display) FD() int {
	return d.fd
}

// Proxy returns the wl_display object.
func (d *Display) Proxy() *Proxy {
	return d.proxy
}

// DefaultQueue returns the queue objects are attached to unless moved.
func (d *Display) DefaultQueue() *Queue {
	return d.defaultQueue
}

// Err returns the fatal error of the display, if any. Once set it never
// changes.
func (d *Display) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Display) fatalLocked(err error) {
	if d.err != nil {
		return
	}
	d.err = err
	d.log.WithError(err).Error("Wayland connection failed")
	d.cond.Broadcast()
}

// Disconnect closes the socket and releases every descriptor still
// buffered. Objects and queues of the display must not be used
// afterwards.
func (d *Display) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.err == nil {
		d.err = ErrConnectionClosed
	}
	for q := range d.queues {
		for _, ev := range q.events {
			d.releaseArgsLocked(ev.args)
		}
		q.events = nil
	}
	closeFDs(d.outFDs)
	closeFDs(d.inFDs)
	d.outFDs, d.inFDs = nil, nil
	unix.Close(d.fd)
	d.cond.Broadcast()
}

// Flush writes buffered requests. It returns ErrWouldBlock when the socket
// cannot take all of them; the caller should wait for writability and
// retry.
func (d *Display) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *Display) flushLocked() error {
	if d.err != nil {
		return d.err
	}
	for len(d.out) > 0 {
		n := len(d.outFDs)
		if n > maxFDsOut {
			n = maxFDsOut
		}
		var oob []byte
		if n > 0 {
			oob = unix.UnixRights(d.outFDs[:n]...)
		}
		chunk := d.out
		// Descriptors may arrive before the bytes of their message but
		// never after them, so leave data for the ones that do not fit.
		if len(d.outFDs) > n && len(chunk) > 4 {
			chunk = chunk[:4]
		}
		written, err := unix.SendmsgN(d.fd, chunk, oob, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return ErrWouldBlock
		case err == unix.EPIPE || err == unix.ECONNRESET:
			d.fatalLocked(errors.Wrap(ErrConnectionClosed, "sending requests"))
			return d.err
		case err != nil:
			d.fatalLocked(errors.Wrap(err, "sending requests"))
			return d.err
		}
		closeFDs(d.outFDs[:n])
		d.outFDs = append(d.outFDs[:0], d.outFDs[n:]...)
		d.out = append(d.out[:0], d.out[written:]...)
	}
	return nil
}

// PrepareRead announces the intention to read events for q. It fails
// with ErrQueueNotEmpty when q has events that must be dispatched first.
// A successful call must be followed by exactly one ReadEvents or
// CancelRead.
func (d *Display) PrepareRead(q *Queue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if q == nil {
		q = d.defaultQueue
	}
	if len(q.events) > 0 {
		return ErrQueueNotEmpty
	}
	d.readers++
	return nil
}

// CancelRead withdraws a successful PrepareRead.
func (d *Display) CancelRead() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaveReadLocked()
}

func (d *Display) leaveReadLocked() {
	if d.readers <= 0 {
		panic("wire: read released without PrepareRead")
	}
	d.readers--
	if d.readers == 0 {
		d.readSerial++
		d.cond.Broadcast()
	}
}

// ReadEvents completes a PrepareRead. The last of the prepared readers
// performs one non-blocking read from the socket and queues the events;
// the others wait for it and return once it is done. The socket should be
// readable before calling it, otherwise the read finds nothing.
func (d *Display) ReadEvents() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		d.leaveReadLocked()
		return d.err
	}
	if d.readers <= 0 {
		panic("wire: ReadEvents without PrepareRead")
	}
	d.readers--
	if d.readers > 0 {
		serial := d.readSerial
		for serial == d.readSerial && d.err == nil {
			d.cond.Wait()
		}
		return d.err
	}
	err := d.readLocked()
	d.readSerial++
	d.cond.Broadcast()
	return err
}

func (d *Display) readLocked() error {
	oob := make([]byte, unix.CmsgSpace(maxFDsIn*4))
	for {
		n, oobn, _, _, err := unix.Recvmsg(d.fd, d.rbuf, oob, unix.MSG_DONTWAIT|unix.MSG_CMSG_CLOEXEC)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil
		case err == unix.ECONNRESET:
			d.fatalLocked(errors.Wrap(ErrConnectionClosed, "reading events"))
			return d.err
		case err != nil:
			d.fatalLocked(errors.Wrap(err, "reading events"))
			return d.err
		}
		if oobn > 0 {
			fds, err := parseRights(oob[:oobn])
			d.inFDs = append(d.inFDs, fds...)
			if err != nil {
				d.fatalLocked(errors.Wrap(err, "parsing control message"))
				return d.err
			}
		}
		if n == 0 {
			d.fatalLocked(errors.Wrap(ErrConnectionClosed, "compositor hung up"))
			return d.err
		}
		d.in = append(d.in, d.rbuf[:n]...)
		return d.processLocked()
	}
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		r, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, err
		}
		fds = append(fds, r...)
	}
	return fds, nil
}

// processLocked queues every complete message in the input buffer.
func (d *Display) processLocked() error {
	off := 0
	defer func() {
		n := copy(d.in, d.in[off:])
		d.in = d.in[:n]
	}()
	for {
		h, ok, err := ParseHeader(d.in[off:])
		if err != nil {
			d.fatalLocked(errors.Wrap(err, "malformed message"))
			return d.err
		}
		if !ok || len(d.in)-off < int(h.Size) {
			return nil
		}
		body := d.in[off+headerSize : off+int(h.Size)]
		var consumed bool
		if h.Sender == displayID {
			consumed, err = d.handleDisplayEventLocked(h, body)
		} else {
			consumed, err = d.queueEventLocked(h, body)
		}
		if err != nil {
			d.fatalLocked(err)
			return d.err
		}
		if !consumed {
			return nil
		}
		off += int(h.Size)
	}
}

func (d *Display) queueEventLocked(h Header, body []byte) (bool, error) {
	p := d.objects[h.Sender]
	if p == nil {
		if iface, ok := d.zombies[h.Sender]; ok && iface != nil && int(h.Opcode) < len(iface.Events) {
			return d.dropZombieEventLocked(&iface.Events[h.Opcode], body)
		}
		return true, nil
	}
	if int(h.Opcode) >= len(p.iface.Events) {
		return false, errors.Errorf("invalid event opcode %d for %s@%d", h.Opcode, p.iface.Name, p.id)
	}
	msg := &p.iface.Events[h.Opcode]
	args, rest, ok, err := Decode(body, d.inFDs, msg)
	if err != nil {
		return false, errors.Wrapf(err, "decoding %s@%d.%s", p.iface.Name, p.id, msg.Name)
	}
	if !ok {
		return false, nil
	}
	d.inFDs = rest
	for i, spec := range msg.Args() {
		a := &args[i]
		switch spec.Type {
		case ArgObject:
			if a.Null {
				continue
			}
			if o := d.objects[a.Uint]; o != nil {
				a.Object = o
			} else if _, ok := d.zombies[a.Uint]; !ok {
				return false, errors.Errorf("%s@%d.%s refers to unknown object %d", p.iface.Name, p.id, msg.Name, a.Uint)
			}
		case ArgNewID:
			iface := msg.typeAt(i)
			if iface == nil {
				return false, errors.Errorf("%s@%d.%s: untyped new_id in event", p.iface.Name, p.id, msg.Name)
			}
			if _, used := d.objects[a.Uint]; used {
				return false, errors.Errorf("%s@%d.%s: id %d already in use", p.iface.Name, p.id, msg.Name, a.Uint)
			}
			delete(d.zombies, a.Uint)
			np := &Proxy{display: d, id: a.Uint, iface: iface, version: p.version, queue: p.queue}
			d.objects[a.Uint] = np
			a.Object = np
		}
	}
	if d.debug {
		d.traceLocked(false, p, msg, args)
	}
	q := p.queue
	if q == nil || q.destroyed {
		d.releaseArgsLocked(args)
		return true, nil
	}
	q.events = append(q.events, &event{proxy: p, opcode: h.Opcode, msg: msg, args: args})
	return true, nil
}

// dropZombieEventLocked discards an event of a destroyed object. Its
// descriptors are closed and the objects it creates become zombies
// themselves, so that their own events are discarded the same way.
func (d *Display) dropZombieEventLocked(msg *Message, body []byte) (bool, error) {
	args, rest, ok, err := Decode(body, d.inFDs, msg)
	if err != nil {
		return false, errors.Wrapf(err, "decoding event %s of a destroyed object", msg.Name)
	}
	if !ok {
		return false, nil
	}
	d.inFDs = rest
	for i := range args {
		switch args[i].Type {
		case ArgFD:
			unix.Close(args[i].FD)
		case ArgNewID:
			d.zombies[args[i].Uint] = msg.typeAt(i)
		}
	}
	return true, nil
}

// handleDisplayEventLocked processes wl_display events as they are read;
// they only update engine state.
func (d *Display) handleDisplayEventLocked(h Header, body []byte) (bool, error) {
	if int(h.Opcode) >= len(DisplayInterface.Events) {
		return false, errors.Errorf("invalid event opcode %d for wl_display", h.Opcode)
	}
	msg := &DisplayInterface.Events[h.Opcode]
	args, _, _, err := Decode(body, nil, msg)
	if err != nil {
		return false, errors.Wrap(err, "decoding wl_display event")
	}
	if d.debug {
		d.traceLocked(false, d.proxy, msg, args)
	}
	switch h.Opcode {
	case DisplayErrorEvent:
		pe := &ProtocolError{ObjectID: args[0].Uint, Code: args[1].Uint, Message: args[2].String}
		if o := d.objects[pe.ObjectID]; o != nil {
			pe.Interface = o.iface.Name
		} else if z := d.zombies[pe.ObjectID]; z != nil {
			pe.Interface = z.Name
		}
		d.fatalLocked(pe)
	case DisplayDeleteIDEvent:
		id := args[0].Uint
		if p := d.objects[id]; p != nil {
			p.idDeleted = true
		} else if _, ok := d.zombies[id]; ok && id < serverIDStart {
			delete(d.zombies, id)
			d.freeIDs = append(d.freeIDs, id)
		}
	}
	return true, nil
}

func (d *Display) allocIDLocked() uint32 {
	if n := len(d.freeIDs); n > 0 {
		id := d.freeIDs[n-1]
		d.freeIDs = d.freeIDs[:n-1]
		return id
	}
	id := d.nextID
	d.nextID++
	return id
}

// releaseArgsLocked frees the resources of an event nobody will see.
func (d *Display) releaseArgsLocked(args []Argument) {
	for i := range args {
		switch args[i].Type {
		case ArgFD:
			if args[i].FD >= 0 {
				unix.Close(args[i].FD)
				args[i].FD = -1
			}
		case ArgNewID:
			if p := args[i].Object; p != nil {
				d.destroyLocked(p)
			}
		}
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
