// Package testserver is a minimal in-process compositor used by the tests.
// It speaks the wire protocol over one end of a socketpair and implements
// wl_display, wl_registry, wl_callback and two test interfaces.
package testserver

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/stanluk/wayland-client/wire"
)

// wlt_test and wlt_child exercise the parts of the runtime the core
// protocol does not reach: destructors, descriptors in events, objects
// created by the compositor and protocol errors.
var (
	TestInterface  = &wire.Interface{Name: "wlt_test", Version: 3}
	ChildInterface = &wire.Interface{Name: "wlt_child", Version: 1}
)

const (
	TestDestroy     = 0
	TestPing        = 1
	TestEmitFD      = 2
	TestEmitChild   = 3
	TestCreateChild = 4
	TestFail        = 5
	TestEmitChildFD = 6

	TestPongEvent  = 0
	TestFDEvent    = 1
	TestChildEvent = 2

	ChildDestroy    = 0
	ChildHelloEvent = 0
	ChildFDEvent    = 1

	// ChildFileSize is the size of the file a child sends with its fd
	// event; files sent by wlt_test.fd are 16 bytes.
	ChildFileSize = 32
)

func init() {
	TestInterface.Requests = []wire.Message{
		{Name: "destroy", Signature: "", Destructor: true},
		{Name: "ping", Signature: "u", Types: []*wire.Interface{nil}},
		{Name: "emit_fd", Signature: ""},
		{Name: "emit_child", Signature: ""},
		{Name: "create_child", Signature: "n", Types: []*wire.Interface{ChildInterface}},
		{Name: "fail", Signature: "u", Types: []*wire.Interface{nil}},
		{Name: "emit_child_fd", Signature: ""},
	}
	TestInterface.Events = []wire.Message{
		{Name: "pong", Signature: "u", Types: []*wire.Interface{nil}},
		{Name: "fd", Signature: "h", Types: []*wire.Interface{nil}},
		{Name: "child", Signature: "n", Types: []*wire.Interface{ChildInterface}},
	}
	ChildInterface.Requests = []wire.Message{
		{Name: "destroy", Signature: "", Destructor: true},
	}
	ChildInterface.Events = []wire.Message{
		{Name: "hello", Signature: "u", Types: []*wire.Interface{nil}},
		{Name: "fd", Signature: "h", Types: []*wire.Interface{nil}},
	}
}

// Global is an object announced through wl_registry.
type Global struct {
	Name      uint32
	Interface *wire.Interface
	Version   uint32
}

// DefaultGlobals is what New announces when no globals are given.
var DefaultGlobals = []Global{{Name: 1, Interface: TestInterface, Version: 3}}

type object struct {
	id      uint32
	iface   *wire.Interface
	version uint32
}

// Server is one client connection of the test compositor.
type Server struct {
	fd      int
	globals []Global
	done    chan struct{}
	log     *logrus.Entry
	close   sync.Once

	// Only touched by the serve goroutine.
	objects  map[uint32]*object
	serverID uint32
	serial   uint32

	mu       sync.Mutex
	requests []string
	err      error
}

// New starts a server and returns it together with the client end of the
// connection. The caller owns clientFD.
func New(globals ...Global) (*Server, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, -1, errors.Wrap(err, "creating socketpair")
	}
	if len(globals) == 0 {
		globals = DefaultGlobals
	}
	s := &Server{
		fd:       fds[0],
		globals:  globals,
		done:     make(chan struct{}),
		log:      logrus.WithField("component", "testserver"),
		objects:  map[uint32]*object{1: {id: 1, iface: wire.DisplayInterface, version: 1}},
		serverID: 0xff000000,
	}
	go s.serve()
	return s, fds[1], nil
}

// Close hangs up on the client and waits for the server to stop.
func (s *Server) Close() {
	s.close.Do(func() {
		unix.Shutdown(s.fd, unix.SHUT_RDWR)
		<-s.done
		unix.Close(s.fd)
	})
}

// Requests returns the requests handled so far as "interface.request".
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Err returns the error that stopped the server, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Server) serve() {
	defer close(s.done)
	rbuf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(28*4))
	var (
		buf []byte
		fds []int
	)
	defer func() {
		for _, fd := range fds {
			unix.Close(fd)
		}
	}()
	for {
		n, oobn, _, _, err := unix.Recvmsg(s.fd, rbuf, oob, unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			s.fail(err)
			return
		}
		if oobn > 0 {
			msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				s.fail(err)
				return
			}
			for i := range msgs {
				r, err := unix.ParseUnixRights(&msgs[i])
				if err == nil {
					fds = append(fds, r...)
				}
			}
		}
		buf = append(buf, rbuf[:n]...)
		for {
			h, ok, err := wire.ParseHeader(buf)
			if err != nil {
				s.fail(err)
				return
			}
			if !ok || len(buf) < int(h.Size) {
				break
			}
			consumed, err := s.handle(h, buf[8:h.Size], &fds)
			if err != nil {
				s.fail(err)
				return
			}
			if !consumed {
				break
			}
			buf = append(buf[:0], buf[h.Size:]...)
		}
	}
}

func (s *Server) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil && s.err == nil {
		s.err = err
	}
}

func (s *Server) handle(h wire.Header, body []byte, fds *[]int) (bool, error) {
	obj := s.objects[h.Sender]
	if obj == nil {
		s.log.Debugf("request for unknown object %d", h.Sender)
		return true, nil
	}
	if int(h.Opcode) >= len(obj.iface.Requests) {
		return true, s.postError(obj.id, wire.DisplayErrorInvalidMethod, "invalid method")
	}
	msg := &obj.iface.Requests[h.Opcode]
	args, rest, ok, err := wire.Decode(body, *fds, msg)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	*fds = rest
	s.mu.Lock()
	s.requests = append(s.requests, obj.iface.Name+"."+msg.Name)
	s.mu.Unlock()

	switch obj.iface {
	case wire.DisplayInterface:
		switch h.Opcode {
		case wire.DisplaySync:
			s.serial++
			id := args[0].Uint
			if err := s.send(id, wire.CallbackInterface, wire.CallbackDoneEvent, wire.Uint(s.serial)); err != nil {
				return true, err
			}
			return true, s.deleteID(id)
		case wire.DisplayGetRegistry:
			id := args[0].Uint
			s.objects[id] = &object{id: id, iface: wire.RegistryInterface, version: 1}
			for _, g := range s.globals {
				err := s.send(id, wire.RegistryInterface, wire.RegistryGlobalEvent,
					wire.Uint(g.Name), wire.String(g.Interface.Name), wire.Uint(g.Version))
				if err != nil {
					return true, err
				}
			}
		}
	case wire.RegistryInterface:
		name, ifname, version, id := args[0].Uint, args[1].String, args[2].Uint, args[3].Uint
		for _, g := range s.globals {
			if g.Name == name && g.Interface.Name == ifname {
				s.objects[id] = &object{id: id, iface: g.Interface, version: version}
				return true, nil
			}
		}
		return true, s.postError(obj.id, wire.DisplayErrorInvalidObject, "invalid global "+ifname)
	case TestInterface:
		switch h.Opcode {
		case TestDestroy:
			return true, s.destroy(obj)
		case TestPing:
			return true, s.send(obj.id, TestInterface, TestPongEvent, wire.Uint(args[0].Uint))
		case TestEmitFD:
			return true, s.sendFile(obj.id, TestInterface, TestFDEvent, 16)
		case TestEmitChild:
			id := s.serverID
			s.serverID++
			s.objects[id] = &object{id: id, iface: ChildInterface, version: 1}
			if err := s.send(obj.id, TestInterface, TestChildEvent, wire.Argument{Type: wire.ArgNewID, Uint: id}); err != nil {
				return true, err
			}
			s.serial++
			return true, s.send(id, ChildInterface, ChildHelloEvent, wire.Uint(s.serial))
		case TestCreateChild:
			id := args[0].Uint
			s.objects[id] = &object{id: id, iface: ChildInterface, version: 1}
			s.serial++
			return true, s.send(id, ChildInterface, ChildHelloEvent, wire.Uint(s.serial))
		case TestFail:
			return true, s.postError(obj.id, args[0].Uint, "requested failure")
		case TestEmitChildFD:
			id := s.serverID
			s.serverID++
			s.objects[id] = &object{id: id, iface: ChildInterface, version: 1}
			if err := s.send(obj.id, TestInterface, TestChildEvent, wire.Argument{Type: wire.ArgNewID, Uint: id}); err != nil {
				return true, err
			}
			return true, s.sendFile(id, ChildInterface, ChildFDEvent, ChildFileSize)
		}
	case ChildInterface:
		return true, s.destroy(obj)
	}
	return true, nil
}

func (s *Server) destroy(obj *object) error {
	delete(s.objects, obj.id)
	if obj.id < 0xff000000 {
		return s.deleteID(obj.id)
	}
	return nil
}

func (s *Server) deleteID(id uint32) error {
	return s.send(1, wire.DisplayInterface, wire.DisplayDeleteIDEvent, wire.Uint(id))
}

func (s *Server) postError(id, code uint32, message string) error {
	return s.send(1, wire.DisplayInterface, wire.DisplayErrorEvent,
		wire.Argument{Type: wire.ArgObject, Uint: id}, wire.Uint(code), wire.String(message))
}

// sendFile sends an event whose only argument is a new file of size bytes.
func (s *Server) sendFile(sender uint32, iface *wire.Interface, opcode uint32, size int64) error {
	f, err := wire.CreateAnonymousFile(size)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.send(sender, iface, opcode, wire.FD(int(f.Fd())))
}

func (s *Server) send(sender uint32, iface *wire.Interface, opcode uint32, args ...wire.Argument) error {
	buf, fds, err := wire.Encode(nil, nil, sender, opcode, &iface.Events[opcode], args)
	if err != nil {
		return err
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	for len(buf) > 0 {
		n, err := unix.SendmsgN(s.fd, buf, oob, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "sending %s.%s", iface.Name, iface.Events[opcode].Name)
		}
		buf = buf[n:]
		oob = nil
	}
	return nil
}
