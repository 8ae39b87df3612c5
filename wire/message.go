package wire

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// byteOrder is the host byte order; the protocol is host-endian.
var byteOrder = binary.NativeEndian

const (
	headerSize = 8
	// MaxMessageSize is the largest message the 16-bit size field allows.
	MaxMessageSize = 1<<16 - 1
	// maxFDsOut bounds the descriptors attached to a single sendmsg call.
	maxFDsOut = 28
)

// Header is the fixed prefix of every message.
type Header struct {
	Sender uint32
	Opcode uint32
	Size   uint32
}

// ParseHeader parses the message header at the start of buf. ok is false
// when buf does not hold a complete header yet.
func ParseHeader(buf []byte) (h Header, ok bool, err error) {
	if len(buf) < headerSize {
		return Header{}, false, nil
	}
	h.Sender = byteOrder.Uint32(buf[0:4])
	word := byteOrder.Uint32(buf[4:8])
	h.Opcode = word & 0xffff
	h.Size = word >> 16
	if h.Size < headerSize || h.Size%4 != 0 {
		return h, true, errors.Errorf("invalid message size %d for object %d", h.Size, h.Sender)
	}
	return h, true, nil
}

func pad4(n int) int {
	return (n + 3) &^ 3
}

func putUint32(buf []byte, v uint32) []byte {
	return byteOrder.AppendUint32(buf, v)
}

// Encode appends one message to buf. Object and new_id arguments are
// encoded from Argument.ObjectID. File descriptors are appended to fds as
// given; callers that must keep their own copy duplicate them first.
func Encode(buf []byte, fds []int, sender, opcode uint32, msg *Message, args []Argument) ([]byte, []int, error) {
	specs := msg.Args()
	if len(args) != len(specs) {
		return buf, fds, errors.Errorf("%s: got %d arguments, signature %q wants %d",
			msg.Name, len(args), msg.Signature, len(specs))
	}
	start := len(buf)
	buf = putUint32(buf, sender)
	buf = putUint32(buf, 0)
	for i, spec := range specs {
		a := &args[i]
		if a.Type != 0 && a.Type != spec.Type {
			return buf[:start], fds, errors.Errorf("%s: argument %d is %c, signature wants %c",
				msg.Name, i, a.Type, spec.Type)
		}
		switch spec.Type {
		case ArgInt:
			buf = putUint32(buf, uint32(a.Int))
		case ArgUint:
			buf = putUint32(buf, a.Uint)
		case ArgFixed:
			buf = putUint32(buf, uint32(a.Fixed))
		case ArgObject, ArgNewID:
			id := a.ObjectID()
			if id == 0 && !spec.Nullable {
				return buf[:start], fds, errors.Errorf("%s: argument %d: null object in non-nullable position", msg.Name, i)
			}
			buf = putUint32(buf, id)
		case ArgString:
			if a.Null {
				if !spec.Nullable {
					return buf[:start], fds, errors.Errorf("%s: argument %d: null string in non-nullable position", msg.Name, i)
				}
				buf = putUint32(buf, 0)
				break
			}
			if strings.IndexByte(a.String, 0) >= 0 {
				return buf[:start], fds, errors.Errorf("%s: argument %d: string contains NUL", msg.Name, i)
			}
			l := len(a.String) + 1
			buf = putUint32(buf, uint32(l))
			buf = append(buf, a.String...)
			buf = append(buf, make([]byte, pad4(l)-len(a.String))...)
		case ArgArray:
			buf = putUint32(buf, uint32(len(a.Array)))
			buf = append(buf, a.Array...)
			buf = append(buf, make([]byte, pad4(len(a.Array))-len(a.Array))...)
		case ArgFD:
			fds = append(fds, a.FD)
		}
	}
	size := len(buf) - start
	if size > MaxMessageSize {
		return buf[:start], fds, errors.Errorf("%s: message of %d bytes exceeds the protocol limit", msg.Name, size)
	}
	byteOrder.PutUint32(buf[start+4:], uint32(size)<<16|opcode&0xffff)
	return buf, fds, nil
}

// Decode parses a message body according to msg. Object and new_id
// arguments are returned as ids in Argument.Uint; the caller resolves
// them. Descriptors are taken from the front of fds; ok is false when fds
// does not hold enough descriptors yet.
func Decode(body []byte, fds []int, msg *Message) (args []Argument, rest []int, ok bool, err error) {
	specs := msg.Args()
	args = make([]Argument, len(specs))
	short := func() error { return errors.Errorf("%s: message body too short", msg.Name) }
	for i, spec := range specs {
		a := &args[i]
		a.Type = spec.Type
		if spec.Type == ArgFD {
			if len(fds) == 0 {
				return nil, fds, false, nil
			}
			a.FD = fds[0]
			fds = fds[1:]
			continue
		}
		if len(body) < 4 {
			return nil, fds, true, short()
		}
		v := byteOrder.Uint32(body)
		body = body[4:]
		switch spec.Type {
		case ArgInt:
			a.Int = int32(v)
		case ArgUint:
			a.Uint = v
		case ArgFixed:
			a.Fixed = Fixed(int32(v))
		case ArgObject, ArgNewID:
			if v == 0 && !spec.Nullable {
				return nil, fds, true, errors.Errorf("%s: argument %d: null object in non-nullable position", msg.Name, i)
			}
			a.Uint = v
			a.Null = v == 0
		case ArgString:
			if v == 0 {
				if !spec.Nullable {
					return nil, fds, true, errors.Errorf("%s: argument %d: null string in non-nullable position", msg.Name, i)
				}
				a.Null = true
				break
			}
			l := pad4(int(v))
			if len(body) < l {
				return nil, fds, true, short()
			}
			if body[v-1] != 0 {
				return nil, fds, true, errors.Errorf("%s: argument %d: string not NUL-terminated", msg.Name, i)
			}
			a.String = string(body[:v-1])
			body = body[l:]
		case ArgArray:
			l := pad4(int(v))
			if len(body) < l {
				return nil, fds, true, short()
			}
			a.Array = append([]byte(nil), body[:v]...)
			body = body[l:]
		}
	}
	if len(body) != 0 {
		return nil, fds, true, errors.Errorf("%s: %d trailing bytes", msg.Name, len(body))
	}
	return args, fds, true, nil
}
