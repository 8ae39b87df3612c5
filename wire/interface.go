package wire

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ArgType is the single-letter wire type of a message argument.
type ArgType byte

const (
	ArgInt    ArgType = 'i'
	ArgUint   ArgType = 'u'
	ArgFixed  ArgType = 'f'
	ArgString ArgType = 's'
	ArgObject ArgType = 'o'
	ArgNewID  ArgType = 'n'
	ArgArray  ArgType = 'a'
	ArgFD     ArgType = 'h'
)

// ArgSpec describes one argument of a message signature.
type ArgSpec struct {
	Type     ArgType
	Nullable bool
}

// Message describes a request or an event of an interface. Signature uses
// the libwayland notation: an optional leading "since" version followed by
// one letter per argument, each optionally prefixed with '?'.
type Message struct {
	Name      string
	Signature string
	// Types holds, per argument, the interface of object and new_id
	// arguments. A nil entry for a new_id argument means the interface is
	// chosen by the caller at marshal time.
	Types []*Interface
	// Destructor marks events after which the object is gone on the
	// compositor side and requests that destroy the object.
	Destructor bool
}

// Interface describes a protocol interface.
type Interface struct {
	Name     string
	Version  uint32
	Requests []Message
	Events   []Message
}

var signatures sync.Map // string -> []ArgSpec

// Args returns the parsed argument list of the message.
func (m *Message) Args() []ArgSpec {
	if v, ok := signatures.Load(m.Signature); ok {
		return v.([]ArgSpec)
	}
	specs, err := ParseSignature(m.Signature)
	if err != nil {
		panic(errors.Wrapf(err, "message %s", m.Name))
	}
	signatures.Store(m.Signature, specs)
	return specs
}

func (m *Message) typeAt(i int) *Interface {
	if i < len(m.Types) {
		return m.Types[i]
	}
	return nil
}

// Since returns the interface version that introduced the message.
func (m *Message) Since() uint32 {
	var v uint32
	for _, c := range m.Signature {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + uint32(c-'0')
	}
	if v == 0 {
		return 1
	}
	return v
}

// FDCount returns how many file descriptors the message carries.
func (m *Message) FDCount() int {
	n := 0
	for _, a := range m.Args() {
		if a.Type == ArgFD {
			n++
		}
	}
	return n
}

// ParseSignature parses a libwayland message signature.
func ParseSignature(sig string) ([]ArgSpec, error) {
	specs := make([]ArgSpec, 0, len(sig))
	nullable := false
	for i := 0; i < len(sig); i++ {
		c := sig[i]
		switch {
		case c >= '0' && c <= '9':
			if len(specs) > 0 || nullable {
				return nil, errors.Errorf("invalid signature %q: version after arguments", sig)
			}
		case c == '?':
			nullable = true
		case strings.IndexByte("iufsonah", c) >= 0:
			if nullable && c != 's' && c != 'o' && c != 'a' {
				return nil, errors.Errorf("invalid signature %q: %c cannot be nullable", sig, c)
			}
			specs = append(specs, ArgSpec{Type: ArgType(c), Nullable: nullable})
			nullable = false
		default:
			return nil, errors.Errorf("invalid signature %q: unknown type %q", sig, c)
		}
	}
	if nullable {
		return nil, errors.Errorf("invalid signature %q: dangling '?'", sig)
	}
	return specs, nil
}

// signatureTypes strips the version prefix so that two messages can be
// compared by their argument types.
func signatureTypes(sig string) string {
	return strings.TrimLeft(sig, "0123456789")
}

// Compatible reports whether an object described by i may be accessed
// through code generated for other. Both must name the same interface and
// agree on every message they have in common, including the interfaces of
// nested objects.
func (i *Interface) Compatible(other *Interface) bool {
	if i == other {
		return true
	}
	return compatible(i, other, map[[2]*Interface]bool{})
}

func compatible(a, b *Interface, seen map[[2]*Interface]bool) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.Name != b.Name {
		return false
	}
	key := [2]*Interface{a, b}
	if seen[key] {
		return true
	}
	seen[key] = true
	return messagesCompatible(a.Requests, b.Requests, seen) &&
		messagesCompatible(a.Events, b.Events, seen)
}

func messagesCompatible(a, b []Message, seen map[[2]*Interface]bool) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for k := 0; k < n; k++ {
		if signatureTypes(a[k].Signature) != signatureTypes(b[k].Signature) {
			return false
		}
		for t := 0; t < len(a[k].Types) || t < len(b[k].Types); t++ {
			x, y := a[k].typeAt(t), b[k].typeAt(t)
			if (x == nil) != (y == nil) {
				return false
			}
			if x != nil && !compatible(x, y, seen) {
				return false
			}
		}
	}
	return true
}
