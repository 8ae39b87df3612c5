package wire

// Argument is one decoded or to-be-encoded message argument. Only the
// field matching Type is meaningful.
type Argument struct {
	Type   ArgType
	Int    int32
	Uint   uint32
	Fixed  Fixed
	String string
	// Null marks a null nullable string, object or array.
	Null   bool
	Object *Proxy
	Array  []byte
	FD     int
}

func Int(v int32) Argument   { return Argument{Type: ArgInt, Int: v} }
func Uint(v uint32) Argument { return Argument{Type: ArgUint, Uint: v} }
func Float(v float64) Argument {
	return Argument{Type: ArgFixed, Fixed: FixedFromFloat(v)}
}
func String(s string) Argument { return Argument{Type: ArgString, String: s} }
func NullString() Argument     { return Argument{Type: ArgString, Null: true} }
func Array(b []byte) Argument  { return Argument{Type: ArgArray, Array: b} }

// FD passes a file descriptor. The descriptor is duplicated when the
// request is marshalled; the caller keeps ownership of fd.
func FD(fd int) Argument { return Argument{Type: ArgFD, FD: fd} }

// Object passes a reference to an existing object. A nil proxy encodes as
// the null object.
func Object(p *Proxy) Argument {
	return Argument{Type: ArgObject, Object: p, Null: p == nil}
}

// NewID is the placeholder for the object a constructor request creates.
func NewID() Argument { return Argument{Type: ArgNewID} }

// ObjectID returns the id an object or new_id argument refers to, or 0.
func (a *Argument) ObjectID() uint32 {
	if a.Object != nil {
		return a.Object.id
	}
	return a.Uint
}
