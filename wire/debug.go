package wire

import (
	"fmt"
	"strings"
	"time"
)

func (d *Display) traceLocked(out bool, p *Proxy, msg *Message, args []Argument) {
	dir := ""
	if out {
		dir = " -> "
	}
	d.log.Tracef("[%10.3f] %s%s@%d.%s(%s)",
		float64(time.Now().UnixMicro()%1e9)/1e3, dir, p.iface.Name, p.id, msg.Name, formatArgs(args))
}

func formatArgs(args []Argument) string {
	var b strings.Builder
	for i := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		a := &args[i]
		switch a.Type {
		case ArgInt:
			fmt.Fprintf(&b, "%d", a.Int)
		case ArgUint:
			fmt.Fprintf(&b, "%d", a.Uint)
		case ArgFixed:
			fmt.Fprintf(&b, "%f", a.Fixed.Float())
		case ArgString:
			if a.Null {
				b.WriteString("nil")
			} else {
				fmt.Fprintf(&b, "%q", a.String)
			}
		case ArgObject:
			if a.Object == nil {
				b.WriteString("nil")
			} else {
				fmt.Fprintf(&b, "%s@%d", a.Object.iface.Name, a.Object.id)
			}
		case ArgNewID:
			if a.Object == nil {
				fmt.Fprintf(&b, "new id %d", a.Uint)
			} else {
				fmt.Fprintf(&b, "new id %s@%d", a.Object.iface.Name, a.Object.id)
			}
		case ArgArray:
			fmt.Fprintf(&b, "array[%d]", len(a.Array))
		case ArgFD:
			fmt.Fprintf(&b, "fd %d", a.FD)
		}
	}
	return b.String()
}
