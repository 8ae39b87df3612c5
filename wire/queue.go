package wire

// Queue is an ordered list of events waiting to be dispatched.
type Queue struct {
	display *Display
	name    string

	// Guarded by display.mu.
	events    []*event
	destroyed bool
}

type event struct {
	proxy  *Proxy
	opcode uint32
	msg    *Message
	args   []Argument
}

// CreateQueue creates an event queue. The name only shows up in
// diagnostics.
func (d *Display) CreateQueue(name string) *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newQueueLocked(name)
}

func (d *Display) newQueueLocked(name string) *Queue {
	q := &Queue{display: d, name: name}
	d.queues[q] = struct{}{}
	return q
}

func (q *Queue) Name() string {
	return q.name
}

// Len returns the number of events waiting in q.
func (q *Queue) Len() int {
	q.display.mu.Lock()
	defer q.display.mu.Unlock()
	return len(q.events)
}

// Destroy discards the pending events of q, releasing their descriptors and
// new objects. Events that arrive later for proxies still attached to q are
// dropped the same way.
func (q *Queue) Destroy() {
	d := q.display
	d.mu.Lock()
	defer d.mu.Unlock()
	if q.destroyed || q == d.defaultQueue {
		return
	}
	q.destroyed = true
	for _, ev := range q.events {
		d.releaseArgsLocked(ev.args)
	}
	q.events = nil
	delete(d.queues, q)
}

// DispatchQueuePending delivers the events already read for q to their
// dispatchers, in order, and returns how many were delivered. Events of
// destroyed proxies and of proxies without a dispatcher are dropped and
// their resources released.
func (d *Display) DispatchQueuePending(q *Queue) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return 0, d.err
	}
	if q == nil {
		q = d.defaultQueue
	}
	n := 0
	for !q.destroyed && len(q.events) > 0 {
		ev := q.events[0]
		q.events[0] = nil
		q.events = q.events[1:]
		p := ev.proxy
		if p.destroyed || p.dispatcher == nil {
			d.releaseArgsLocked(ev.args)
			continue
		}
		d.invokeLocked(p.dispatcher, ev, p.dispatcherData)
		n++
	}
	return n, nil
}

func (d *Display) invokeLocked(fn Dispatcher, ev *event, data any) {
	d.mu.Unlock()
	defer d.mu.Lock()
	fn(ev.proxy, ev.opcode, ev.msg, ev.args, data)
}
