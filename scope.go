package wayland

import (
	"context"
	"sync"
)

// Scope bounds the lifetime of event handlers. Handlers attached through a
// scope are detached, and released, when the function the scope was
// created for returns, also when it panics. Handlers may therefore refer
// to variables of that function.
type Scope struct {
	queue *Queue

	mu      sync.Mutex
	proxies []*Proxy
	closed  bool
}

// Scope calls fn with a new scope on q.
func (q *Queue) Scope(fn func(s *Scope) error) error {
	s := &Scope{queue: q}
	defer s.close()
	return fn(s)
}

// ScopeContext is Scope for functions that wait on ctx. Handlers are
// detached when fn returns, whether it finished or gave up.
func (q *Queue) ScopeContext(ctx context.Context, fn func(ctx context.Context, s *Scope) error) error {
	s := &Scope{queue: q}
	defer s.close()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, s)
}

func (s *Scope) Queue() *Queue {
	return s.queue
}

// SetEventHandler attaches h to p until the scope ends. p must be attached
// to the queue of the scope.
func (s *Scope) SetEventHandler(p *Proxy, h EventHandler) {
	s.register(p, h, false)
}

// SetEventHandlerLocal is SetEventHandler for a local queue.
func (s *Scope) SetEventHandlerLocal(p *Proxy, h EventHandler) {
	s.register(p, h, true)
}

func (s *Scope) register(p *Proxy, h EventHandler, local bool) {
	if p.queue != s.queue {
		contractf("%s belongs to queue %q, not to the scope's queue %q", p.iface.Name, p.queue.name, s.queue.name)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		contractf("scope of queue %q used after it ended", s.queue.name)
	}
	p.setHandler(h, local)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.slot.detach()
		return
	}
	s.proxies = append(s.proxies, p)
	s.mu.Unlock()
}

func (s *Scope) close() {
	s.mu.Lock()
	s.closed = true
	proxies := s.proxies
	s.proxies = nil
	s.mu.Unlock()
	if len(proxies) == 0 {
		return
	}
	// No dispatch of the queue may be running on another thread once the
	// scope has ended.
	unlock, _ := s.queue.lock.lock(context.Background())
	for _, p := range proxies {
		p.slot.detach()
	}
	unlock()
	s.queue.log.Debugf("Detached %d scoped event handlers", len(proxies))
}
