package engine

import "sync"

// Ref is a non-owning handle on an Engine. It resolves to the live engine
// until Invalidate is called, after which resolution fails permanently; a
// Ref never resurrects. Holding a Ref does not keep the engine alive.
type Ref struct {
	mu   sync.RWMutex
	eng  Engine
	gone chan struct{}
}

func NewRef(e Engine) *Ref {
	return &Ref{
		eng:  e,
		gone: make(chan struct{}),
	}
}

// Resolve returns the engine and true while it is alive, or nil and false
// once the engine is gone.
func (r *Ref) Resolve() (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.eng == nil {
		return nil, false
	}
	return r.eng, true
}

// Gone returns a channel closed when the engine is invalidated. Waiters
// blocked on engine events select on it to avoid hanging on a destroyed
// engine.
func (r *Ref) Gone() <-chan struct{} {
	return r.gone
}

// Invalidate severs the handle. Idempotent; called by the engine during its
// own teardown.
func (r *Ref) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eng == nil {
		return
	}
	r.eng = nil
	close(r.gone)
}
