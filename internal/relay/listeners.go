package relay

import (
	"sync"
	"sync/atomic"
)

// Listener receives a decoded payload. It runs on the session's decode
// goroutine and should hand expensive work elsewhere.
type Listener func(Payload)

// registry is a copy-on-write map of listeners per kind. Dispatch loads
// the current snapshot without locking; registration swaps in a copy.
type registry struct {
	mu      sync.Mutex
	current atomic.Pointer[map[Kind][]Listener]
}

func (r *registry) add(kind Kind, fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[Kind][]Listener)
	if old := r.current.Load(); old != nil {
		for k, v := range *old {
			next[k] = v
		}
	}
	// The appended slice is always fresh so readers holding the old
	// snapshot never observe the new element.
	fns := make([]Listener, 0, len(next[kind])+1)
	fns = append(fns, next[kind]...)
	next[kind] = append(fns, fn)

	r.current.Store(&next)
}

func (r *registry) get(kind Kind) []Listener {
	m := r.current.Load()
	if m == nil {
		return nil
	}
	return (*m)[kind]
}

func (r *registry) count(kind Kind) int {
	return len(r.get(kind))
}
