package epoch

import "sync"

// InMemoryReadySet is the production ReadySet (spec.md §5 "ready_set:
// exclusive access held only for insert and drain"): a plain mutex-guarded
// slice, deduplicated by address so a worker that sends Ready twice before
// the next DISPATCH only occupies one slot.
type InMemoryReadySet struct {
	mu      sync.Mutex
	pending []ReadyWorker
	byAddr  map[string]struct{}
}

// NewInMemoryReadySet builds an empty ready set.
func NewInMemoryReadySet() *InMemoryReadySet {
	return &InMemoryReadySet{byAddr: make(map[string]struct{})}
}

// Add registers w as awaiting dispatch. If an entry for the same address is
// already pending, that entry is kept and w is ignored (a worker
// re-announcing readiness only needs to be served once).
func (s *InMemoryReadySet) Add(w ReadyWorker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAddr[w.Addr]; ok {
		return
	}
	s.byAddr[w.Addr] = struct{}{}
	s.pending = append(s.pending, w)
}

// Drain implements epoch.ReadySet.
func (s *InMemoryReadySet) Drain() []ReadyWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	s.byAddr = make(map[string]struct{})
	return out
}

// Return implements epoch.ReadySet.
func (s *InMemoryReadySet) Return(w ReadyWorker) {
	s.Add(w)
}

// Remove drops addr from the ready set without returning it, used when a
// socket disconnects between announcing readiness and being dispatched.
func (s *InMemoryReadySet) Remove(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAddr[addr]; !ok {
		return
	}
	delete(s.byAddr, addr)
	kept := s.pending[:0]
	for _, w := range s.pending {
		if w.Addr != addr {
			kept = append(kept, w)
		}
	}
	s.pending = kept
}
