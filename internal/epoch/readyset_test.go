package epoch

import "testing"

func TestInMemoryReadySetDedupesByAddress(t *testing.T) {
	s := NewInMemoryReadySet()
	s.Add(ReadyWorker{Pubkey: []byte("a"), Addr: "1.1.1.1:1"})
	s.Add(ReadyWorker{Pubkey: []byte("a-again"), Addr: "1.1.1.1:1"})
	s.Add(ReadyWorker{Pubkey: []byte("b"), Addr: "2.2.2.2:2"})

	drained := s.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 deduped entries, got %d", len(drained))
	}
}

func TestInMemoryReadySetDrainEmptiesSet(t *testing.T) {
	s := NewInMemoryReadySet()
	s.Add(ReadyWorker{Addr: "1.1.1.1:1"})
	s.Drain()
	if got := s.Drain(); len(got) != 0 {
		t.Fatalf("expected empty second drain, got %d", len(got))
	}
}

func TestInMemoryReadySetReturnReadmits(t *testing.T) {
	s := NewInMemoryReadySet()
	w := ReadyWorker{Addr: "1.1.1.1:1"}
	s.Add(w)
	s.Drain()
	s.Return(w)
	if got := s.Drain(); len(got) != 1 {
		t.Fatalf("expected returned worker to be re-drained, got %d", len(got))
	}
}

func TestInMemoryReadySetRemove(t *testing.T) {
	s := NewInMemoryReadySet()
	s.Add(ReadyWorker{Addr: "1.1.1.1:1"})
	s.Add(ReadyWorker{Addr: "2.2.2.2:2"})
	s.Remove("1.1.1.1:1")
	drained := s.Drain()
	if len(drained) != 1 || drained[0].Addr != "2.2.2.2:2" {
		t.Fatalf("expected only 2.2.2.2:2 to remain, got %v", drained)
	}
}
