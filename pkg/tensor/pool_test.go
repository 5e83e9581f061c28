package tensor

import "testing"

func TestPoolGetPutAccounting(t *testing.T) {
	p := NewPool()

	a := p.Get(64)
	b := p.Get(64)
	if p.InUse() != 2 {
		t.Fatalf("InUse = %d after two gets, want 2", p.InUse())
	}
	p.Put(a)
	p.Put(b)
	if p.InUse() != 0 {
		t.Fatalf("InUse = %d after returning everything, want 0", p.InUse())
	}
}

func TestPoolReusedBufferIsZeroed(t *testing.T) {
	p := NewPool()
	buf := p.Get(16)
	for i := range buf {
		buf[i] = 42
	}
	p.Put(buf)

	again := p.Get(16)
	for i, v := range again {
		if v != 0 {
			t.Fatalf("reused buffer not zeroed at %d: %v", i, v)
		}
	}
}

func TestScopeReleaseReturnsEverything(t *testing.T) {
	p := NewPool()
	s := NewScope(p)

	for i := 0; i < 5; i++ {
		s.NewTensor(8, 8)
	}
	if s.Len() != 5 {
		t.Fatalf("scope tracks %d tensors, want 5", s.Len())
	}
	s.Release()
	if p.InUse() != 0 {
		t.Fatalf("InUse = %d after release, want 0", p.InUse())
	}
	if s.Len() != 0 {
		t.Fatalf("scope still tracks %d tensors after release", s.Len())
	}
}

func TestScopeReleaseKeep(t *testing.T) {
	p := NewPool()
	s := NewScope(p)

	keep := s.NewTensor(4)
	s.NewTensor(4)
	s.Release(keep)

	if p.InUse() != 1 {
		t.Fatalf("InUse = %d with one kept tensor, want 1", p.InUse())
	}
	if keep.Data() == nil {
		t.Fatal("kept tensor was invalidated")
	}
}

func TestScopeReusableAfterRelease(t *testing.T) {
	p := NewPool()
	s := NewScope(p)

	for step := 0; step < 3; step++ {
		s.NewTensor(32)
		s.NewTensor(32)
		s.Release()
	}
	if p.InUse() != 0 {
		t.Fatalf("InUse = %d after repeated release cycles, want 0", p.InUse())
	}
	stats := p.Stats()
	if stats.Gets != 6 || stats.Puts != 6 {
		t.Fatalf("stats = %+v, want 6 gets and 6 puts", stats)
	}
}
