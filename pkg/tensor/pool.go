package tensor

import (
	"sync"
	"sync/atomic"
)

// ===========================================================================
// INTERMEDIATE-TENSOR DISPOSAL
// ===========================================================================
//
// Autoregressive generation produces a long tail of short-lived tensors:
// every decoded token allocates projections, attention rows, feed-forward
// activations and a logits row, uses them for microseconds, and moves on.
// Left to the garbage collector, a few hundred tokens of generation churn
// through megabytes of float64 slices.
//
// Two pieces manage that churn explicitly:
//
//   - Pool: size-classed recycling of float64 buffers on top of sync.Pool.
//     Buffers of the same length are reused across decode steps, so after
//     the first token the steady state allocates almost nothing.
//
//   - Scope: per-step bookkeeping. Every tensor allocated through a Scope
//     is tracked; Release returns all of them to the pool except those the
//     caller explicitly keeps. One scope per generated token makes the
//     lifetime of intermediates an invariant instead of a hope.
//
// The pool keeps leak accounting: InUse reports buffers handed out and not
// yet returned, which tests assert drops back to zero after generation.
// ===========================================================================

// Pool recycles float64 buffers by exact length.
type Pool struct {
	mu      sync.RWMutex
	classes map[int]*sync.Pool

	gets   atomic.Int64
	puts   atomic.Int64
	misses atomic.Int64
}

// NewPool creates an empty buffer pool.
func NewPool() *Pool {
	return &Pool{classes: make(map[int]*sync.Pool)}
}

func (p *Pool) classFor(size int) *sync.Pool {
	p.mu.RLock()
	c, ok := p.classes[size]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.classes[size]; ok {
		return c
	}
	c = &sync.Pool{}
	p.classes[size] = c
	return c
}

// Get returns a zeroed buffer of the given length, reusing a pooled one
// when available.
func (p *Pool) Get(size int) []float64 {
	p.gets.Add(1)
	if v := p.classFor(size).Get(); v != nil {
		buf := v.([]float64)
		for i := range buf {
			buf[i] = 0
		}
		return buf
	}
	p.misses.Add(1)
	return make([]float64, size)
}

// Put returns a buffer to its size class for reuse.
func (p *Pool) Put(buf []float64) {
	if buf == nil {
		return
	}
	p.puts.Add(1)
	p.classFor(len(buf)).Put(buf) //nolint:staticcheck // slice header per size class is intentional
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Gets   int64
	Puts   int64
	Misses int64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Gets:   p.gets.Load(),
		Puts:   p.puts.Load(),
		Misses: p.misses.Load(),
	}
}

// InUse returns the number of buffers handed out and not yet returned.
func (p *Pool) InUse() int64 {
	return p.gets.Load() - p.puts.Load()
}

// Scope tracks tensors allocated during one unit of work (typically a single
// decode step) so they can be released back to the pool in one call.
type Scope struct {
	pool    *Pool
	tracked []*Tensor
}

// NewScope creates a scope backed by the given pool.
func NewScope(pool *Pool) *Scope {
	return &Scope{pool: pool}
}

// NewTensor allocates a zeroed tensor from the pool and tracks it.
func (s *Scope) NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	t := FromSlice(s.pool.Get(size), shape...)
	s.tracked = append(s.tracked, t)
	return t
}

// Track registers an externally created tensor for release with this scope.
func (s *Scope) Track(t *Tensor) *Tensor {
	s.tracked = append(s.tracked, t)
	return t
}

// Release returns every tracked tensor's buffer to the pool, except tensors
// listed in keep. Kept tensors survive with their data intact; the scope
// can be reused afterwards.
func (s *Scope) Release(keep ...*Tensor) {
	kept := make(map[*Tensor]bool, len(keep))
	for _, t := range keep {
		kept[t] = true
	}
	for _, t := range s.tracked {
		if kept[t] {
			continue
		}
		s.pool.Put(t.data)
		t.data = nil
		t.grad = nil
	}
	s.tracked = s.tracked[:0]
}

// Len returns the number of currently tracked tensors.
func (s *Scope) Len() int { return len(s.tracked) }
