package tensor

import (
	"fmt"
	"runtime"
	"sync"
)

// ===========================================================================
// COMPUTE DISPATCH
// ===========================================================================
//
// Every heavy operation in this package funnels through MatMulWith, which
// decides between a single-threaded kernel and a row-partitioned parallel
// one based on a ComputeConfig. The decision is configuration-driven so the
// same model code runs deterministically single-threaded during training
// (reproducible gradients) and parallel during generation.
//
// There is deliberately no SIMD, cache blocking, or accelerator path here.
// For the model sizes this repository targets, goroutine-level parallelism
// is the only optimization that pays for its complexity.
// ===========================================================================

// ComputeConfig controls how matrix operations are executed.
type ComputeConfig struct {
	// Workers is the number of goroutines used for parallel operations.
	// Zero or negative means runtime.NumCPU via defaultWorkers.
	Workers int

	// MinParallelSize is the minimum total output size (rows * cols) at
	// which an operation switches to the parallel path. Small matrices are
	// faster single-threaded because goroutine fan-out costs more than the
	// arithmetic it saves.
	MinParallelSize int
}

// DefaultComputeConfig returns a parallel configuration sized to the machine.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Workers:         defaultWorkers(),
		MinParallelSize: 64 * 64,
	}
}

// SingleThreadedConfig returns a configuration that never parallelizes.
// Training uses this for deterministic gradient accumulation order.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{Workers: 1, MinParallelSize: 1 << 62}
}

func (c ComputeConfig) numWorkers() int {
	if c.Workers <= 0 {
		return defaultWorkers()
	}
	return c.Workers
}

func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.numWorkers() > 1 && size >= c.MinParallelSize
}

var (
	globalComputeMu  sync.RWMutex
	globalComputeCfg = DefaultComputeConfig()
)

// SetGlobalComputeConfig installs the configuration used by MatMul.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeMu.Lock()
	globalComputeCfg = cfg
	globalComputeMu.Unlock()
}

// GlobalComputeConfig returns the configuration used by MatMul.
func GlobalComputeConfig() ComputeConfig {
	globalComputeMu.RLock()
	defer globalComputeMu.RUnlock()
	return globalComputeCfg
}

// MatMulWith multiplies two 2D tensors under an explicit compute
// configuration: (m,k) @ (k,n) -> (m,n).
func MatMulWith(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	m, k := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k != k2 {
		panic(fmt.Sprintf("tensor: MatMul shape mismatch %v @ %v", a.shape, b.shape))
	}

	out := New(m, n)
	if !cfg.shouldParallelize(m * n) {
		matmulRows(a, b, out, 0, m, n, k)
		return out
	}

	workers := cfg.numWorkers()
	if workers > m {
		workers = m
	}
	rowsPerWorker := (m + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if end > m {
			end = m
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matmulRows(a, b, out, start, end, n, k)
		}(start, end)
	}
	wg.Wait()
	return out
}

// matmulRows computes out[start:end] using the i-k-j loop order, which walks
// b row-contiguously and is several times faster than the textbook i-j-k
// order for row-major storage.
func matmulRows(a, b, out *Tensor, start, end, n, k int) {
	for i := start; i < end; i++ {
		aRow := a.data[i*k : (i+1)*k]
		outRow := out.data[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := aRow[p]
			if av == 0 {
				continue
			}
			bRow := b.data[p*n : (p+1)*n]
			for j := 0; j < n; j++ {
				outRow[j] += av * bRow[j]
			}
		}
	}
}

func defaultWorkers() int {
	return runtime.NumCPU()
}
