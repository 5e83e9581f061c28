package model

import (
	"fmt"

	"github.com/gptlab/gptlab/pkg/tensor"
)

// KVCache stores the per-layer key and value projections of already-decoded
// positions so generation only computes projections for the newest token.
//
// Without the cache, decoding token n recomputes K and V for all n-1 earlier
// positions, making generation quadratic in work that never changes. With
// it, each step appends one row per layer and attends over the stored
// prefix.
//
// Storage is preallocated at maxLen rows per layer; Append never grows the
// backing tensors, so a full generation does exactly numLayers allocations
// for keys and numLayers for values, up front.
type KVCache struct {
	numLayers int
	maxLen    int
	embedDim  int

	keys   []*tensor.Tensor // per layer: (maxLen, embedDim)
	values []*tensor.Tensor
	length int // positions cached so far, uniform across layers
	filled int // layers that have appended for the current position
}

// NewKVCache preallocates cache storage for numLayers layers and up to
// maxLen positions.
func NewKVCache(numLayers, maxLen, embedDim int) *KVCache {
	kv := &KVCache{
		numLayers: numLayers,
		maxLen:    maxLen,
		embedDim:  embedDim,
		keys:      make([]*tensor.Tensor, numLayers),
		values:    make([]*tensor.Tensor, numLayers),
	}
	for l := 0; l < numLayers; l++ {
		kv.keys[l] = tensor.New(maxLen, embedDim)
		kv.values[l] = tensor.New(maxLen, embedDim)
	}
	return kv
}

// Append stores the newest position's key and value rows for one layer.
// All layers must append for a position before the next position begins;
// the position counter advances when the last layer has appended.
func (kv *KVCache) Append(layer int, k, v []float64) {
	if layer < 0 || layer >= kv.numLayers {
		panic(fmt.Sprintf("model: kv cache layer %d out of range [0,%d)", layer, kv.numLayers))
	}
	if len(k) != kv.embedDim || len(v) != kv.embedDim {
		panic(fmt.Sprintf("model: kv cache row size %d/%d, want %d", len(k), len(v), kv.embedDim))
	}
	if kv.length >= kv.maxLen {
		panic(fmt.Sprintf("model: kv cache full at %d positions", kv.maxLen))
	}
	copy(kv.keys[layer].Row(kv.length), k)
	copy(kv.values[layer].Row(kv.length), v)

	kv.filled++
	if kv.filled == kv.numLayers {
		kv.filled = 0
		kv.length++
	}
}

// Keys returns a view over the cached key rows for one layer, including the
// position currently being filled. Shape: (Len()+pending, embedDim).
func (kv *KVCache) Keys(layer int) *tensor.Tensor {
	return kv.keys[layer].RowsView(kv.viewLen())
}

// Values returns a view over the cached value rows for one layer.
func (kv *KVCache) Values(layer int) *tensor.Tensor {
	return kv.values[layer].RowsView(kv.viewLen())
}

// viewLen includes the in-flight position while layers are mid-append, so a
// layer that just appended sees its own row when attending.
func (kv *KVCache) viewLen() int {
	if kv.filled > 0 {
		return kv.length + 1
	}
	return kv.length
}

// Len returns the number of fully cached positions.
func (kv *KVCache) Len() int { return kv.length }

// MaxLen returns the cache capacity in positions.
func (kv *KVCache) MaxLen() int { return kv.maxLen }

// Reset clears the cache for a new sequence without reallocating.
func (kv *KVCache) Reset() {
	kv.length = 0
	kv.filled = 0
}
