// Package tensor provides the float64 numeric substrate for the rest of the
// repository: a row-major dense tensor, the forward operations a transformer
// needs (matmul, transpose, softmax, GELU, layer arithmetic), their backward
// counterparts, and a buffer pool for short-lived intermediates.
//
// Shape errors panic. A mismatched matmul or an out-of-range index is a
// programmer bug, not a runtime condition to recover from, and the panic
// message carries the offending shapes.
package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Tensor is a dense multi-dimensional array of float64 values stored in
// row-major (C-contiguous) order.
//
// The gradient buffer is allocated lazily on first accumulation, so
// inference-only tensors pay no gradient memory.
//
// Tensor is not safe for concurrent mutation. Callers that share tensors
// across goroutines must synchronize.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
	}
}

// NewRand creates a tensor filled with normally distributed values scaled by
// stddev. Uses the Box-Muller transform so initialization does not depend on
// rand.NormFloat64's internal state layout.
func NewRand(rng *rand.Rand, stddev float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rng.Float64(), rng.Float64()
		if u1 < 1e-12 {
			u1 = 1e-12
		}
		mag := stddev * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}
	return t
}

// FromSlice creates a tensor that adopts the given backing slice.
// The slice length must equal the product of the shape dimensions.
func FromSlice(data []float64, shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if len(data) != size {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{data: data, shape: shapeCopy}
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	s := make([]int, len(t.shape))
	copy(s, t.shape)
	return s
}

// Dims returns the number of dimensions.
func (t *Tensor) Dims() int { return len(t.shape) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the underlying storage. Mutations are visible to every view
// of the tensor; serialization and optimizers rely on this.
func (t *Tensor) Data() []float64 { return t.data }

// Grad returns the gradient buffer, or nil if no gradient has been
// accumulated yet.
func (t *Tensor) Grad() []float64 { return t.grad }

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set stores value at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range [0,%d) in dim %d", indices[i], t.shape[i], i))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// ZeroGrad resets the gradient buffer to zero. A nil buffer stays nil.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// AccumulateGrad adds grad's data into this tensor's gradient buffer,
// allocating it on first use.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if len(grad.data) != len(t.data) {
		panic(fmt.Sprintf("tensor: gradient size %d does not match tensor size %d", len(grad.data), len(t.data)))
	}
	t.ensureGrad()
	for i, g := range grad.data {
		t.grad[i] += g
	}
}

func (t *Tensor) ensureGrad() {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
}

// EnsureGrad allocates the gradient buffer if absent and returns it.
// Optimizers use this to treat never-touched parameters as zero-gradient.
func (t *Tensor) EnsureGrad() []float64 {
	t.ensureGrad()
	return t.grad
}

// Clone returns a deep copy of the tensor's data and shape.
// Gradients are not copied.
func (t *Tensor) Clone() *Tensor {
	c := New(t.shape...)
	copy(c.data, t.data)
	return c
}

// Reshape returns a view with a new shape sharing the same backing data.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	size := 1
	for _, dim := range newShape {
		size *= dim
	}
	if size != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v (size %d) to %v (size %d)", t.shape, len(t.data), newShape, size))
	}
	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)
	return &Tensor{data: t.data, shape: shapeCopy, grad: t.grad}
}

// RowsView returns a view of the first rows rows of a 2D tensor, sharing the
// backing data. Row-major layout makes the prefix contiguous, so no copy is
// needed.
func (t *Tensor) RowsView(rows int) *Tensor {
	if len(t.shape) != 2 {
		panic("tensor: RowsView requires a 2D tensor")
	}
	if rows < 0 || rows > t.shape[0] {
		panic(fmt.Sprintf("tensor: RowsView rows %d out of range [0,%d]", rows, t.shape[0]))
	}
	cols := t.shape[1]
	return &Tensor{data: t.data[:rows*cols], shape: []int{rows, cols}}
}

// Row returns the i-th row of a 2D tensor as a shared slice.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: Row requires a 2D tensor")
	}
	cols := t.shape[1]
	return t.data[i*cols : (i+1)*cols]
}

func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor(shape=%v, size=%d)", t.shape, len(t.data))
	return sb.String()
}

// ---------------------------------------------------------------------------
// Element-wise and matrix operations
// ---------------------------------------------------------------------------

// Add returns a + b element-wise.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: Add shape mismatch %v vs %v", a.shape, b.shape))
	}
	out := New(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Mul returns a * b element-wise (Hadamard product).
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: Mul shape mismatch %v vs %v", a.shape, b.shape))
	}
	out := New(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return out
}

// Scale returns a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := New(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul multiplies two 2D tensors: (m,k) @ (k,n) -> (m,n).
// Dispatches to the parallel implementation when the global compute
// configuration says the problem is large enough to be worth it.
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWith(a, b, GlobalComputeConfig())
}

// Transpose returns the transpose of a 2D tensor.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires a 2D tensor")
	}
	m, n := a.shape[0], a.shape[1]
	out := New(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// ReLU applies max(0, x) element-wise.
func ReLU(x *Tensor) *Tensor {
	out := New(x.shape...)
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		}
	}
	return out
}

// GELU applies the Gaussian Error Linear Unit using the tanh approximation
// from Hendrycks & Gimpel: 0.5x(1 + tanh(sqrt(2/pi)(x + 0.044715x^3))).
func GELU(x *Tensor) *Tensor {
	out := New(x.shape...)
	for i, v := range x.data {
		out.data[i] = gelu(v)
	}
	return out
}

const geluCoeff = 0.7978845608028654 // sqrt(2/pi)

func gelu(v float64) float64 {
	inner := geluCoeff * (v + 0.044715*v*v*v)
	return 0.5 * v * (1 + math.Tanh(inner))
}

// GELUValue applies the scalar GELU; the single-position decode path uses
// it to stay consistent with the tensor version.
func GELUValue(v float64) float64 { return gelu(v) }

// Softmax applies a numerically stable softmax along the last dimension of a
// 2D tensor. Each row of the result sums to 1.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires a 2D tensor")
	}
	rows, cols := x.shape[0], x.shape[1]
	out := New(rows, cols)
	for i := 0; i < rows; i++ {
		row := x.data[i*cols : (i+1)*cols]
		outRow := out.data[i*cols : (i+1)*cols]
		SoftmaxRow(outRow, row)
	}
	return out
}

// SoftmaxRow writes softmax(src) into dst. The slices may alias.
func SoftmaxRow(dst, src []float64) {
	maxVal := src[0]
	for _, v := range src[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	for i, v := range src {
		e := math.Exp(v - maxVal)
		dst[i] = e
		sum += e
	}
	inv := 1.0 / sum
	for i := range dst {
		dst[i] *= inv
	}
}

// AddBias adds a bias vector to each row of a 2D tensor.
func AddBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 || len(bias.shape) != 1 {
		panic("tensor: AddBias requires a 2D input and 1D bias")
	}
	if x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("tensor: AddBias dimension mismatch %d vs %d", x.shape[1], bias.shape[0]))
	}
	rows, cols := x.shape[0], x.shape[1]
	out := New(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] = x.data[i*cols+j] + bias.data[j]
		}
	}
	return out
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
