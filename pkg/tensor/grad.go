package tensor

import (
	"fmt"
	"math"
)

// ===========================================================================
// BACKWARD PRIMITIVES
// ===========================================================================
//
// Each forward operation in this package has a matching backward function
// that maps the upstream gradient to gradients for the operation's inputs.
// They are free functions rather than a taped autodiff graph: the model
// layer calls them explicitly in reverse topological order, which keeps the
// memory story obvious (activations are cached once, gradients are computed
// once, nothing is retained implicitly).
//
// Conventions:
//   - gradY is dL/dY for the op output Y.
//   - Functions return freshly allocated gradient tensors; accumulation into
//     parameters happens via Tensor.AccumulateGrad at the call site.
// ===========================================================================

// MatMulBackward computes input gradients for C = A @ B.
//
//	dL/dA = gradC @ B^T
//	dL/dB = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// ScaleBackward computes the input gradient for Y = s * X.
func ScaleBackward(scalar float64, gradY *Tensor) *Tensor {
	return Scale(gradY, scalar)
}

// ReLUBackward computes the input gradient for Y = max(0, X).
func ReLUBackward(x, gradY *Tensor) *Tensor {
	if !shapeEqual(x.shape, gradY.shape) {
		panic(fmt.Sprintf("tensor: ReLUBackward shape mismatch %v vs %v", x.shape, gradY.shape))
	}
	out := New(x.shape...)
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = gradY.data[i]
		}
	}
	return out
}

// GELUBackward computes the input gradient for the tanh-approximated GELU.
//
// With u = sqrt(2/pi)(x + 0.044715x^3):
//
//	g'(x) = 0.5(1 + tanh u) + 0.5x sech^2(u) * sqrt(2/pi)(1 + 3*0.044715x^2)
func GELUBackward(x, gradY *Tensor) *Tensor {
	if !shapeEqual(x.shape, gradY.shape) {
		panic(fmt.Sprintf("tensor: GELUBackward shape mismatch %v vs %v", x.shape, gradY.shape))
	}
	out := New(x.shape...)
	for i, v := range x.data {
		u := geluCoeff * (v + 0.044715*v*v*v)
		tanhU := math.Tanh(u)
		sech2 := 1 - tanhU*tanhU
		du := geluCoeff * (1 + 3*0.044715*v*v)
		deriv := 0.5*(1+tanhU) + 0.5*v*sech2*du
		out.data[i] = gradY.data[i] * deriv
	}
	return out
}

// SoftmaxBackward computes the input gradient for Y = softmax(X) applied
// row-wise, given Y (not X) and gradY:
//
//	dL/dX_ij = Y_ij * (gradY_ij - sum_k gradY_ik * Y_ik)
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 || !shapeEqual(y.shape, gradY.shape) {
		panic(fmt.Sprintf("tensor: SoftmaxBackward shape mismatch %v vs %v", y.shape, gradY.shape))
	}
	rows, cols := y.shape[0], y.shape[1]
	out := New(rows, cols)
	for i := 0; i < rows; i++ {
		yRow := y.data[i*cols : (i+1)*cols]
		gRow := gradY.data[i*cols : (i+1)*cols]
		dot := 0.0
		for j := 0; j < cols; j++ {
			dot += gRow[j] * yRow[j]
		}
		outRow := out.data[i*cols : (i+1)*cols]
		for j := 0; j < cols; j++ {
			outRow[j] = yRow[j] * (gRow[j] - dot)
		}
	}
	return out
}

// LayerNormBackward computes gradients for per-row layer normalization
// y = gamma * (x - mu) / sqrt(var + eps) + beta.
//
// x is the layer input, gradY the upstream gradient; both (rows, features).
// Returns the input gradient plus per-feature gamma and beta gradients.
func LayerNormBackward(x, gamma *Tensor, gradY *Tensor, eps float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 || !shapeEqual(x.shape, gradY.shape) {
		panic(fmt.Sprintf("tensor: LayerNormBackward shape mismatch %v vs %v", x.shape, gradY.shape))
	}
	rows, features := x.shape[0], x.shape[1]
	if gamma.Size() != features {
		panic(fmt.Sprintf("tensor: LayerNormBackward gamma size %d vs features %d", gamma.Size(), features))
	}

	gradX = New(rows, features)
	gradGamma = New(features)
	gradBeta = New(features)

	n := float64(features)
	for i := 0; i < rows; i++ {
		xRow := x.data[i*features : (i+1)*features]
		gRow := gradY.data[i*features : (i+1)*features]
		outRow := gradX.data[i*features : (i+1)*features]

		mean := 0.0
		for _, v := range xRow {
			mean += v
		}
		mean /= n

		variance := 0.0
		for _, v := range xRow {
			d := v - mean
			variance += d * d
		}
		variance /= n
		invStd := 1.0 / math.Sqrt(variance+eps)

		// Accumulate parameter gradients and the two row-level reductions
		// the input gradient needs.
		sumG := 0.0     // sum_j gradXhat_j
		sumGXhat := 0.0 // sum_j gradXhat_j * xhat_j
		for j := 0; j < features; j++ {
			xhat := (xRow[j] - mean) * invStd
			gradGamma.data[j] += gRow[j] * xhat
			gradBeta.data[j] += gRow[j]
			gXhat := gRow[j] * gamma.data[j]
			sumG += gXhat
			sumGXhat += gXhat * xhat
		}

		for j := 0; j < features; j++ {
			xhat := (xRow[j] - mean) * invStd
			gXhat := gRow[j] * gamma.data[j]
			outRow[j] = invStd * (gXhat - sumG/n - xhat*sumGXhat/n)
		}
	}

	return gradX, gradGamma, gradBeta
}
